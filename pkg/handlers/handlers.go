package handlers

import (
	"github.com/sitekeeper/sitekeeper/pkg/orchestrator"
)

// All returns every built-in handler
func All() []orchestrator.Handler {
	return []orchestrator.Handler{
		NewEnvVerify(),
		NewOrchestrationTest(),
	}
}
