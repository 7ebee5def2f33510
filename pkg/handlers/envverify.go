package handlers

import (
	"fmt"

	"github.com/sitekeeper/sitekeeper/pkg/orchestrator"
	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// EnvVerify runs a configuration verification task on every connected node.
// Any task that does not succeed cleanly fails the whole action.
type EnvVerify struct{}

// NewEnvVerify creates the environment verification handler
func NewEnvVerify() *EnvVerify {
	return &EnvVerify{}
}

func (h *EnvVerify) Type() types.OperationType {
	return types.OperationEnvVerify
}

func (h *EnvVerify) SupportsCancellation() bool {
	return true
}

func (h *EnvVerify) Execute(ctx *orchestrator.MasterActionContext) error {
	ctx.InitializeProgress(1)

	return ctx.RunStage("Verification", func(sc *orchestrator.StageContext) error {
		sc.LogInfo("verifying configuration on all connected nodes")

		res, err := sc.ExecuteNodeAction(orchestrator.NodeActionSpec{
			Name:     "Environment Verification Stage",
			TaskType: types.TaskTypeVerifyConfiguration,
		})
		if err != nil {
			msg := fmt.Sprintf("Environment verification stage failed: %v", err)
			ctx.SetFailed(msg)
			return fmt.Errorf("%s", msg)
		}

		final := res.FinalState
		if final.OverallStatus == types.NodeActionCancelled {
			ctx.SetCancelled("environment verification cancelled")
			return orchestrator.ErrCancelled
		}
		if !res.IsSuccess {
			msg := fmt.Sprintf("Environment verification stage failed: %s", final.StatusMessage)
			sc.LogError("%s", msg)
			ctx.SetFailed(msg)
			return fmt.Errorf("%s", msg)
		}

		sc.LogInfo("all %d nodes verified successfully", len(final.NodeTasks))
		ctx.SetCompleted(fmt.Sprintf("verified %d nodes", len(final.NodeTasks)))
		return nil
	})
}
