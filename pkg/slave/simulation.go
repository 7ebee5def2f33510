package slave

import (
	"strconv"
	"time"

	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// Simulation behaviors selected through the slaveBehavior parameter
const (
	BehaviorSucceed             = "Succeed"
	BehaviorSucceedWithIssues   = "SucceedWithIssues"
	BehaviorFail                = "Fail"
	BehaviorNotReady            = "NotReady"
	BehaviorIgnoreReadiness     = "IgnoreReadiness"
	BehaviorHangDuringExecute   = "HangDuringExecute"
	BehaviorCancelDuringExecute = "CancelDuringExecute"
	BehaviorReportIssue         = "ReportIssue"
)

// OrchestrationSimulation drives the orchestration self-test scenarios. The
// behavior parameter decides how the task answers readiness and how its
// execution ends.
type OrchestrationSimulation struct {
	// StepDelay paces the staged progress reports
	StepDelay time.Duration
}

// NewOrchestrationSimulation creates the simulation executor
func NewOrchestrationSimulation() *OrchestrationSimulation {
	return &OrchestrationSimulation{StepDelay: 100 * time.Millisecond}
}

func (s *OrchestrationSimulation) TaskType() string {
	return types.TaskTypeOrchestrationSimulation
}

func (s *OrchestrationSimulation) CheckReadiness(params map[string]string) Readiness {
	switch params["slaveBehavior"] {
	case BehaviorNotReady:
		return Readiness{Ready: false, Reason: "simulated readiness refusal"}
	case BehaviorIgnoreReadiness:
		return Readiness{Suppress: true}
	default:
		return Readiness{Ready: true}
	}
}

func (s *OrchestrationSimulation) Execute(tc *TaskContext) Result {
	behavior := tc.Params["slaveBehavior"]
	message := tc.Params["customMessage"]
	delay := s.executionDelay(tc.Params)

	tc.Log("info", "simulation started, behavior=%q delay=%s", behavior, delay)

	switch behavior {
	case BehaviorHangDuringExecute:
		tc.ReportProgress(10, "hanging")
		<-tc.Done()
		return Result{Status: types.TaskCancelled, Message: "cancelled while hanging"}

	case BehaviorCancelDuringExecute:
		tc.ReportProgress(10, "waiting for cancellation")
		if tc.Sleep(delay) {
			return Result{Status: types.TaskFailed, Message: "cancellation never arrived"}
		}
		return Result{Status: types.TaskCancelled, Message: orDefault(message, "cancelled during execute")}
	}

	for _, pct := range []int{25, 50, 75} {
		tc.ReportProgress(pct, "simulating work")
		if !tc.Sleep(s.stepDelay(delay)) {
			return Result{Status: types.TaskCancelled, Message: "cancelled during simulation"}
		}
	}
	tc.ReportProgress(100, "simulation finishing")

	switch behavior {
	case BehaviorFail:
		return Result{Status: types.TaskFailed, Message: orDefault(message, "simulated failure")}

	case BehaviorSucceedWithIssues:
		return Result{Status: types.TaskSucceededWithIssues, Message: orDefault(message, "simulated issues")}

	case BehaviorReportIssue:
		tc.Log("warn", "simulated issue report: %s", orDefault(message, "issue detected"))
		return Result{Status: types.TaskSucceededWithIssues, Message: orDefault(message, "issue reported")}

	default:
		return Result{Status: types.TaskSucceeded, Message: orDefault(message, "simulation succeeded")}
	}
}

// executionDelay reads executionDelaySeconds, defaulting to zero
func (s *OrchestrationSimulation) executionDelay(params map[string]string) time.Duration {
	sec, err := strconv.Atoi(params["executionDelaySeconds"])
	if err != nil || sec < 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}

// stepDelay spreads a configured delay over the progress steps
func (s *OrchestrationSimulation) stepDelay(total time.Duration) time.Duration {
	if total > 0 {
		return total / 4
	}
	return s.StepDelay
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
