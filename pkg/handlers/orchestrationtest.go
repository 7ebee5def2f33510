package handlers

import (
	"fmt"
	"strings"

	"github.com/sitekeeper/sitekeeper/pkg/orchestrator"
	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// Parameter names understood by the orchestration test handler. slaveBehavior,
// customMessage and executionDelaySeconds are forwarded verbatim in the task
// payload for the slave-side simulation executor.
const (
	ParamSlaveBehavior         = "slaveBehavior"
	ParamMasterFailure         = "masterFailure"
	ParamTargetNodeName        = "targetNodeName"
	ParamCustomMessage         = "customMessage"
	ParamExecutionDelaySeconds = "executionDelaySeconds"

	// MasterFailureThrowAfterFirstStage makes the handler panic once the
	// first stage has been archived, exercising the coordinator's recovery.
	MasterFailureThrowAfterFirstStage = "ThrowAfterFirstStage"
)

// OrchestrationTest is the self-test operation: it drives a simulation task
// through the full dispatch pipeline with configurable slave and master
// failure modes.
type OrchestrationTest struct{}

// NewOrchestrationTest creates the orchestration self-test handler
func NewOrchestrationTest() *OrchestrationTest {
	return &OrchestrationTest{}
}

func (h *OrchestrationTest) Type() types.OperationType {
	return types.OperationOrchestrationTest
}

func (h *OrchestrationTest) SupportsCancellation() bool {
	return true
}

func (h *OrchestrationTest) Execute(ctx *orchestrator.MasterActionContext) error {
	params := ctx.Parameters()
	ctx.InitializeProgress(2)

	payload := map[string]string{}
	for _, key := range []string{ParamSlaveBehavior, ParamCustomMessage, ParamExecutionDelaySeconds} {
		if v := params[key]; v != "" {
			payload[key] = v
		}
	}

	var targets []string
	if t := params[ParamTargetNodeName]; t != "" {
		targets = strings.Split(t, ",")
	}

	var simResult *types.NodeActionResult
	err := ctx.RunStage("Simulation", func(sc *orchestrator.StageContext) error {
		sc.LogInfo("running orchestration simulation, behavior=%q", params[ParamSlaveBehavior])

		res, err := sc.ExecuteNodeAction(orchestrator.NodeActionSpec{
			Name:      "Orchestration Simulation Stage",
			TaskType:  types.TaskTypeOrchestrationSimulation,
			NodeNames: targets,
			Payload:   payload,
		})
		if err != nil {
			return err
		}
		simResult = res
		sc.SetCustomResult(map[string]string{
			"behavior": params[ParamSlaveBehavior],
			"outcome":  string(res.FinalState.OverallStatus),
		})
		if !res.IsSuccess && res.FinalState.OverallStatus != types.NodeActionCancelled {
			return fmt.Errorf("simulation stage ended %s: %s",
				res.FinalState.OverallStatus, res.FinalState.StatusMessage)
		}
		return nil
	})

	if params[ParamMasterFailure] == MasterFailureThrowAfterFirstStage {
		panic("simulated master-side failure after first stage")
	}
	if err != nil {
		return err
	}
	if simResult != nil && simResult.FinalState.OverallStatus == types.NodeActionCancelled {
		ctx.SetCancelled("orchestration test cancelled")
		return orchestrator.ErrCancelled
	}

	return ctx.RunStage("ResultCollection", func(sc *orchestrator.StageContext) error {
		summary := map[string]any{
			"tasks": len(simResult.FinalState.NodeTasks),
		}
		if msg := params[ParamCustomMessage]; msg != "" {
			summary["message"] = msg
		}
		sc.SetCustomResult(summary)
		ctx.SetCompleted("orchestration test completed")
		return nil
	})
}
