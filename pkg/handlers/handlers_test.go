package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitekeeper/sitekeeper/pkg/dispatcher"
	"github.com/sitekeeper/sitekeeper/pkg/events"
	"github.com/sitekeeper/sitekeeper/pkg/journal"
	"github.com/sitekeeper/sitekeeper/pkg/orchestrator"
	"github.com/sitekeeper/sitekeeper/pkg/routing"
	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// simExecutor stands in for the dispatcher. The default behavior marks every
// task succeeded; behave overrides it per test.
type simExecutor struct {
	mu       sync.Mutex
	executed []*types.NodeAction

	behave func(ctx context.Context, na *types.NodeAction) (*types.NodeActionResult, error)
}

func (f *simExecutor) Execute(ctx context.Context, masterActionID string, na *types.NodeAction, _ dispatcher.ProgressReporter) (*types.NodeActionResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, na)
	f.mu.Unlock()

	if f.behave != nil {
		return f.behave(ctx, na)
	}
	for _, t := range na.NodeTasks {
		t.Status = types.TaskSucceeded
		t.ProgressPercent = 100
	}
	na.OverallStatus = types.NodeActionSucceeded
	return &types.NodeActionResult{IsSuccess: true, FinalState: na}, nil
}

func (f *simExecutor) RequestCancel(string) {}

func (f *simExecutor) actions() []*types.NodeAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.NodeAction, len(f.executed))
	copy(out, f.executed)
	return out
}

type staticNodes []string

func (s staticNodes) ConnectedNodeNames() []string { return []string(s) }

func newCoordinator(t *testing.T, exec *simExecutor) *orchestrator.Coordinator {
	t.Helper()

	j, err := journal.New(t.TempDir(), "test-env")
	require.NoError(t, err)

	notifier := events.NewNotifier()
	notifier.Start()
	t.Cleanup(notifier.Stop)

	return orchestrator.NewCoordinator(orchestrator.Config{}, orchestrator.Deps{
		Executor:   exec,
		Journal:    j,
		Translator: routing.NewTranslator(time.Minute),
		Notifier:   notifier,
		Nodes:      staticNodes{"n1", "n2"},
	}, All())
}

func runToCompletion(t *testing.T, c *orchestrator.Coordinator, req orchestrator.SubmitRequest) *types.MasterAction {
	t.Helper()
	action, err := c.Submit(req)
	require.NoError(t, err)
	require.NoError(t, c.Wait(action.ID))

	final, err := c.GetAction(action.ID)
	require.NoError(t, err)
	return final
}

func failingExecutor(message string) *simExecutor {
	return &simExecutor{
		behave: func(ctx context.Context, na *types.NodeAction) (*types.NodeActionResult, error) {
			for _, t := range na.NodeTasks {
				t.Status = types.TaskFailed
			}
			na.OverallStatus = types.NodeActionFailed
			na.StatusMessage = message
			return &types.NodeActionResult{IsSuccess: false, FinalState: na}, nil
		},
	}
}

func TestEnvVerifySuccess(t *testing.T) {
	exec := &simExecutor{}
	c := newCoordinator(t, exec)

	final := runToCompletion(t, c, orchestrator.SubmitRequest{Type: types.OperationEnvVerify})
	require.Equal(t, types.MasterActionSucceeded, final.OverallStatus)
	require.Equal(t, "verified 2 nodes", final.StatusMessage)
	require.Equal(t, 100, final.OverallProgressPercent)

	require.Len(t, final.ExecutionHistory, 1)
	require.Equal(t, "Verification", final.ExecutionHistory[0].StageName)
	require.True(t, final.ExecutionHistory[0].IsSuccess)

	actions := exec.actions()
	require.Len(t, actions, 1)
	require.Equal(t, types.TaskTypeVerifyConfiguration, actions[0].TaskType)
	require.Len(t, actions[0].NodeTasks, 2, "empty targets must fan out to all connected nodes")
}

func TestEnvVerifyNodeFailureFailsAction(t *testing.T) {
	c := newCoordinator(t, failingExecutor("2/2 tasks terminal, worst state Failed on n1"))

	final := runToCompletion(t, c, orchestrator.SubmitRequest{Type: types.OperationEnvVerify})
	require.Equal(t, types.MasterActionFailed, final.OverallStatus)
	require.Contains(t, final.StatusMessage, "Environment verification stage failed")

	require.Len(t, final.ExecutionHistory, 1)
	require.False(t, final.ExecutionHistory[0].IsSuccess)
}

func TestEnvVerifyCancellation(t *testing.T) {
	started := make(chan struct{})
	exec := &simExecutor{
		behave: func(ctx context.Context, na *types.NodeAction) (*types.NodeActionResult, error) {
			close(started)
			<-ctx.Done()
			for _, t := range na.NodeTasks {
				t.Status = types.TaskCancelled
			}
			na.OverallStatus = types.NodeActionCancelled
			na.IsCancellationRequested = true
			return &types.NodeActionResult{IsSuccess: false, FinalState: na}, nil
		},
	}
	c := newCoordinator(t, exec)

	action, err := c.Submit(orchestrator.SubmitRequest{Type: types.OperationEnvVerify})
	require.NoError(t, err)
	<-started

	outcome, err := c.RequestCancellation(action.ID)
	require.NoError(t, err)
	require.Equal(t, orchestrator.CancellationPending, outcome)

	require.NoError(t, c.Wait(action.ID))
	final, err := c.GetAction(action.ID)
	require.NoError(t, err)
	require.Equal(t, types.MasterActionCancelled, final.OverallStatus)
}

func TestOrchestrationTestHappyPath(t *testing.T) {
	exec := &simExecutor{}
	c := newCoordinator(t, exec)

	final := runToCompletion(t, c, orchestrator.SubmitRequest{
		Type: types.OperationOrchestrationTest,
		Parameters: map[string]string{
			ParamSlaveBehavior: "Succeed",
			ParamCustomMessage: "hello from test",
		},
	})
	require.Equal(t, types.MasterActionSucceeded, final.OverallStatus)
	require.Equal(t, "orchestration test completed", final.StatusMessage)

	require.Len(t, final.ExecutionHistory, 2)
	require.Equal(t, "Simulation", final.ExecutionHistory[0].StageName)
	require.Equal(t, "ResultCollection", final.ExecutionHistory[1].StageName)

	// The final snapshot comes back from the archive, so the custom result
	// has been through a JSON round trip.
	sim, ok := final.ExecutionHistory[0].CustomResult.(map[string]any)
	require.True(t, ok, "simulation stage custom result type: %T", final.ExecutionHistory[0].CustomResult)
	require.Equal(t, "Succeed", sim["behavior"])
	require.Equal(t, string(types.NodeActionSucceeded), sim["outcome"])

	// Behavior parameters travel in the task payload.
	actions := exec.actions()
	require.Len(t, actions, 1)
	require.Equal(t, types.TaskTypeOrchestrationSimulation, actions[0].TaskType)
	task := actions[0].NodeTasks[0]
	require.Equal(t, "Succeed", task.Payload[ParamSlaveBehavior])
	require.Equal(t, "hello from test", task.Payload[ParamCustomMessage])
}

func TestOrchestrationTestTargetList(t *testing.T) {
	exec := &simExecutor{}
	c := newCoordinator(t, exec)

	final := runToCompletion(t, c, orchestrator.SubmitRequest{
		Type:       types.OperationOrchestrationTest,
		Parameters: map[string]string{ParamTargetNodeName: "n1,n2"},
	})
	require.Equal(t, types.MasterActionSucceeded, final.OverallStatus)

	actions := exec.actions()
	require.Len(t, actions, 1)
	require.Len(t, actions[0].NodeTasks, 2)
	require.Equal(t, "n1", actions[0].NodeTasks[0].NodeName)
	require.Equal(t, "n2", actions[0].NodeTasks[1].NodeName)
}

func TestOrchestrationTestSlaveFailure(t *testing.T) {
	c := newCoordinator(t, failingExecutor("simulated failure"))

	final := runToCompletion(t, c, orchestrator.SubmitRequest{
		Type:       types.OperationOrchestrationTest,
		Parameters: map[string]string{ParamSlaveBehavior: "Fail"},
	})
	require.Equal(t, types.MasterActionFailed, final.OverallStatus)
	require.Contains(t, final.StatusMessage, "simulation stage ended")
	require.Len(t, final.ExecutionHistory, 1, "result collection must not run after a failed simulation")
}

func TestOrchestrationTestMasterFailureAfterFirstStage(t *testing.T) {
	exec := &simExecutor{}
	c := newCoordinator(t, exec)

	final := runToCompletion(t, c, orchestrator.SubmitRequest{
		Type:       types.OperationOrchestrationTest,
		Parameters: map[string]string{ParamMasterFailure: MasterFailureThrowAfterFirstStage},
	})
	require.Equal(t, types.MasterActionFailed, final.OverallStatus)
	require.Contains(t, final.StatusMessage, "simulated master-side failure after first stage")

	// The first stage completed and was archived before the failure hit.
	require.Len(t, final.ExecutionHistory, 1)
	require.Equal(t, "Simulation", final.ExecutionHistory[0].StageName)
	require.True(t, final.ExecutionHistory[0].IsSuccess)
}

func TestAllRegistersBothOperations(t *testing.T) {
	seen := map[types.OperationType]bool{}
	for _, h := range All() {
		seen[h.Type()] = true
	}
	require.True(t, seen[types.OperationEnvVerify])
	require.True(t, seen[types.OperationOrchestrationTest])
}
