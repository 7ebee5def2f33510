package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitekeeper/sitekeeper/pkg/dispatcher"
	"github.com/sitekeeper/sitekeeper/pkg/events"
	"github.com/sitekeeper/sitekeeper/pkg/journal"
	"github.com/sitekeeper/sitekeeper/pkg/routing"
	"github.com/sitekeeper/sitekeeper/pkg/types"
)

const testOp types.OperationType = "TestOp"

// fakeExecutor satisfies Executor without any transport. The default
// behavior marks every task succeeded.
type fakeExecutor struct {
	mu       sync.Mutex
	executed []*types.NodeAction

	// behave overrides the default all-succeed behavior when set
	behave func(ctx context.Context, na *types.NodeAction) (*types.NodeActionResult, error)

	// behaveWithProgress additionally receives the progress reporter and
	// takes precedence over behave
	behaveWithProgress func(ctx context.Context, na *types.NodeAction, report dispatcher.ProgressReporter) (*types.NodeActionResult, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, masterActionID string, na *types.NodeAction, report dispatcher.ProgressReporter) (*types.NodeActionResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, na)
	f.mu.Unlock()

	if f.behaveWithProgress != nil {
		return f.behaveWithProgress(ctx, na, report)
	}
	if f.behave != nil {
		return f.behave(ctx, na)
	}
	return succeedNodeAction(na), nil
}

func succeedNodeAction(na *types.NodeAction) *types.NodeActionResult {
	for _, t := range na.NodeTasks {
		t.Status = types.TaskSucceeded
		t.ProgressPercent = 100
	}
	na.OverallStatus = types.NodeActionSucceeded
	na.ProgressPercent = 100
	return &types.NodeActionResult{IsSuccess: true, FinalState: na}
}

func (f *fakeExecutor) RequestCancel(string) {}

func (f *fakeExecutor) executedActions() []*types.NodeAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.NodeAction, len(f.executed))
	copy(out, f.executed)
	return out
}

type staticNodes []string

func (s staticNodes) ConnectedNodeNames() []string { return []string(s) }

// fakeHandler runs a closure as an operation handler
type fakeHandler struct {
	typ         types.OperationType
	cancellable bool
	fn          func(*MasterActionContext) error
}

func (h *fakeHandler) Type() types.OperationType { return h.typ }
func (h *fakeHandler) SupportsCancellation() bool { return h.cancellable }
func (h *fakeHandler) Execute(mac *MasterActionContext) error {
	return h.fn(mac)
}

type fixture struct {
	coord      *Coordinator
	executor   *fakeExecutor
	journal    *journal.Journal
	translator *routing.Translator
}

func newFixture(t *testing.T, cfg Config, handlers ...Handler) *fixture {
	t.Helper()

	j, err := journal.New(t.TempDir(), "test-env")
	require.NoError(t, err)

	notifier := events.NewNotifier()
	notifier.Start()
	t.Cleanup(notifier.Stop)

	f := &fixture{
		executor:   &fakeExecutor{},
		journal:    j,
		translator: routing.NewTranslator(time.Minute),
	}
	f.coord = NewCoordinator(cfg, Deps{
		Executor:   f.executor,
		Journal:    j,
		Translator: f.translator,
		Notifier:   notifier,
		Nodes:      staticNodes{"n1", "n2"},
	}, handlers)
	return f
}

func stageHandler() *fakeHandler {
	return &fakeHandler{
		typ:         testOp,
		cancellable: true,
		fn: func(mac *MasterActionContext) error {
			return mac.RunStage("Apply", func(sc *StageContext) error {
				res, err := sc.ExecuteNodeAction(NodeActionSpec{
					Name:     "apply changes",
					TaskType: "TestTask",
				})
				if err != nil {
					return err
				}
				if !res.IsSuccess {
					return fmt.Errorf("node action ended %s", res.FinalState.OverallStatus)
				}
				return nil
			})
		},
	}
}

func submitAndWait(t *testing.T, f *fixture, req SubmitRequest) *types.MasterAction {
	t.Helper()
	action, err := f.coord.Submit(req)
	require.NoError(t, err)
	require.NoError(t, f.coord.Wait(action.ID))

	final, err := f.coord.GetAction(action.ID)
	require.NoError(t, err)
	return final
}

func TestSubmitRunsToSuccess(t *testing.T) {
	f := newFixture(t, Config{}, stageHandler())

	final := submitAndWait(t, f, SubmitRequest{Type: testOp, InitiatedBy: "tester"})
	require.Equal(t, types.MasterActionSucceeded, final.OverallStatus)
	require.Equal(t, 100, final.OverallProgressPercent)
	require.NotNil(t, final.EndTime)

	require.Len(t, final.ExecutionHistory, 1)
	stage := final.ExecutionHistory[0]
	require.Equal(t, "Apply", stage.StageName)
	require.True(t, stage.IsSuccess)
	require.Len(t, stage.FinalNodeActions, 1)

	// Empty NodeNames targets every connected node.
	executed := f.executor.executedActions()
	require.Len(t, executed, 1)
	require.Len(t, executed[0].NodeTasks, 2)

	// The finished action is archived and readable from the journal.
	archived, err := f.journal.GetArchivedMasterAction(final.ID)
	require.NoError(t, err)
	require.Equal(t, types.MasterActionSucceeded, archived.OverallStatus)
}

func TestSubmitUnknownOperation(t *testing.T) {
	f := newFixture(t, Config{}, stageHandler())

	_, err := f.coord.Submit(SubmitRequest{Type: "NoSuchOp"})
	require.ErrorIs(t, err, ErrUnknownOperation)
}

func TestConcurrencyCap(t *testing.T) {
	release := make(chan struct{})
	blocking := &fakeHandler{
		typ: testOp,
		fn: func(mac *MasterActionContext) error {
			<-release
			return nil
		},
	}
	f := newFixture(t, Config{MaxConcurrentActions: 1}, blocking)

	first, err := f.coord.Submit(SubmitRequest{Type: testOp})
	require.NoError(t, err)

	_, err = f.coord.Submit(SubmitRequest{Type: testOp})
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, 1, f.coord.ActiveCount())

	close(release)
	require.NoError(t, f.coord.Wait(first.ID))

	// Finished actions free their slot.
	second, err := f.coord.Submit(SubmitRequest{Type: testOp})
	require.NoError(t, err)
	require.NoError(t, f.coord.Wait(second.ID))
}

func TestHandlerErrorFailsAction(t *testing.T) {
	failing := &fakeHandler{
		typ: testOp,
		fn:  func(mac *MasterActionContext) error { return fmt.Errorf("disk on fire") },
	}
	f := newFixture(t, Config{}, failing)

	final := submitAndWait(t, f, SubmitRequest{Type: testOp})
	require.Equal(t, types.MasterActionFailed, final.OverallStatus)
	require.Contains(t, final.StatusMessage, "disk on fire")
}

func TestHandlerPanicFailsAction(t *testing.T) {
	panicking := &fakeHandler{
		typ: testOp,
		fn:  func(mac *MasterActionContext) error { panic("boom") },
	}
	f := newFixture(t, Config{}, panicking)

	final := submitAndWait(t, f, SubmitRequest{Type: testOp})
	require.Equal(t, types.MasterActionFailed, final.OverallStatus)
	require.Contains(t, final.StatusMessage, "handler panicked")
	require.Contains(t, final.StatusMessage, "boom")

	archived, err := f.journal.GetArchivedMasterAction(final.ID)
	require.NoError(t, err)
	require.Equal(t, types.MasterActionFailed, archived.OverallStatus)
}

func TestPanicInsideStageStillFinalizesStage(t *testing.T) {
	h := &fakeHandler{
		typ: testOp,
		fn: func(mac *MasterActionContext) error {
			return mac.RunStage("Doomed", func(sc *StageContext) error {
				panic("mid-stage explosion")
			})
		},
	}
	f := newFixture(t, Config{}, h)

	final := submitAndWait(t, f, SubmitRequest{Type: testOp})
	require.Equal(t, types.MasterActionFailed, final.OverallStatus)

	// The stage record is archived despite the panic.
	require.Len(t, final.ExecutionHistory, 1)
	require.False(t, final.ExecutionHistory[0].IsSuccess)
}

func TestExplicitOutcomeWins(t *testing.T) {
	h := &fakeHandler{
		typ: testOp,
		fn: func(mac *MasterActionContext) error {
			mac.SetCompleted("verified 2 nodes")
			mac.SetFailed("this later call must be ignored")
			return nil
		},
	}
	f := newFixture(t, Config{}, h)

	final := submitAndWait(t, f, SubmitRequest{Type: testOp})
	require.Equal(t, types.MasterActionSucceeded, final.OverallStatus)
	require.Equal(t, "verified 2 nodes", final.StatusMessage)
	require.Equal(t, 100, final.OverallProgressPercent)
}

func TestExplicitFailure(t *testing.T) {
	h := &fakeHandler{
		typ: testOp,
		fn: func(mac *MasterActionContext) error {
			mac.SetFailed("verification found drift")
			return nil
		},
	}
	f := newFixture(t, Config{}, h)

	final := submitAndWait(t, f, SubmitRequest{Type: testOp})
	require.Equal(t, types.MasterActionFailed, final.OverallStatus)
	require.Equal(t, "verification found drift", final.StatusMessage)
}

func TestCancellation(t *testing.T) {
	started := make(chan struct{})
	h := &fakeHandler{
		typ:         testOp,
		cancellable: true,
		fn: func(mac *MasterActionContext) error {
			close(started)
			<-mac.Context().Done()
			return ErrCancelled
		},
	}
	f := newFixture(t, Config{}, h)

	action, err := f.coord.Submit(SubmitRequest{Type: testOp})
	require.NoError(t, err)
	<-started

	outcome, err := f.coord.RequestCancellation(action.ID)
	require.NoError(t, err)
	require.Equal(t, CancellationPending, outcome)

	// Repeat requests before completion are idempotent.
	outcome, err = f.coord.RequestCancellation(action.ID)
	if err == nil {
		require.Equal(t, CancellationPending, outcome)
	}

	require.NoError(t, f.coord.Wait(action.ID))
	final, err := f.coord.GetAction(action.ID)
	require.NoError(t, err)
	require.Equal(t, types.MasterActionCancelled, final.OverallStatus)
	require.Contains(t, final.StatusMessage, "cancelled")

	// After completion the request reports the action as already done.
	outcome, err = f.coord.RequestCancellation(action.ID)
	require.ErrorIs(t, err, ErrAlreadyCompleted)
	require.Equal(t, CancellationAlreadyDone, outcome)
}

func TestCancellationNotSupported(t *testing.T) {
	release := make(chan struct{})
	h := &fakeHandler{
		typ:         testOp,
		cancellable: false,
		fn: func(mac *MasterActionContext) error {
			<-release
			return nil
		},
	}
	f := newFixture(t, Config{}, h)

	action, err := f.coord.Submit(SubmitRequest{Type: testOp})
	require.NoError(t, err)

	outcome, err := f.coord.RequestCancellation(action.ID)
	require.ErrorIs(t, err, ErrCancelNotSupported)
	require.Equal(t, CancellationNotSupported, outcome)

	close(release)
	require.NoError(t, f.coord.Wait(action.ID))
}

func TestCancellationUnknownAction(t *testing.T) {
	f := newFixture(t, Config{}, stageHandler())

	outcome, err := f.coord.RequestCancellation("no-such-id")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, CancellationTargetMissing, outcome)
}

func TestRunStageRefusesAfterCancel(t *testing.T) {
	h := &fakeHandler{
		typ:         testOp,
		cancellable: true,
		fn: func(mac *MasterActionContext) error {
			<-mac.Context().Done()
			err := mac.RunStage("NeverRuns", func(sc *StageContext) error {
				t.Error("stage body must not run after cancellation")
				return nil
			})
			return err
		},
	}
	f := newFixture(t, Config{}, h)

	action, err := f.coord.Submit(SubmitRequest{Type: testOp})
	require.NoError(t, err)

	// Wait for the handler to be live before cancelling.
	for {
		got, err := f.coord.GetAction(action.ID)
		require.NoError(t, err)
		if got.OverallStatus == types.MasterActionInProgress {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, err = f.coord.RequestCancellation(action.ID)
	require.NoError(t, err)

	require.NoError(t, f.coord.Wait(action.ID))
	final, err := f.coord.GetAction(action.ID)
	require.NoError(t, err)
	require.Equal(t, types.MasterActionCancelled, final.OverallStatus)
	require.Empty(t, final.ExecutionHistory)
}

func TestTranslatorMappingLifecycle(t *testing.T) {
	var liveMaster string
	var naID string

	f := newFixture(t, Config{})
	f.executor.behave = func(ctx context.Context, na *types.NodeAction) (*types.NodeActionResult, error) {
		naID = na.ID
		// While executing, the node action resolves to its master action.
		liveMaster, _ = f.translator.ResolveLive(na.ID)
		na.OverallStatus = types.NodeActionSucceeded
		for _, task := range na.NodeTasks {
			task.Status = types.TaskSucceeded
		}
		return &types.NodeActionResult{IsSuccess: true, FinalState: na}, nil
	}
	f.coord.handlers[testOp] = stageHandler()

	final := submitAndWait(t, f, SubmitRequest{Type: testOp})
	require.Equal(t, final.ID, liveMaster)

	// After completion the mapping leaves the live set but stays resolvable
	// within the grace window for late slave messages.
	_, live := f.translator.ResolveLive(naID)
	require.False(t, live)
	got, any := f.translator.ResolveAny(naID)
	require.True(t, any)
	require.Equal(t, final.ID, got)
}

func TestNamedTargetsAndPayloadReachTasks(t *testing.T) {
	h := &fakeHandler{
		typ: testOp,
		fn: func(mac *MasterActionContext) error {
			return mac.RunStage("Apply", func(sc *StageContext) error {
				_, err := sc.ExecuteNodeAction(NodeActionSpec{
					Name:      "targeted",
					TaskType:  "TestTask",
					NodeNames: []string{"n2"},
					Payload:   map[string]string{"mode": "fast"},
				})
				return err
			})
		},
	}
	f := newFixture(t, Config{}, h)

	final := submitAndWait(t, f, SubmitRequest{Type: testOp})
	require.Equal(t, types.MasterActionSucceeded, final.OverallStatus)

	executed := f.executor.executedActions()
	require.Len(t, executed, 1)
	require.Len(t, executed[0].NodeTasks, 1)
	task := executed[0].NodeTasks[0]
	require.Equal(t, "n2", task.NodeName)
	require.Equal(t, "fast", task.Payload["mode"])
	require.Equal(t, final.ID, executed[0].AuditContext["masterActionId"])
}

func TestRecentLogsCaptured(t *testing.T) {
	logged := make(chan struct{})
	release := make(chan struct{})
	h := &fakeHandler{
		typ: testOp,
		fn: func(mac *MasterActionContext) error {
			return mac.RunStage("Apply", func(sc *StageContext) error {
				sc.LogInfo("checked %d nodes", 2)
				close(logged)
				<-release
				return nil
			})
		},
	}
	f := newFixture(t, Config{}, h)

	action, err := f.coord.Submit(SubmitRequest{Type: testOp})
	require.NoError(t, err)
	<-logged

	logs, err := f.coord.RecentLogs(action.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)

	found := false
	for _, rec := range logs {
		if rec.Message == "checked 2 nodes" {
			found = true
		}
	}
	require.True(t, found, "handler log line missing from ring: %+v", logs)

	close(release)
	require.NoError(t, f.coord.Wait(action.ID))

	// The ring lives with the action; once archived it is gone.
	_, err = f.coord.RecentLogs(action.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestParallelNodeActions(t *testing.T) {
	h := &fakeHandler{
		typ: testOp,
		fn: func(mac *MasterActionContext) error {
			return mac.RunStage("Fanout", func(sc *StageContext) error {
				results, err := sc.ExecuteNodeActionsInParallel([]NodeActionSpec{
					{Name: "first", TaskType: "TestTask", NodeNames: []string{"n1"}},
					{Name: "second", TaskType: "TestTask", NodeNames: []string{"n2"}},
				})
				if err != nil {
					return err
				}
				if len(results) != 2 || results[0] == nil || results[1] == nil {
					return fmt.Errorf("expected two results, got %v", results)
				}
				return nil
			})
		},
	}
	f := newFixture(t, Config{}, h)

	final := submitAndWait(t, f, SubmitRequest{Type: testOp})
	require.Equal(t, types.MasterActionSucceeded, final.OverallStatus)
	require.Len(t, final.ExecutionHistory[0].FinalNodeActions, 2)
	require.Len(t, f.executor.executedActions(), 2)
}

func TestDefaultNameIsOperationType(t *testing.T) {
	f := newFixture(t, Config{}, stageHandler())
	final := submitAndWait(t, f, SubmitRequest{Type: testOp})
	require.Equal(t, string(testOp), final.Name)
}

func TestFinalizedActionEvicted(t *testing.T) {
	f := newFixture(t, Config{}, stageHandler())

	final := submitAndWait(t, f, SubmitRequest{Type: testOp})
	require.Equal(t, types.MasterActionSucceeded, final.OverallStatus)

	// The live entry is gone once the action is archived.
	f.coord.mu.Lock()
	_, live := f.coord.actions[final.ID]
	f.coord.mu.Unlock()
	require.False(t, live)

	// Lookup and Wait keep working through the archive.
	got, err := f.coord.GetAction(final.ID)
	require.NoError(t, err)
	require.Equal(t, types.MasterActionSucceeded, got.OverallStatus)
	require.NoError(t, f.coord.Wait(final.ID))

	// The listing reports the archived action exactly once.
	count := 0
	for _, a := range f.coord.ListActions() {
		if a.ID == final.ID {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestNodeProgressReachesAction(t *testing.T) {
	reported := make(chan struct{})
	release := make(chan struct{})

	f := newFixture(t, Config{})
	f.executor.behaveWithProgress = func(ctx context.Context, na *types.NodeAction, report dispatcher.ProgressReporter) (*types.NodeActionResult, error) {
		report(75, "applying")
		close(reported)
		<-release
		return succeedNodeAction(na), nil
	}
	f.coord.handlers[testOp] = stageHandler()

	action, err := f.coord.Submit(SubmitRequest{Type: testOp})
	require.NoError(t, err)
	<-reported

	got, err := f.coord.GetAction(action.ID)
	require.NoError(t, err)
	require.Equal(t, 75, got.OverallProgressPercent)

	close(release)
	require.NoError(t, f.coord.Wait(action.ID))
	final, err := f.coord.GetAction(action.ID)
	require.NoError(t, err)
	require.Equal(t, 100, final.OverallProgressPercent)
}

func TestParallelProgressAveragesNodeActions(t *testing.T) {
	halfReported := make(chan struct{})
	bothReported := make(chan struct{})
	release := make(chan struct{})

	f := newFixture(t, Config{})
	f.executor.behaveWithProgress = func(ctx context.Context, na *types.NodeAction, report dispatcher.ProgressReporter) (*types.NodeActionResult, error) {
		if na.Name == "half" {
			report(50, "halfway")
			close(halfReported)
		} else {
			<-halfReported
			report(100, "finishing")
			close(bothReported)
		}
		<-release
		return succeedNodeAction(na), nil
	}
	h := &fakeHandler{
		typ: testOp,
		fn: func(mac *MasterActionContext) error {
			return mac.RunStage("Fanout", func(sc *StageContext) error {
				_, err := sc.ExecuteNodeActionsInParallel([]NodeActionSpec{
					{Name: "half", TaskType: "TestTask", NodeNames: []string{"n1"}},
					{Name: "full", TaskType: "TestTask", NodeNames: []string{"n2"}},
				})
				return err
			})
		},
	}
	f.coord.handlers[testOp] = h

	action, err := f.coord.Submit(SubmitRequest{Type: testOp})
	require.NoError(t, err)
	<-bothReported

	// Stage progress is the mean across the parallel node actions.
	got, err := f.coord.GetAction(action.ID)
	require.NoError(t, err)
	require.Equal(t, 75, got.OverallProgressPercent)

	close(release)
	require.NoError(t, f.coord.Wait(action.ID))
}
