package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/pkg/agents"
	"github.com/sitekeeper/sitekeeper/pkg/events"
	"github.com/sitekeeper/sitekeeper/pkg/log"
	"github.com/sitekeeper/sitekeeper/pkg/metrics"
	"github.com/sitekeeper/sitekeeper/pkg/protocol"
	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// ProgressReporter accepts aggregated progress for one node action
type ProgressReporter func(percent int, message string)

// Config holds dispatcher tuning. Timeout and retry lookups are functions so
// per-task-type overrides stay in the configuration layer.
type Config struct {
	ReadinessTimeout      time.Duration
	ExecutionTimeout      func(taskType string) time.Duration
	RetryLimit            func(taskType string) int
	CancelGrace           time.Duration
	LogFlushTimeout       time.Duration
	FailFastOnNodeOffline bool
}

// Dispatcher is the two-phase multi-node task executor. It holds the state
// of all in-flight node actions and consumes slave-originated messages
// routed to it by the master.
type Dispatcher struct {
	cfg      Config
	agents   *agents.Manager
	notifier *events.Notifier
	logger   zerolog.Logger

	mu     sync.Mutex
	active map[string]*execution
}

// execution tracks one in-flight node action. Its mutex serializes task
// state transitions and aggregation; there is no dispatcher-wide lock held
// during execution.
type execution struct {
	mu             sync.Mutex
	masterActionID string
	action         *types.NodeAction
	tasks          map[string]*taskRuntime
	reporter       ProgressReporter

	cancelOnce sync.Once
	cancelCh   chan struct{}
	flushCh    chan string

	dispatcher *Dispatcher
	logger     zerolog.Logger
}

type taskRuntime struct {
	task      *types.NodeTask
	readyCh   chan protocol.TaskReadinessReport
	updateCh  chan protocol.TaskProgressUpdate
	offlineCh chan struct{}
	offOnce   sync.Once
}

// NewDispatcher creates a node action dispatcher
func NewDispatcher(cfg Config, agentMgr *agents.Manager, notifier *events.Notifier) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		agents:   agentMgr,
		notifier: notifier,
		logger:   log.WithComponent("dispatcher"),
		active:   make(map[string]*execution),
	}
}

// Execute runs a fully formed node action to a terminal outcome. It returns
// once every task is terminal and the log-flush handshake has completed.
func (d *Dispatcher) Execute(ctx context.Context, masterActionID string, action *types.NodeAction, reporter ProgressReporter) (*types.NodeActionResult, error) {
	if len(action.NodeTasks) == 0 {
		return nil, fmt.Errorf("node action %s has no tasks", action.ID)
	}
	if reporter == nil {
		reporter = func(int, string) {}
	}

	started := time.Now()
	ex := &execution{
		masterActionID: masterActionID,
		action:         action,
		tasks:          make(map[string]*taskRuntime, len(action.NodeTasks)),
		reporter:       reporter,
		cancelCh:       make(chan struct{}),
		flushCh:        make(chan string, len(action.NodeTasks)),
		dispatcher:     d,
		logger:         log.WithNodeAction(action.ID),
	}
	for _, t := range action.NodeTasks {
		ex.tasks[t.TaskID] = &taskRuntime{
			task:      t,
			readyCh:   make(chan protocol.TaskReadinessReport, 1),
			updateCh:  make(chan protocol.TaskProgressUpdate, 64),
			offlineCh: make(chan struct{}, 1),
		}
	}

	d.mu.Lock()
	d.active[action.ID] = ex
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, action.ID)
		d.mu.Unlock()
	}()

	// The stage-level token is translated into the cancel behavior of the
	// execution; sibling node actions are unaffected.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			ex.requestCancel()
		case <-watchDone:
		}
	}()

	now := time.Now().UTC()
	ex.mu.Lock()
	ex.action.StartTime = &now
	ex.action.OverallStatus = types.NodeActionAwaitingReadiness
	ex.mu.Unlock()

	// Phase 1: readiness gate.
	var wg sync.WaitGroup
	for _, tr := range ex.tasks {
		wg.Add(1)
		go func(tr *taskRuntime) {
			defer wg.Done()
			d.runPrepare(ex, tr)
		}(tr)
	}
	wg.Wait()

	ready := ex.readyTasks()
	if len(ready) == 0 {
		outcome := types.NodeActionFailed
		if ex.cancelRequested() {
			outcome = ex.action.ComputeOutcome(true)
		}
		d.finalize(ex, outcome, "no tasks passed the readiness gate")
		metrics.NodeActionDuration.Observe(time.Since(started).Seconds())
		return &types.NodeActionResult{IsSuccess: false, FinalState: action}, nil
	}

	ex.mu.Lock()
	ex.action.OverallStatus = types.NodeActionInProgress
	ex.mu.Unlock()
	ex.reportProgress()

	// Phase 2: execute everything that reported ready.
	for _, tr := range ready {
		wg.Add(1)
		go func(tr *taskRuntime) {
			defer wg.Done()
			d.runExecute(ex, tr)
		}(tr)
	}
	wg.Wait()

	outcome := ex.action.ComputeOutcome(ex.cancelRequested())
	d.flushLogs(ex)
	d.finalize(ex, outcome, summarize(ex.action))
	metrics.NodeActionDuration.Observe(time.Since(started).Seconds())

	return &types.NodeActionResult{
		IsSuccess:  outcome == types.NodeActionSucceeded,
		FinalState: action,
	}, nil
}

// runPrepare drives one task through the readiness gate
func (d *Dispatcher) runPrepare(ex *execution, tr *taskRuntime) {
	task := tr.task

	if ex.cancelRequested() {
		ex.setTaskStatus(tr, types.TaskCancelled, "cancelled before dispatch", "")
		return
	}

	if !d.agents.IsConnected(task.NodeName) {
		ex.setTaskStatus(tr, types.TaskDispatchFailedPrepare, "node not connected", "")
		return
	}

	prep := protocol.PrepareForTask{
		NodeActionID:              ex.action.ID,
		TaskID:                    task.TaskID,
		ExpectedTaskType:          task.TaskType,
		PreparationParametersJSON: marshalPayload(task.Payload),
	}
	if err := d.agents.Send(task.NodeName, protocol.MethodPrepareForTask, prep); err != nil {
		ex.setTaskStatus(tr, types.TaskDispatchFailedPrepare, fmt.Sprintf("failed to send prepare: %v", err), "")
		return
	}
	ex.setTaskStatus(tr, types.TaskAwaitingReadiness, "", "")

	timer := time.NewTimer(d.cfg.ReadinessTimeout)
	defer timer.Stop()

	select {
	case report := <-tr.readyCh:
		if report.IsReady {
			ex.setTaskStatus(tr, types.TaskReadyToExecute, "", "")
		} else {
			ex.setTaskStatus(tr, types.TaskNotReadyForTask, report.ReasonIfNotReady, "")
		}
	case <-timer.C:
		ex.setTaskStatus(tr, types.TaskReadinessCheckTimedOut, "no readiness report within timeout", "")
	case <-tr.offlineCh:
		ex.setTaskStatus(tr, types.TaskNodeOfflineDuringTask, "node went offline during readiness check", "")
	case <-ex.cancelCh:
		// The offline signal wins when both fired: the root cause for
		// this task is the lost node, not the cancellation.
		select {
		case <-tr.offlineCh:
			ex.setTaskStatus(tr, types.TaskNodeOfflineDuringTask, "node went offline during readiness check", "")
		default:
			d.cancelDispatched(ex, tr)
		}
	}
}

// runExecute drives one ready task to a terminal state, honoring the retry
// policy for slave-reported failures.
func (d *Dispatcher) runExecute(ex *execution, tr *taskRuntime) {
	task := tr.task

	for {
		d.executeOnce(ex, tr)

		retryLimit := d.cfg.RetryLimit(task.TaskType)
		ex.mu.Lock()
		retry := task.Status == types.TaskFailed && task.RetryCount < retryLimit
		if retry {
			task.Status = types.TaskRetrying
			task.RetryCount++
		}
		ex.mu.Unlock()
		if !retry {
			return
		}

		ex.logger.Info().
			Str("task_id", task.TaskID).
			Int("retry", task.RetryCount).
			Msg("retrying failed task")
		ex.resetForRetry(tr)
		ex.reportProgress()

		// A retry re-enters from Pending: the readiness gate runs again
		// for this task alone.
		d.runPrepare(ex, tr)
		ex.mu.Lock()
		ready := task.Status == types.TaskReadyToExecute
		ex.mu.Unlock()
		if !ready {
			return
		}
	}
}

func (d *Dispatcher) executeOnce(ex *execution, tr *taskRuntime) {
	task := tr.task

	instr := protocol.ExecuteTaskInstruction{
		NodeActionID:   ex.action.ID,
		TaskID:         task.TaskID,
		TaskType:       task.TaskType,
		ParametersJSON: marshalPayload(task.Payload),
	}
	if err := d.agents.Send(task.NodeName, protocol.MethodExecuteTask, instr); err != nil {
		ex.setTaskStatus(tr, types.TaskDispatchFailedExecute, fmt.Sprintf("failed to send execute: %v", err), "")
		return
	}
	ex.setTaskStatus(tr, types.TaskDispatched, "", "")

	timer := time.NewTimer(d.cfg.ExecutionTimeout(task.TaskType))
	defer timer.Stop()

	for {
		select {
		case upd := <-tr.updateCh:
			if done := ex.applyUpdate(tr, upd); done {
				return
			}

		case <-timer.C:
			d.sendCancel(ex, tr)
			if st, ok := d.awaitTerminalUpdate(ex, tr); ok {
				ex.logger.Debug().Str("task_id", task.TaskID).Str("slave_state", string(st)).
					Msg("slave confirmed termination after execution timeout")
			}
			ex.setTaskStatus(tr, types.TaskTimedOut, "execution timed out", "")
			return

		case <-tr.offlineCh:
			ex.setTaskStatus(tr, types.TaskNodeOfflineDuringTask, "node went offline during task", "")
			return

		case <-ex.cancelCh:
			select {
			case <-tr.offlineCh:
				ex.setTaskStatus(tr, types.TaskNodeOfflineDuringTask, "node went offline during task", "")
			default:
				d.cancelDispatched(ex, tr)
			}
			return
		}
	}
}

// cancelDispatched handles cancellation for a task whose prepare or execute
// message already reached the slave.
func (d *Dispatcher) cancelDispatched(ex *execution, tr *taskRuntime) {
	d.sendCancel(ex, tr)
	ex.setTaskStatus(tr, types.TaskCancelling, "cancellation requested", "")

	if st, ok := d.awaitTerminalUpdate(ex, tr); ok {
		msg := ""
		if st != types.TaskCancelled {
			msg = fmt.Sprintf("slave ended in %s", st)
		}
		ex.setTaskStatus(tr, types.TaskCancelled, msg, "")
		return
	}
	ex.setTaskStatus(tr, types.TaskCancellationFailed, "no confirmation within cancel grace period", "")
}

func (d *Dispatcher) sendCancel(ex *execution, tr *taskRuntime) {
	req := protocol.CancelTaskRequest{NodeActionID: ex.action.ID, TaskID: tr.task.TaskID}
	if err := d.agents.Send(tr.task.NodeName, protocol.MethodCancelTask, req); err != nil {
		ex.logger.Warn().Err(err).Str("task_id", tr.task.TaskID).Msg("failed to send cancel request")
	}
}

// awaitTerminalUpdate consumes progress updates until the slave reports a
// terminal state or the cancel grace period elapses.
func (d *Dispatcher) awaitTerminalUpdate(ex *execution, tr *taskRuntime) (types.TaskStatus, bool) {
	timer := time.NewTimer(d.cfg.CancelGrace)
	defer timer.Stop()

	for {
		select {
		case upd := <-tr.updateCh:
			st := types.TaskStatus(upd.Status)
			if st.IsTerminal() {
				return st, true
			}
		case <-tr.offlineCh:
			return types.TaskNodeOfflineDuringTask, true
		case <-timer.C:
			return "", false
		}
	}
}

// flushLogs runs the log-flush handshake with every participating node that
// is still connected. Missing confirmations are logged but never change the
// action outcome.
func (d *Dispatcher) flushLogs(ex *execution) {
	expected := make(map[string]bool)
	for _, t := range ex.action.NodeTasks {
		if expected[t.NodeName] || !d.agents.IsConnected(t.NodeName) {
			continue
		}
		req := protocol.LogFlushRequest{NodeActionID: ex.action.ID}
		if err := d.agents.Send(t.NodeName, protocol.MethodRequestLogFlush, req); err != nil {
			ex.logger.Warn().Err(err).Str("node_name", t.NodeName).Msg("failed to request log flush")
			continue
		}
		expected[t.NodeName] = true
	}
	if len(expected) == 0 {
		return
	}

	timer := time.NewTimer(d.cfg.LogFlushTimeout)
	defer timer.Stop()

	for len(expected) > 0 {
		select {
		case node := <-ex.flushCh:
			delete(expected, node)
		case <-timer.C:
			for node := range expected {
				ex.logger.Warn().Str("node_name", node).Msg("log flush not confirmed within timeout")
			}
			return
		}
	}
}

func (d *Dispatcher) finalize(ex *execution, outcome types.NodeActionStatus, message string) {
	now := time.Now().UTC()

	ex.mu.Lock()
	ex.action.OverallStatus = outcome
	ex.action.FinalOutcome = string(outcome)
	if message != "" {
		ex.action.StatusMessage = message
	}
	ex.action.EndTime = &now
	ex.action.RecomputeProgress()
	percent := ex.action.ProgressPercent
	ex.mu.Unlock()

	ex.reporter(percent, message)
	if d.notifier != nil {
		d.notifier.Publish(&events.Event{
			Type:           events.EventNodeActionProgress,
			MasterActionID: ex.masterActionID,
			NodeActionID:   ex.action.ID,
			Message:        message,
			Metadata:       map[string]string{"status": string(outcome)},
		})
	}
	ex.logger.Info().Str("outcome", string(outcome)).Msg("node action finished")
}

// RequestCancel marks the node action cancelled and triggers the per-task
// cancel behavior. Safe to call multiple times.
func (d *Dispatcher) RequestCancel(nodeActionID string) {
	d.mu.Lock()
	ex, ok := d.active[nodeActionID]
	d.mu.Unlock()
	if ok {
		ex.requestCancel()
	}
}

// HandleReadiness routes an inbound readiness report to its task
func (d *Dispatcher) HandleReadiness(r protocol.TaskReadinessReport) {
	tr, ok := d.lookupTask(r.NodeActionID, r.TaskID)
	if !ok {
		d.logger.Warn().Str("node_action_id", r.NodeActionID).Str("task_id", r.TaskID).
			Msg("readiness report for unknown task")
		return
	}
	select {
	case tr.readyCh <- r:
	default:
	}
}

// HandleProgress routes an inbound progress update to its task
func (d *Dispatcher) HandleProgress(u protocol.TaskProgressUpdate) {
	tr, ok := d.lookupTask(u.NodeActionID, u.TaskID)
	if !ok {
		d.logger.Warn().Str("node_action_id", u.NodeActionID).Str("task_id", u.TaskID).
			Msg("progress update for unknown task")
		return
	}
	select {
	case tr.updateCh <- u:
	default:
		d.logger.Warn().Str("task_id", u.TaskID).Msg("dropping progress update, task no longer consuming")
	}
}

// HandleLogFlushConfirm records a log flush confirmation
func (d *Dispatcher) HandleLogFlushConfirm(c protocol.LogFlushConfirmation) {
	d.mu.Lock()
	ex, ok := d.active[c.NodeActionID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ex.flushCh <- c.NodeName:
	default:
	}
}

// HandleNodeStatusChanged reacts to connectivity transitions from the health
// monitor: tasks in flight on a node that dropped become NodeOfflineDuringTask.
func (d *Dispatcher) HandleNodeStatusChanged(nodeName string, status types.ConnectivityStatus) {
	if status != types.NodeOffline && status != types.NodeUnreachable {
		return
	}

	d.mu.Lock()
	active := make([]*execution, 0, len(d.active))
	for _, ex := range d.active {
		active = append(active, ex)
	}
	d.mu.Unlock()

	for _, ex := range active {
		hit := false
		for _, tr := range ex.tasks {
			if tr.task.NodeName != nodeName {
				continue
			}
			ex.mu.Lock()
			terminal := tr.task.Status.IsTerminal()
			ex.mu.Unlock()
			if terminal {
				continue
			}
			tr.offOnce.Do(func() { close(tr.offlineCh) })
			hit = true
		}
		if hit && d.cfg.FailFastOnNodeOffline {
			ex.abort()
		}
	}
}

// ActiveNodeActions returns the ids of in-flight node actions
func (d *Dispatcher) ActiveNodeActions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.active))
	for id := range d.active {
		out = append(out, id)
	}
	return out
}

func (d *Dispatcher) lookupTask(nodeActionID, taskID string) (*taskRuntime, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ex, ok := d.active[nodeActionID]
	if !ok {
		return nil, false
	}
	tr, ok := ex.tasks[taskID]
	return tr, ok
}

// --- execution internals ---

// requestCancel is the operator path: it marks the action cancelled and
// aborts in-flight tasks.
func (ex *execution) requestCancel() {
	ex.mu.Lock()
	ex.action.IsCancellationRequested = true
	ex.mu.Unlock()
	ex.abort()
}

// abort stops in-flight tasks without marking the action operator-cancelled.
// Used by the fail-fast-on-node-offline policy so the outcome stays Failed.
func (ex *execution) abort() {
	ex.cancelOnce.Do(func() {
		close(ex.cancelCh)
	})
}

func (ex *execution) cancelRequested() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.action.IsCancellationRequested
}

func (ex *execution) readyTasks() []*taskRuntime {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	var out []*taskRuntime
	for _, tr := range ex.tasks {
		if tr.task.Status == types.TaskReadyToExecute {
			out = append(out, tr)
		}
	}
	return out
}

// setTaskStatus applies a state transition under the execution lock.
// Transitions out of a terminal state are ignored.
func (ex *execution) setTaskStatus(tr *taskRuntime, status types.TaskStatus, message, result string) {
	now := time.Now().UTC()

	ex.mu.Lock()
	task := tr.task
	if task.Status.IsTerminal() {
		ex.mu.Unlock()
		return
	}
	task.Status = status
	task.LastUpdateTime = &now
	if message != "" {
		task.StatusMessage = message
	}
	if (status == types.TaskStarting || status == types.TaskInProgress) && task.StartTime == nil {
		task.StartTime = &now
	}
	if status.IsTerminal() {
		task.EndTime = &now
		if result != "" {
			task.ResultPayload = result
		}
		metrics.TasksCompleted.WithLabelValues(string(status)).Inc()
	}
	ex.mu.Unlock()

	ex.reportProgress()
}

// applyUpdate folds a slave progress update into the task. Returns true when
// the task reached a terminal state.
func (ex *execution) applyUpdate(tr *taskRuntime, upd protocol.TaskProgressUpdate) bool {
	status := types.TaskStatus(upd.Status)
	percent := upd.ProgressPercent
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	now := time.Now().UTC()
	ex.mu.Lock()
	task := tr.task
	if task.Status.IsTerminal() {
		ex.mu.Unlock()
		return true
	}
	switch status {
	case types.TaskStarting, types.TaskInProgress:
		task.Status = status
		if task.StartTime == nil {
			task.StartTime = &now
		}
		task.ProgressPercent = percent
		if upd.Message != "" {
			task.StatusMessage = upd.Message
		}
	case types.TaskSucceeded, types.TaskSucceededWithIssues, types.TaskFailed, types.TaskCancelled:
		task.Status = status
		task.ProgressPercent = percent
		task.EndTime = &now
		if upd.Message != "" {
			task.StatusMessage = upd.Message
		}
		if upd.ResultJSON != "" {
			task.ResultPayload = upd.ResultJSON
		}
		metrics.TasksCompleted.WithLabelValues(string(status)).Inc()
	default:
		// Unknown or out-of-order status from the slave; record the
		// touch but keep the current state.
	}
	task.LastUpdateTime = &now
	done := task.Status.IsTerminal()
	ex.mu.Unlock()

	ex.reportProgress()
	return done
}

// resetForRetry returns a task to Pending and discards reports buffered for
// the failed attempt. The signaling channels are never replaced: inbound
// handlers read them without holding the execution lock.
func (ex *execution) resetForRetry(tr *taskRuntime) {
	ex.mu.Lock()
	tr.task.Status = types.TaskPending
	tr.task.StartTime = nil
	tr.task.EndTime = nil
	tr.task.ProgressPercent = 0
	ex.mu.Unlock()

	for {
		select {
		case <-tr.readyCh:
		case <-tr.updateCh:
		default:
			return
		}
	}
}

// reportProgress recomputes aggregate progress and emits it
func (ex *execution) reportProgress() {
	ex.mu.Lock()
	percent := ex.action.RecomputeProgress()
	message := summarize(ex.action)
	ex.action.StatusMessage = message
	ex.mu.Unlock()

	ex.reporter(percent, message)
	if ex.dispatcher.notifier != nil {
		ex.dispatcher.notifier.Publish(&events.Event{
			Type:           events.EventNodeActionProgress,
			MasterActionID: ex.masterActionID,
			NodeActionID:   ex.action.ID,
			Message:        message,
		})
	}
}

// summarize builds a one-line human message describing the worst current
// task state. Caller must hold the relevant lock or own the action.
func summarize(action *types.NodeAction) string {
	worst := ""
	worstRank := -1
	running := 0
	terminal := 0
	for _, t := range action.NodeTasks {
		if t.Status.IsTerminal() {
			terminal++
		} else {
			running++
		}
		if r := statusRank(t.Status); r > worstRank {
			worstRank = r
			worst = fmt.Sprintf("%s on %s", t.Status, t.NodeName)
			if t.StatusMessage != "" {
				worst += ": " + t.StatusMessage
			}
		}
	}
	return fmt.Sprintf("%d/%d tasks terminal, worst state %s", terminal, terminal+running, worst)
}

// statusRank orders task states from healthiest to worst for summaries
func statusRank(s types.TaskStatus) int {
	switch s {
	case types.TaskSucceeded:
		return 0
	case types.TaskPending, types.TaskAwaitingReadiness, types.TaskReadyToExecute,
		types.TaskDispatched, types.TaskStarting, types.TaskInProgress:
		return 1
	case types.TaskSucceededWithIssues, types.TaskRetrying:
		return 2
	case types.TaskCancelling, types.TaskCancelled:
		return 3
	case types.TaskNotReadyForTask, types.TaskReadinessCheckTimedOut:
		return 4
	case types.TaskNodeOfflineDuringTask, types.TaskTimedOut:
		return 5
	default:
		return 6
	}
}

func marshalPayload(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}
