package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/pkg/dispatcher"
	"github.com/sitekeeper/sitekeeper/pkg/events"
	"github.com/sitekeeper/sitekeeper/pkg/journal"
	"github.com/sitekeeper/sitekeeper/pkg/log"
	"github.com/sitekeeper/sitekeeper/pkg/routing"
	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// Executor runs one node action to completion. Satisfied by the dispatcher.
type Executor interface {
	Execute(ctx context.Context, masterActionID string, action *types.NodeAction, reporter dispatcher.ProgressReporter) (*types.NodeActionResult, error)
	RequestCancel(nodeActionID string)
}

// NodeLister exposes the currently connected node names for target selection
type NodeLister interface {
	ConnectedNodeNames() []string
}

// Deps bundles the shared services every master action context needs
type Deps struct {
	Executor   Executor
	Journal    *journal.Journal
	Translator *routing.Translator
	Notifier   *events.Notifier
	Nodes      NodeLister
}

// NodeActionSpec describes one node action a handler wants executed
type NodeActionSpec struct {
	Name         string
	TaskType     string
	NodeNames    []string
	Payload      map[string]string
	AuditContext map[string]string
}

// MasterActionContext is the execution environment handed to an action
// handler. All mutation of the underlying master action goes through it so
// API reads can take consistent snapshots.
type MasterActionContext struct {
	ctx    context.Context
	cancel context.CancelFunc
	deps   Deps
	logger zerolog.Logger

	mu          sync.Mutex
	action      *types.MasterAction
	stageIndex  int
	totalStages int

	finalSet     bool
	finalStatus  types.MasterActionStatus
	finalMessage string
}

func newMasterActionContext(action *types.MasterAction, deps Deps) *MasterActionContext {
	ctx, cancel := context.WithCancel(context.Background())
	return &MasterActionContext{
		ctx:    ctx,
		cancel: cancel,
		deps:   deps,
		logger: log.WithAction(action.ID),
		action: action,
	}
}

// Context returns the context cancelled when the action is cancelled
func (c *MasterActionContext) Context() context.Context {
	return c.ctx
}

// ActionID returns the master action id
func (c *MasterActionContext) ActionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.action.ID
}

// Parameter returns one submission parameter
func (c *MasterActionContext) Parameter(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.action.Parameters[key]
}

// Parameters returns a copy of the submission parameters
func (c *MasterActionContext) Parameters() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.action.Parameters))
	for k, v := range c.action.Parameters {
		out[k] = v
	}
	return out
}

// ConnectedNodes returns the node names currently registered with the master
func (c *MasterActionContext) ConnectedNodes() []string {
	return c.deps.Nodes.ConnectedNodeNames()
}

// IsCancellationRequested reports whether the operator asked for cancellation
func (c *MasterActionContext) IsCancellationRequested() bool {
	return c.ctx.Err() != nil
}

// requestCancel flips the action into Cancelling and cancels the handler
// context. Idempotent.
func (c *MasterActionContext) requestCancel() {
	c.mu.Lock()
	if !c.action.OverallStatus.IsTerminal() {
		c.action.OverallStatus = types.MasterActionCancelling
	}
	c.mu.Unlock()
	c.cancel()
}

// InitializeProgress pre-announces the number of top-level stages so overall
// progress can advance as stages finish.
func (c *MasterActionContext) InitializeProgress(totalStages int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalStages = totalStages
}

// SetCompleted records a successful terminal outcome. The first terminal
// setter wins; later calls are ignored.
func (c *MasterActionContext) SetCompleted(message string) {
	c.setTerminal(types.MasterActionSucceeded, message)
}

// SetFailed records a failed terminal outcome
func (c *MasterActionContext) SetFailed(message string) {
	c.setTerminal(types.MasterActionFailed, message)
}

// SetCancelled records a cancelled terminal outcome
func (c *MasterActionContext) SetCancelled(message string) {
	c.setTerminal(types.MasterActionCancelled, message)
}

func (c *MasterActionContext) setTerminal(status types.MasterActionStatus, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finalSet {
		return
	}
	c.finalSet = true
	c.finalStatus = status
	c.finalMessage = message
}

// requestedOutcome returns the outcome set through the terminal setters
func (c *MasterActionContext) requestedOutcome() (types.MasterActionStatus, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalStatus, c.finalMessage, c.finalSet
}

// ReportProgress updates the overall progress of the action. Progress never
// moves backwards; a lower report keeps the current percentage.
func (c *MasterActionContext) ReportProgress(percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	c.mu.Lock()
	if percent > c.action.OverallProgressPercent {
		c.action.OverallProgressPercent = percent
	} else {
		percent = c.action.OverallProgressPercent
	}
	if message != "" {
		c.action.StatusMessage = message
	}
	id := c.action.ID
	c.mu.Unlock()

	c.deps.Notifier.Publish(&events.Event{
		Type:           events.EventMasterActionProgress,
		MasterActionID: id,
		Message:        message,
		Metadata:       map[string]string{"percent": fmt.Sprintf("%d", percent)},
	})
}

// reportStageProgress folds one stage's aggregate node-action progress into
// the overall percentage: finished stages count as full shares, the running
// stage contributes its fraction of one share. When InitializeProgress was
// never called, the stages started so far stand in for the total.
func (c *MasterActionContext) reportStageProgress(stagePercent int, message string) {
	c.mu.Lock()
	done := c.stageIndex - 1
	total := c.totalStages
	c.mu.Unlock()

	if done < 0 {
		return
	}
	if total < done+1 {
		total = done + 1
	}
	c.ReportProgress((done*100+stagePercent)/total, message)
}

// SetFinalResult records the handler's final result payload
func (c *MasterActionContext) SetFinalResult(payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.action.FinalResultPayload = payload
}

// LogInfo records an informational master-side log line
func (c *MasterActionContext) LogInfo(format string, args ...any) {
	c.appendLog("info", fmt.Sprintf(format, args...))
}

// LogWarning records a warning master-side log line
func (c *MasterActionContext) LogWarning(format string, args ...any) {
	c.appendLog("warn", fmt.Sprintf(format, args...))
}

// LogError records an error master-side log line
func (c *MasterActionContext) LogError(format string, args ...any) {
	c.appendLog("error", fmt.Sprintf(format, args...))
}

// appendLog fans a master-side line out to the live ring, the journal file of
// the current stage, and the process log.
func (c *MasterActionContext) appendLog(level, message string) {
	rec := types.LogRecord{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    journal.MasterLogSource,
		Message:   message,
	}

	c.mu.Lock()
	id := c.action.ID
	stageIdx := c.stageIndex - 1
	if c.action.RecentLogs != nil {
		c.action.RecentLogs.Append(rec)
	}
	c.mu.Unlock()

	if stageIdx >= 0 {
		if err := c.deps.Journal.AppendStageLog(id, stageIdx, journal.MasterLogSource, rec); err != nil {
			c.logger.Warn().Err(err).Msg("failed to journal master log line")
		}
	}

	switch level {
	case "error":
		c.logger.Error().Msg(message)
	case "warn":
		c.logger.Warn().Msg(message)
	default:
		c.logger.Info().Msg(message)
	}
}

// RunStage executes one named stage. The stage record and its journal
// artifacts are finalized even when fn returns an error or panics.
func (c *MasterActionContext) RunStage(name string, fn func(*StageContext) error) error {
	if c.IsCancellationRequested() {
		return ErrCancelled
	}

	c.mu.Lock()
	idx := c.stageIndex
	c.stageIndex++
	c.action.CurrentStageName = name
	c.action.CurrentStageIndex = idx
	c.action.CurrentStageNodeActions = nil
	id := c.action.ID
	c.mu.Unlock()

	if err := c.deps.Journal.RecordStageStarted(id, idx, name); err != nil {
		return fmt.Errorf("failed to open stage %q: %w", name, err)
	}

	c.deps.Notifier.Publish(&events.Event{
		Type:           events.EventStageStarted,
		MasterActionID: id,
		Message:        name,
	})
	c.logger.Info().Int("stage_index", idx).Str("stage_name", name).Msg("stage started")

	sc := &StageContext{
		mac:       c,
		name:      name,
		index:     idx,
		startTime: time.Now().UTC(),
	}

	var stageErr error
	defer func() {
		c.finalizeStage(sc, stageErr, recover())
	}()
	stageErr = fn(sc)
	return stageErr
}

// finalizeStage writes the stage result and history record exactly once,
// rethrowing any handler panic afterwards.
func (c *MasterActionContext) finalizeStage(sc *StageContext, stageErr error, panicked any) {
	if panicked != nil && stageErr == nil {
		stageErr = fmt.Errorf("stage panicked: %v", panicked)
	}

	end := time.Now().UTC()
	sc.mu.Lock()
	finalActions := make([]*types.NodeAction, len(sc.nodeActions))
	copy(finalActions, sc.nodeActions)
	custom := sc.customResult
	sc.mu.Unlock()

	record := &types.StageRecord{
		StageIndex:       sc.index,
		StageName:        sc.name,
		StartTime:        sc.startTime,
		EndTime:          &end,
		IsSuccess:        stageErr == nil,
		FinalNodeActions: finalActions,
		CustomResult:     custom,
	}

	c.mu.Lock()
	c.action.ExecutionHistory = append(c.action.ExecutionHistory, record)
	id := c.action.ID
	c.mu.Unlock()

	result := &journal.StageResult{NodeActionResults: finalActions, CustomResult: custom}
	if err := c.deps.Journal.RecordStageCompleted(id, sc.index, sc.name, result); err != nil {
		c.logger.Error().Err(err).Str("stage_name", sc.name).Msg("failed to journal stage result")
	}

	c.deps.Notifier.Publish(&events.Event{
		Type:           events.EventStageCompleted,
		MasterActionID: id,
		Message:        sc.name,
		Metadata:       map[string]string{"success": fmt.Sprintf("%t", stageErr == nil)},
	})
	c.logger.Info().Str("stage_name", sc.name).Bool("success", stageErr == nil).Msg("stage completed")

	c.mu.Lock()
	total := c.totalStages
	c.mu.Unlock()
	done := sc.index + 1
	if total < done {
		total = done
	}
	if stageErr == nil {
		c.ReportProgress(done*100/total, "")
	}

	if panicked != nil {
		panic(panicked)
	}
}

// Snapshot returns a copy of the master action safe for concurrent readers.
// Slices are copied; the records and node actions they point at are treated
// as immutable once published.
func (c *MasterActionContext) Snapshot() *types.MasterAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := *c.action
	cp.ExecutionHistory = make([]*types.StageRecord, len(c.action.ExecutionHistory))
	copy(cp.ExecutionHistory, c.action.ExecutionHistory)
	cp.CurrentStageNodeActions = make([]*types.NodeAction, len(c.action.CurrentStageNodeActions))
	copy(cp.CurrentStageNodeActions, c.action.CurrentStageNodeActions)
	return &cp
}

// RecentLogs returns the buffered master-side log lines for live UI reads
func (c *MasterActionContext) RecentLogs() []types.LogRecord {
	c.mu.Lock()
	ring := c.action.RecentLogs
	c.mu.Unlock()

	if ring == nil {
		return nil
	}
	return ring.Snapshot()
}

// StageContext scopes node action execution and result collection to one
// stage. It is only valid inside the RunStage callback that produced it.
type StageContext struct {
	mac       *MasterActionContext
	name      string
	index     int
	startTime time.Time

	mu           sync.Mutex
	nodeActions  []*types.NodeAction
	progress     map[string]int // nodeActionId -> last reported percent
	customResult any
}

// Name returns the stage name
func (s *StageContext) Name() string { return s.name }

// Index returns the zero-based stage index
func (s *StageContext) Index() int { return s.index }

// SetCustomResult attaches a handler-defined result to the stage record
func (s *StageContext) SetCustomResult(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customResult = v
}

// LogInfo records an informational line in this stage's master log
func (s *StageContext) LogInfo(format string, args ...any) {
	s.mac.LogInfo(format, args...)
}

// LogWarning records a warning line in this stage's master log
func (s *StageContext) LogWarning(format string, args ...any) {
	s.mac.LogWarning(format, args...)
}

// LogError records an error line in this stage's master log
func (s *StageContext) LogError(format string, args ...any) {
	s.mac.LogError(format, args...)
}

// ExecuteNodeAction builds and runs one node action, blocking until it
// reaches a terminal outcome. An empty NodeNames targets every currently
// connected node. Targets that are not connected are logged as warnings and
// still dispatched, ending as DispatchFailed_Prepare. The final state is
// always collected into the stage record, success or not.
func (s *StageContext) ExecuteNodeAction(spec NodeActionSpec) (*types.NodeActionResult, error) {
	mac := s.mac

	if len(spec.NodeNames) == 0 {
		spec.NodeNames = mac.ConnectedNodes()
		if len(spec.NodeNames) == 0 {
			return nil, fmt.Errorf("node action %q has no target nodes: no slaves connected", spec.Name)
		}
	} else {
		connected := make(map[string]bool)
		for _, n := range mac.ConnectedNodes() {
			connected[n] = true
		}
		for _, n := range spec.NodeNames {
			if !connected[n] {
				mac.LogWarning("target node %s is not connected", n)
			}
		}
	}
	actionID := mac.ActionID()
	na := s.buildNodeAction(spec, actionID)

	mac.deps.Translator.Register(na.ID, actionID)
	mac.deps.Journal.MapNodeActionToStage(actionID, s.index, s.name, na.ID)
	defer mac.deps.Translator.Unregister(na.ID)

	mac.mu.Lock()
	mac.action.CurrentStageNodeActions = append(mac.action.CurrentStageNodeActions, na)
	mac.mu.Unlock()

	s.mu.Lock()
	s.nodeActions = append(s.nodeActions, na)
	if s.progress == nil {
		s.progress = make(map[string]int)
	}
	s.progress[na.ID] = 0
	s.mu.Unlock()

	res, err := mac.deps.Executor.Execute(mac.ctx, actionID, na, s.reporterFor(na.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to execute node action %q: %w", spec.Name, err)
	}
	return res, nil
}

// reporterFor builds the progress reporter the executor invokes for one node
// action. Stage progress is the mean over every node action the stage has
// started so far.
func (s *StageContext) reporterFor(nodeActionID string) dispatcher.ProgressReporter {
	return func(percent int, message string) {
		s.mu.Lock()
		s.progress[nodeActionID] = percent
		sum := 0
		for _, p := range s.progress {
			sum += p
		}
		mean := sum / len(s.progress)
		s.mu.Unlock()

		s.mac.reportStageProgress(mean, message)
	}
}

// ExecuteNodeActionsInParallel runs several node actions concurrently and
// waits for all of them. Results are returned in spec order; the first error
// encountered is returned after every execution has finished.
func (s *StageContext) ExecuteNodeActionsInParallel(specs []NodeActionSpec) ([]*types.NodeActionResult, error) {
	results := make([]*types.NodeActionResult, len(specs))
	errs := make([]error, len(specs))

	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec NodeActionSpec) {
			defer wg.Done()
			results[i], errs[i] = s.ExecuteNodeAction(spec)
		}(i, spec)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (s *StageContext) buildNodeAction(spec NodeActionSpec, masterActionID string) *types.NodeAction {
	now := time.Now().UTC()

	audit := map[string]string{
		"masterActionId": masterActionID,
		"stageName":      s.name,
	}
	for k, v := range spec.AuditContext {
		audit[k] = v
	}

	na := &types.NodeAction{
		ID:            uuid.New().String(),
		Name:          spec.Name,
		TaskType:      spec.TaskType,
		OverallStatus: types.NodeActionPendingInitiation,
		CreationTime:  now,
		AuditContext:  audit,
		InitiatedBy:   s.mac.action.InitiatedBy,
	}
	for _, node := range spec.NodeNames {
		payload := make(map[string]string, len(spec.Payload))
		for k, v := range spec.Payload {
			payload[k] = v
		}
		na.NodeTasks = append(na.NodeTasks, &types.NodeTask{
			TaskID:       uuid.New().String(),
			ActionID:     na.ID,
			NodeName:     node,
			TaskType:     spec.TaskType,
			Status:       types.TaskPending,
			Payload:      payload,
			CreationTime: now,
		})
	}
	return na
}
