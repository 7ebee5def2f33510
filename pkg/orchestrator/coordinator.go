package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/pkg/events"
	"github.com/sitekeeper/sitekeeper/pkg/log"
	"github.com/sitekeeper/sitekeeper/pkg/metrics"
	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// Handler implements one operation type end to end. Handlers run on a
// coordinator goroutine and drive their stages through the provided context.
type Handler interface {
	Type() types.OperationType
	SupportsCancellation() bool
	Execute(ctx *MasterActionContext) error
}

// CancellationOutcome describes what a cancellation request achieved
type CancellationOutcome string

const (
	CancellationPending       CancellationOutcome = "CancellationPending"
	CancellationNotSupported  CancellationOutcome = "CancellationNotSupported"
	CancellationAlreadyDone   CancellationOutcome = "AlreadyCompleted"
	CancellationTargetMissing CancellationOutcome = "NotFound"
)

// Config holds coordinator tuning
type Config struct {
	// MaxConcurrentActions caps simultaneously running master actions.
	// Submissions beyond the cap are rejected with ErrConflict.
	MaxConcurrentActions int
}

// SubmitRequest describes one operation submission
type SubmitRequest struct {
	Type        types.OperationType
	Name        string
	InitiatedBy string
	Parameters  map[string]string
}

type liveAction struct {
	mac     *MasterActionContext
	handler Handler
	done    chan struct{}
}

// Coordinator owns the lifecycle of master actions: submission, handler
// execution, cancellation, finalization, and lookup of live and archived
// actions.
type Coordinator struct {
	cfg      Config
	deps     Deps
	handlers map[types.OperationType]Handler
	logger   zerolog.Logger

	mu      sync.Mutex
	actions map[string]*liveAction
}

// NewCoordinator creates a coordinator with the given handler set
func NewCoordinator(cfg Config, deps Deps, handlers []Handler) *Coordinator {
	if cfg.MaxConcurrentActions <= 0 {
		cfg.MaxConcurrentActions = 1
	}

	byType := make(map[types.OperationType]Handler, len(handlers))
	for _, h := range handlers {
		byType[h.Type()] = h
	}

	return &Coordinator{
		cfg:      cfg,
		deps:     deps,
		handlers: byType,
		logger:   log.WithComponent("coordinator"),
		actions:  make(map[string]*liveAction),
	}
}

// Submit starts a new master action. It returns ErrUnknownOperation for
// unregistered types and ErrConflict when the concurrency cap is reached.
func (c *Coordinator) Submit(req SubmitRequest) (*types.MasterAction, error) {
	handler, ok := c.handlers[req.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, req.Type)
	}

	params := make(map[string]string, len(req.Parameters))
	for k, v := range req.Parameters {
		params[k] = v
	}

	action := &types.MasterAction{
		ID:            uuid.New().String(),
		Type:          req.Type,
		Name:          req.Name,
		InitiatedBy:   req.InitiatedBy,
		Parameters:    params,
		StartTime:     time.Now().UTC(),
		OverallStatus: types.MasterActionInitiated,
		RecentLogs:    types.NewLogRing(types.DefaultLogRingCapacity),
	}
	if action.Name == "" {
		action.Name = string(req.Type)
	}

	c.mu.Lock()
	running := 0
	for _, la := range c.actions {
		select {
		case <-la.done:
		default:
			running++
		}
	}
	if running >= c.cfg.MaxConcurrentActions {
		c.mu.Unlock()
		return nil, ErrConflict
	}

	la := &liveAction{
		mac:     newMasterActionContext(action, c.deps),
		handler: handler,
		done:    make(chan struct{}),
	}
	c.actions[action.ID] = la
	c.mu.Unlock()

	if err := c.deps.Journal.OpenMasterAction(action); err != nil {
		c.mu.Lock()
		delete(c.actions, action.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to open journal for action: %w", err)
	}

	metrics.ActiveMasterActions.Inc()
	c.deps.Notifier.Publish(&events.Event{
		Type:           events.EventMasterActionStarted,
		MasterActionID: action.ID,
		Message:        string(req.Type),
	})
	c.logger.Info().
		Str("master_action_id", action.ID).
		Str("type", string(req.Type)).
		Str("initiated_by", req.InitiatedBy).
		Msg("master action submitted")

	go c.run(la)
	return la.mac.Snapshot(), nil
}

// run drives one handler to completion and finalizes the action
func (c *Coordinator) run(la *liveAction) {
	mac := la.mac

	mac.mu.Lock()
	mac.action.OverallStatus = types.MasterActionInProgress
	mac.mu.Unlock()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
				c.logger.Error().
					Str("master_action_id", mac.ActionID()).
					Interface("panic", r).
					Msg("action handler panicked")
			}
		}()
		err = la.handler.Execute(mac)
	}()

	c.finalize(la, err)

	// The archive is now the source of truth; drop the live entry so a
	// long-lived master does not accumulate finished actions.
	c.mu.Lock()
	delete(c.actions, mac.ActionID())
	c.mu.Unlock()
	close(la.done)
}

func (c *Coordinator) finalize(la *liveAction, err error) {
	mac := la.mac
	now := time.Now().UTC()

	cancelled := mac.IsCancellationRequested() &&
		(err == nil || errors.Is(err, ErrCancelled) || errors.Is(err, mac.ctx.Err()))
	requested, requestedMsg, explicit := mac.requestedOutcome()

	mac.mu.Lock()
	action := mac.action
	switch {
	case explicit && err == nil:
		action.OverallStatus = requested
		action.StatusMessage = requestedMsg
		if requested == types.MasterActionSucceeded {
			action.OverallProgressPercent = 100
		}
	case cancelled:
		action.OverallStatus = types.MasterActionCancelled
		if action.StatusMessage == "" {
			action.StatusMessage = "cancelled by operator request"
		}
	case err != nil:
		action.OverallStatus = types.MasterActionFailed
		action.StatusMessage = err.Error()
	default:
		action.OverallStatus = types.MasterActionSucceeded
		action.OverallProgressPercent = 100
		if action.StatusMessage == "" {
			action.StatusMessage = "completed successfully"
		}
	}
	action.EndTime = &now
	action.CurrentStageName = ""
	action.CurrentStageNodeActions = nil
	status := action.OverallStatus
	message := action.StatusMessage
	id := action.ID
	mac.mu.Unlock()

	if jerr := c.deps.Journal.FinalizeMasterAction(mac.Snapshot()); jerr != nil {
		c.logger.Error().Err(jerr).Str("master_action_id", id).Msg("failed to archive master action")
	}

	metrics.ActiveMasterActions.Dec()
	metrics.MasterActionsCompleted.WithLabelValues(string(status)).Inc()
	c.deps.Notifier.Publish(&events.Event{
		Type:           events.EventMasterActionCompleted,
		MasterActionID: id,
		Message:        message,
		Metadata:       map[string]string{"status": string(status)},
	})
	c.logger.Info().
		Str("master_action_id", id).
		Str("status", string(status)).
		Msg("master action finished")
}

// RequestCancellation asks a running action to stop. The returned outcome
// distinguishes pending cancellation from the cases where nothing can be
// cancelled anymore; the error carries the matching sentinel for callers
// that branch.
func (c *Coordinator) RequestCancellation(id string) (CancellationOutcome, error) {
	c.mu.Lock()
	la, ok := c.actions[id]
	c.mu.Unlock()

	if !ok {
		if _, err := c.deps.Journal.GetArchivedMasterAction(id); err == nil {
			return CancellationAlreadyDone, ErrAlreadyCompleted
		}
		return CancellationTargetMissing, ErrNotFound
	}

	la.mac.mu.Lock()
	terminal := la.mac.action.OverallStatus.IsTerminal()
	la.mac.mu.Unlock()
	if terminal {
		return CancellationAlreadyDone, ErrAlreadyCompleted
	}

	if !la.handler.SupportsCancellation() {
		return CancellationNotSupported, ErrCancelNotSupported
	}

	la.mac.requestCancel()
	c.deps.Notifier.Publish(&events.Event{
		Type:           events.EventMasterActionProgress,
		MasterActionID: id,
		Message:        "cancellation requested",
		Metadata:       map[string]string{"status": string(types.MasterActionCancelling)},
	})
	c.logger.Info().Str("master_action_id", id).Msg("cancellation requested")
	return CancellationPending, nil
}

// GetAction returns a snapshot of a live or archived master action
func (c *Coordinator) GetAction(id string) (*types.MasterAction, error) {
	c.mu.Lock()
	la, ok := c.actions[id]
	c.mu.Unlock()

	if ok {
		return la.mac.Snapshot(), nil
	}

	archived, err := c.deps.Journal.GetArchivedMasterAction(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return archived, nil
}

// RecentLogs returns the buffered master log lines of a live action
func (c *Coordinator) RecentLogs(id string) ([]types.LogRecord, error) {
	c.mu.Lock()
	la, ok := c.actions[id]
	c.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	return la.mac.RecentLogs(), nil
}

// ListActions returns the running actions merged with the archived history,
// newest first.
func (c *Coordinator) ListActions() []*types.MasterAction {
	c.mu.Lock()
	live := make([]*liveAction, 0, len(c.actions))
	for _, la := range c.actions {
		live = append(live, la)
	}
	c.mu.Unlock()

	seen := make(map[string]bool, len(live))
	out := make([]*types.MasterAction, 0, len(live))
	for _, la := range live {
		snap := la.mac.Snapshot()
		seen[snap.ID] = true
		out = append(out, snap)
	}

	archived, err := c.deps.Journal.ListArchivedActions()
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to list archived actions")
	}
	for _, a := range archived {
		if !seen[a.ID] {
			out = append(out, a)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Wait blocks until the given action finishes. Used by tests and shutdown.
func (c *Coordinator) Wait(id string) error {
	c.mu.Lock()
	la, ok := c.actions[id]
	c.mu.Unlock()

	if !ok {
		// Already finalized and evicted; the archive is the evidence.
		if _, err := c.deps.Journal.GetArchivedMasterAction(id); err == nil {
			return nil
		}
		return ErrNotFound
	}
	<-la.done
	return nil
}

// ActiveCount returns the number of non-terminal actions
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, la := range c.actions {
		select {
		case <-la.done:
		default:
			n++
		}
	}
	return n
}
