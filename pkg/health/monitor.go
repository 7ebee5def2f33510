package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/pkg/events"
	"github.com/sitekeeper/sitekeeper/pkg/log"
	"github.com/sitekeeper/sitekeeper/pkg/protocol"
	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// StatusListener is invoked whenever a node's derived connectivity changes
type StatusListener func(nodeName string, status types.ConnectivityStatus)

// Config holds monitor tuning
type Config struct {
	HeartbeatInterval           time.Duration
	OfflineAfterMissedIntervals int
}

// Monitor consumes heartbeats and derives a connectivity status for every
// known node on a periodic sweep. Disconnects force Offline immediately.
type Monitor struct {
	cfg      Config
	store    *StateStore
	notifier *events.Notifier
	logger   zerolog.Logger

	mu        sync.Mutex
	states    map[string]*types.CachedNodeState
	listeners []StatusListener

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewMonitor creates a health monitor. Persisted node states are loaded so
// the master keeps its last-known picture across restarts; their status
// starts as Unknown until fresh evidence arrives.
func NewMonitor(cfg Config, store *StateStore, notifier *events.Notifier) (*Monitor, error) {
	m := &Monitor{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		logger:   log.WithComponent("health"),
		states:   make(map[string]*types.CachedNodeState),
		stopCh:   make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}

	if store != nil {
		persisted, err := store.LoadAll()
		if err != nil {
			return nil, err
		}
		for _, st := range persisted {
			st.ConnectivityStatus = types.NodeUnknown
			m.states[st.NodeName] = st
		}
	}

	return m, nil
}

// Start begins the periodic sweep
func (m *Monitor) Start() {
	go m.sweepLoop()
}

// Stop stops the monitor
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// OnStatusChange registers a listener for connectivity transitions
func (m *Monitor) OnStatusChange(l StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RecordHeartbeat folds a heartbeat into the cached node state
func (m *Monitor) RecordHeartbeat(hb protocol.Heartbeat) {
	now := m.now()

	m.mu.Lock()
	st, ok := m.states[hb.NodeName]
	if !ok {
		st = &types.CachedNodeState{NodeName: hb.NodeName}
		m.states[hb.NodeName] = st
	}
	prev := st.ConnectivityStatus
	st.ConnectivityStatus = types.NodeOnline
	st.LastHeartbeatTime = &now
	st.Health = &types.NodeHealthSummary{
		CPUUsagePercent:    hb.CPUUsagePercent,
		RAMUsagePercent:    hb.RAMUsagePercent,
		ActiveTasks:        hb.ActiveTasks,
		AvailableTaskSlots: hb.AvailableTaskSlots,
	}
	st.LastStateUpdateTime = now
	snapshot := *st
	m.mu.Unlock()

	m.persist(&snapshot)
	if prev != types.NodeOnline {
		m.emitChange(hb.NodeName, types.NodeOnline)
	}
}

// MarkDisconnected marks a node Offline after an explicit disconnect
func (m *Monitor) MarkDisconnected(nodeName string) {
	now := m.now()

	m.mu.Lock()
	st, ok := m.states[nodeName]
	if !ok {
		st = &types.CachedNodeState{NodeName: nodeName}
		m.states[nodeName] = st
	}
	prev := st.ConnectivityStatus
	st.ConnectivityStatus = types.NodeOffline
	st.LastStateUpdateTime = now
	snapshot := *st
	m.mu.Unlock()

	m.persist(&snapshot)
	if prev != types.NodeOffline {
		m.emitChange(nodeName, types.NodeOffline)
	}
}

// GetState returns a copy of one node's cached state
func (m *Monitor) GetState(nodeName string) (*types.CachedNodeState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[nodeName]
	if !ok {
		return nil, false
	}
	cp := *st
	return &cp, true
}

// GetAllStates returns copies of every known node state
func (m *Monitor) GetAllStates() []*types.CachedNodeState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.CachedNodeState, 0, len(m.states))
	for _, st := range m.states {
		cp := *st
		out = append(out, &cp)
	}
	return out
}

func (m *Monitor) sweepLoop() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Sweep re-derives connectivity for every known node from heartbeat age:
// Online within 1.5 intervals, Unreachable within 3, Offline beyond that.
func (m *Monitor) Sweep() {
	now := m.now()
	onlineCutoff := time.Duration(float64(m.cfg.HeartbeatInterval) * 1.5)
	unreachableCutoff := m.cfg.HeartbeatInterval * 3

	type change struct {
		node   string
		status types.ConnectivityStatus
		state  types.CachedNodeState
	}
	var changes []change

	m.mu.Lock()
	for name, st := range m.states {
		// Explicit disconnects stay Offline until a heartbeat revives them.
		if st.ConnectivityStatus == types.NodeOffline {
			continue
		}

		var derived types.ConnectivityStatus
		switch {
		case st.LastHeartbeatTime == nil:
			derived = types.NodeNeverConnected
		case now.Sub(*st.LastHeartbeatTime) <= onlineCutoff:
			derived = types.NodeOnline
		case now.Sub(*st.LastHeartbeatTime) <= unreachableCutoff:
			derived = types.NodeUnreachable
		default:
			derived = types.NodeOffline
		}

		if derived != st.ConnectivityStatus {
			st.ConnectivityStatus = derived
			st.LastStateUpdateTime = now
			changes = append(changes, change{node: name, status: derived, state: *st})
		}
	}
	m.mu.Unlock()

	for _, c := range changes {
		m.persist(&c.state)
		m.emitChange(c.node, c.status)
	}
}

func (m *Monitor) persist(st *types.CachedNodeState) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(st); err != nil {
		m.logger.Error().Err(err).Str("node_name", st.NodeName).Msg("failed to persist node state")
	}
}

func (m *Monitor) emitChange(nodeName string, status types.ConnectivityStatus) {
	m.logger.Info().Str("node_name", nodeName).Str("status", string(status)).Msg("node connectivity changed")

	m.mu.Lock()
	listeners := make([]StatusListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(nodeName, status)
	}

	if m.notifier != nil {
		m.notifier.Publish(&events.Event{
			Type:     events.EventNodeStatusChanged,
			NodeName: nodeName,
			Message:  string(status),
		})
	}
}
