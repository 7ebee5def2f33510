package agents

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/pkg/events"
	"github.com/sitekeeper/sitekeeper/pkg/log"
	"github.com/sitekeeper/sitekeeper/pkg/protocol"
	"github.com/sitekeeper/sitekeeper/pkg/transport"
	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// ErrNotConnected is returned when sending to a node without a live channel
var ErrNotConnected = errors.New("node not connected")

// HeartbeatSink consumes heartbeats and disconnect notices. Implemented by
// the node health monitor.
type HeartbeatSink interface {
	RecordHeartbeat(hb protocol.Heartbeat)
	MarkDisconnected(nodeName string)
}

type entry struct {
	info *types.ConnectedAgentInfo
	ch   transport.Channel
}

// Manager tracks registered slaves, their channel handle, version, and
// liveness. At most one entry exists per node name; a re-registration
// supersedes the previous entry and closes its channel.
type Manager struct {
	mu     sync.Mutex
	agents map[string]*entry

	heartbeats HeartbeatSink
	notifier   *events.Notifier
	logger     zerolog.Logger
}

// NewManager creates an agent connection manager
func NewManager(heartbeats HeartbeatSink, notifier *events.Notifier) *Manager {
	return &Manager{
		agents:     make(map[string]*entry),
		heartbeats: heartbeats,
		notifier:   notifier,
		logger:     log.WithComponent("agents"),
	}
}

// OnAgentConnected registers a slave. A prior entry with a different channel
// is replaced and its channel closed.
func (m *Manager) OnAgentConnected(ch transport.Channel, reg protocol.SlaveRegistration, remoteAddr string) *types.ConnectedAgentInfo {
	m.mu.Lock()
	old, exists := m.agents[reg.AgentName]

	info := &types.ConnectedAgentInfo{
		NodeName:             reg.AgentName,
		AgentVersion:         reg.AgentVersion,
		OSDescription:        reg.OSDescription,
		FrameworkDescription: reg.FrameworkDescription,
		Hostname:             reg.Hostname,
		MaxConcurrentTasks:   reg.MaxConcurrentTasks,
		LastKnownStatus:      types.AgentOnline,
		ConnectedSince:       time.Now().UTC(),
		LastHeartbeatTime:    time.Now().UTC(),
		RemoteAddress:        remoteAddr,
	}
	m.agents[reg.AgentName] = &entry{info: info, ch: ch}
	m.mu.Unlock()

	if exists && old.ch.ID() != ch.ID() {
		m.logger.Info().Str("node_name", reg.AgentName).Msg("superseding prior agent registration")
		old.ch.Close()
	}

	m.logger.Info().
		Str("node_name", reg.AgentName).
		Str("agent_version", reg.AgentVersion).
		Str("remote_addr", remoteAddr).
		Msg("agent connected")

	return info
}

// OnAgentDisconnected removes the entry, but only if the channel handle still
// matches; a stale disconnect from a superseded channel is ignored.
func (m *Manager) OnAgentDisconnected(ch transport.Channel, nodeName string) {
	if nodeName == "" {
		return
	}

	m.mu.Lock()
	cur, exists := m.agents[nodeName]
	if !exists || cur.ch.ID() != ch.ID() {
		m.mu.Unlock()
		return
	}
	delete(m.agents, nodeName)
	m.mu.Unlock()

	m.logger.Info().Str("node_name", nodeName).Msg("agent disconnected")
	if m.heartbeats != nil {
		m.heartbeats.MarkDisconnected(nodeName)
	}
	if m.notifier != nil {
		m.notifier.Publish(&events.Event{
			Type:     events.EventNodeStatusChanged,
			NodeName: nodeName,
			Message:  "agent disconnected",
		})
	}
}

// ProcessHeartbeat updates liveness bookkeeping and forwards to the sink
func (m *Manager) ProcessHeartbeat(hb protocol.Heartbeat) {
	m.mu.Lock()
	if e, ok := m.agents[hb.NodeName]; ok {
		e.info.LastHeartbeatTime = time.Now().UTC()
		e.info.LastKnownStatus = types.AgentOnline
		e.info.LastKnownHealth = &types.NodeHealthSummary{
			CPUUsagePercent:    hb.CPUUsagePercent,
			RAMUsagePercent:    hb.RAMUsagePercent,
			ActiveTasks:        hb.ActiveTasks,
			AvailableTaskSlots: hb.AvailableTaskSlots,
		}
	}
	m.mu.Unlock()

	if m.heartbeats != nil {
		m.heartbeats.RecordHeartbeat(hb)
	}
}

// GetAgent returns a copy of the agent entry for a node
func (m *Manager) GetAgent(nodeName string) (*types.ConnectedAgentInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.agents[nodeName]
	if !ok {
		return nil, false
	}
	cp := *e.info
	return &cp, true
}

// GetAllConnectedAgents returns a consistent snapshot of all entries
func (m *Manager) GetAllConnectedAgents() []*types.ConnectedAgentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.ConnectedAgentInfo, 0, len(m.agents))
	for _, e := range m.agents {
		cp := *e.info
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeName < out[j].NodeName })
	return out
}

// ConnectedNodeNames returns the sorted names of all connected nodes
func (m *Manager) ConnectedNodeNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send delivers a message to a node's current channel
func (m *Manager) Send(nodeName, method string, payload any) error {
	m.mu.Lock()
	e, ok := m.agents[nodeName]
	m.mu.Unlock()

	if !ok {
		return ErrNotConnected
	}
	return e.ch.Send(method, payload)
}

// IsConnected reports whether the node currently has a live channel
func (m *Manager) IsConnected(nodeName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.agents[nodeName]
	return ok
}
