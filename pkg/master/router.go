package master

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/pkg/agents"
	"github.com/sitekeeper/sitekeeper/pkg/dispatcher"
	"github.com/sitekeeper/sitekeeper/pkg/events"
	"github.com/sitekeeper/sitekeeper/pkg/journal"
	"github.com/sitekeeper/sitekeeper/pkg/log"
	"github.com/sitekeeper/sitekeeper/pkg/metrics"
	"github.com/sitekeeper/sitekeeper/pkg/protocol"
	"github.com/sitekeeper/sitekeeper/pkg/routing"
	"github.com/sitekeeper/sitekeeper/pkg/transport"
)

// Router implements the transport message handler: every slave-originated
// message is resolved through the id translator and forwarded to the live
// dispatcher entry, journaled when inside the grace window, or dropped with
// a warning.
type Router struct {
	agents     *agents.Manager
	dispatcher *dispatcher.Dispatcher
	translator *routing.Translator
	journal    *journal.Journal
	notifier   *events.Notifier
	logger     zerolog.Logger
}

// NewRouter creates the master-side message router
func NewRouter(agentMgr *agents.Manager, disp *dispatcher.Dispatcher, translator *routing.Translator, jnl *journal.Journal, notifier *events.Notifier) *Router {
	return &Router{
		agents:     agentMgr,
		dispatcher: disp,
		translator: translator,
		journal:    jnl,
		notifier:   notifier,
		logger:     log.WithComponent("router"),
	}
}

// HandleRegister records the new agent connection
func (r *Router) HandleRegister(ch transport.Channel, reg protocol.SlaveRegistration, remoteAddr string) {
	r.agents.OnAgentConnected(ch, reg, remoteAddr)
	metrics.ConnectedAgents.Set(float64(len(r.agents.ConnectedNodeNames())))
}

// HandleDisconnect removes the agent connection
func (r *Router) HandleDisconnect(ch transport.Channel, nodeName string) {
	r.agents.OnAgentDisconnected(ch, nodeName)
	metrics.ConnectedAgents.Set(float64(len(r.agents.ConnectedNodeNames())))
}

// HandleHeartbeat forwards liveness data to the connection manager
func (r *Router) HandleHeartbeat(hb protocol.Heartbeat) {
	r.agents.ProcessHeartbeat(hb)
}

// HandleReadiness routes a readiness report to its live node action
func (r *Router) HandleReadiness(rep protocol.TaskReadinessReport) {
	if _, ok := r.translator.ResolveLive(rep.NodeActionID); !ok {
		r.logger.Warn().
			Str("node_action_id", rep.NodeActionID).
			Str("node_name", rep.NodeName).
			Msg("dropping readiness report for inactive node action")
		return
	}
	r.dispatcher.HandleReadiness(rep)
}

// HandleProgress routes a progress update to its live node action. Updates
// inside the grace window are preserved in the journal as late log lines.
func (r *Router) HandleProgress(upd protocol.TaskProgressUpdate) {
	if _, ok := r.translator.ResolveLive(upd.NodeActionID); ok {
		r.dispatcher.HandleProgress(upd)
		return
	}

	if _, ok := r.translator.ResolveAny(upd.NodeActionID); ok {
		entry := protocol.TaskLogEntry{
			NodeActionID: upd.NodeActionID,
			TaskID:       upd.TaskID,
			NodeName:     upd.NodeName,
			Level:        "info",
			Message: fmt.Sprintf("late progress update: status=%s percent=%d message=%q",
				upd.Status, upd.ProgressPercent, upd.Message),
			TimestampUTC: upd.TimestampUTC,
		}
		if err := r.journal.RouteSlaveLog(upd.NodeActionID, entry); err != nil {
			r.logger.Warn().Err(err).Str("node_action_id", upd.NodeActionID).
				Msg("failed to journal late progress update")
		}
		return
	}

	r.logger.Warn().
		Str("node_action_id", upd.NodeActionID).
		Str("task_id", upd.TaskID).
		Msg("dropping progress update for unknown node action")
}

// HandleTaskLog archives a slave log line and fans it out to UI subscribers
func (r *Router) HandleTaskLog(entry protocol.TaskLogEntry) {
	masterActionID, ok := r.translator.ResolveAny(entry.NodeActionID)
	if !ok {
		r.logger.Warn().
			Str("node_action_id", entry.NodeActionID).
			Str("node_name", entry.NodeName).
			Msg("dropping task log for unknown node action")
		return
	}

	if err := r.journal.RouteSlaveLog(entry.NodeActionID, entry); err != nil {
		r.logger.Warn().Err(err).Str("node_action_id", entry.NodeActionID).
			Msg("failed to journal task log")
	}

	r.notifier.Publish(&events.Event{
		Type:           events.EventSlaveTaskLog,
		MasterActionID: masterActionID,
		NodeActionID:   entry.NodeActionID,
		NodeName:       entry.NodeName,
		Message:        entry.Message,
		Metadata:       map[string]string{"level": entry.Level},
	})
}

// HandleLogFlushConfirm completes the flush handshake for a live node action
func (r *Router) HandleLogFlushConfirm(c protocol.LogFlushConfirmation) {
	if _, ok := r.translator.ResolveLive(c.NodeActionID); !ok {
		return
	}
	r.dispatcher.HandleLogFlushConfirm(c)
}
