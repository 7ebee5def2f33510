package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent metrics
	ConnectedAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitekeeper_connected_agents",
			Help: "Number of currently connected slave agents",
		},
	)

	NodesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sitekeeper_nodes_total",
			Help: "Known nodes by derived connectivity status",
		},
		[]string{"status"},
	)

	// Master action metrics
	ActiveMasterActions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitekeeper_active_master_actions",
			Help: "Master actions currently running",
		},
	)

	MasterActionsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitekeeper_master_actions_completed_total",
			Help: "Finalized master actions by overall status",
		},
		[]string{"status"},
	)

	// Task metrics
	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitekeeper_node_tasks_completed_total",
			Help: "Node tasks reaching a terminal state, by state",
		},
		[]string{"state"},
	)

	NodeActionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitekeeper_node_action_duration_seconds",
			Help:    "Wall time of node action executions",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	// Journal metrics
	JournalWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitekeeper_journal_writes_total",
			Help: "Journal artifact writes by kind",
		},
		[]string{"kind"},
	)
)

// Register registers all metrics with the default registry
func Register() {
	prometheus.MustRegister(
		ConnectedAgents,
		NodesByStatus,
		ActiveMasterActions,
		MasterActionsCompleted,
		TasksCompleted,
		NodeActionDuration,
		JournalWrites,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
