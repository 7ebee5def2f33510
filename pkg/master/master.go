package master

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/pkg/agents"
	"github.com/sitekeeper/sitekeeper/pkg/api"
	"github.com/sitekeeper/sitekeeper/pkg/config"
	"github.com/sitekeeper/sitekeeper/pkg/dispatcher"
	"github.com/sitekeeper/sitekeeper/pkg/events"
	"github.com/sitekeeper/sitekeeper/pkg/handlers"
	"github.com/sitekeeper/sitekeeper/pkg/health"
	"github.com/sitekeeper/sitekeeper/pkg/journal"
	"github.com/sitekeeper/sitekeeper/pkg/log"
	"github.com/sitekeeper/sitekeeper/pkg/metrics"
	"github.com/sitekeeper/sitekeeper/pkg/orchestrator"
	"github.com/sitekeeper/sitekeeper/pkg/routing"
	"github.com/sitekeeper/sitekeeper/pkg/transport"
	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// Master is the assembled master process
type Master struct {
	cfg    *config.Config
	logger zerolog.Logger

	notifier    *events.Notifier
	store       *health.StateStore
	monitor     *health.Monitor
	agents      *agents.Manager
	translator  *routing.Translator
	journal     *journal.Journal
	dispatcher  *dispatcher.Dispatcher
	coordinator *orchestrator.Coordinator
	router      *Router

	transport  *transport.Server
	apiServer  *api.Server
	metricsSrv *http.Server
}

// New wires a master from configuration
func New(cfg *config.Config) (*Master, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	notifier := events.NewNotifier()

	store, err := health.NewStateStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open node state store: %w", err)
	}

	monitor, err := health.NewMonitor(health.Config{
		HeartbeatInterval:           cfg.HeartbeatInterval(),
		OfflineAfterMissedIntervals: cfg.OfflineAfterMissedIntervals,
	}, store, notifier)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create health monitor: %w", err)
	}

	agentMgr := agents.NewManager(monitor, notifier)
	translator := routing.NewTranslator(cfg.ActionIDGrace())

	jnl, err := journal.New(cfg.JournalRoot, cfg.EnvironmentName)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	disp := dispatcher.NewDispatcher(dispatcher.Config{
		ReadinessTimeout:      cfg.ReadinessTimeout(),
		ExecutionTimeout:      cfg.ExecutionTimeout,
		RetryLimit:            cfg.RetryLimit,
		CancelGrace:           cfg.CancelGrace(),
		LogFlushTimeout:       cfg.LogFlushTimeout(),
		FailFastOnNodeOffline: cfg.FailFastOnNodeOffline,
	}, agentMgr, notifier)

	coordinator := orchestrator.NewCoordinator(orchestrator.Config{
		MaxConcurrentActions: cfg.MaxConcurrentMasterActions,
	}, orchestrator.Deps{
		Executor:   disp,
		Journal:    jnl,
		Translator: translator,
		Notifier:   notifier,
		Nodes:      agentMgr,
	}, handlers.All())

	m := &Master{
		cfg:         cfg,
		logger:      log.WithComponent("master"),
		notifier:    notifier,
		store:       store,
		monitor:     monitor,
		agents:      agentMgr,
		translator:  translator,
		journal:     jnl,
		dispatcher:  disp,
		coordinator: coordinator,
	}
	m.router = NewRouter(agentMgr, disp, translator, jnl, notifier)
	m.transport = transport.NewServer(m.router)
	m.apiServer = api.NewServer(api.Config{Addr: cfg.APIAddr}, coordinator, monitor, jnl)

	// Connectivity transitions feed the dispatcher's offline detection and
	// the per-status node gauges.
	monitor.OnStatusChange(disp.HandleNodeStatusChanged)
	monitor.OnStatusChange(func(string, types.ConnectivityStatus) {
		m.updateNodeMetrics()
	})

	return m, nil
}

// Start brings every subsystem up. It returns once the listeners are running.
func (m *Master) Start() error {
	metrics.Register()

	recovered, err := m.journal.RecoverInterrupted()
	if err != nil {
		return fmt.Errorf("failed to recover journal: %w", err)
	}
	if recovered > 0 {
		m.logger.Warn().Int("count", recovered).Msg("recovered interrupted master actions")
	}

	m.notifier.Start()
	m.translator.Start()
	m.monitor.Start()

	go func() {
		if err := m.transport.Start(m.cfg.ListenAddr); err != nil {
			m.logger.Error().Err(err).Msg("agent transport stopped")
		}
	}()

	if err := m.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start api server: %w", err)
	}

	if m.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		m.metricsSrv = &http.Server{Addr: m.cfg.MetricsAddr, Handler: mux}
		go func() {
			m.logger.Info().Str("addr", m.cfg.MetricsAddr).Msg("metrics listening")
			if err := m.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	m.logger.Info().
		Str("environment", m.cfg.EnvironmentName).
		Str("listen_addr", m.cfg.ListenAddr).
		Str("api_addr", m.cfg.APIAddr).
		Msg("master started")
	return nil
}

// Stop shuts every subsystem down in reverse order
func (m *Master) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if m.metricsSrv != nil {
		m.metricsSrv.Shutdown(ctx)
	}
	if err := m.apiServer.Stop(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("api server shutdown failed")
	}
	if err := m.transport.Stop(); err != nil {
		m.logger.Warn().Err(err).Msg("transport shutdown failed")
	}

	m.monitor.Stop()
	m.translator.Stop()
	m.notifier.Stop()

	if err := m.store.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to close node state store")
	}
	m.logger.Info().Msg("master stopped")
}

// Coordinator exposes the action coordinator, used by tests and tooling
func (m *Master) Coordinator() *orchestrator.Coordinator {
	return m.coordinator
}

func (m *Master) updateNodeMetrics() {
	counts := make(map[types.ConnectivityStatus]int)
	for _, st := range m.monitor.GetAllStates() {
		counts[st.ConnectivityStatus]++
	}

	metrics.NodesByStatus.Reset()
	for status, n := range counts {
		metrics.NodesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}
