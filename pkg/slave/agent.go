package slave

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/pkg/log"
	"github.com/sitekeeper/sitekeeper/pkg/protocol"
	"github.com/sitekeeper/sitekeeper/pkg/transport"
	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// Version is stamped at build time
var Version = "dev"

// HealthSampler returns the current resource usage figures for heartbeats
type HealthSampler func() (cpuPercent, ramPercent float64)

// Config holds slave agent configuration
type Config struct {
	NodeName           string
	MasterURL          string
	HeartbeatInterval  time.Duration
	MaxConcurrentTasks int

	// Health overrides the heartbeat resource sampler. Nil reports zeros.
	Health HealthSampler
}

type runningTask struct {
	nodeActionID string
	cancel       context.CancelFunc
}

// Agent is the slave-side peer of the master's dispatcher
type Agent struct {
	cfg       Config
	executors map[string]Executor
	logger    zerolog.Logger

	mu       sync.Mutex
	ch       transport.Channel
	tasks    map[string]*runningTask            // taskId -> in-flight execution
	logBuf   map[string][]protocol.TaskLogEntry // nodeActionId -> unflushed lines
	hbStopCh chan struct{}
}

// NewAgent creates a slave agent with the given executor set
func NewAgent(cfg Config, executors []Executor) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 4
	}

	byType := make(map[string]Executor, len(executors))
	for _, e := range executors {
		byType[e.TaskType()] = e
	}

	return &Agent{
		cfg:       cfg,
		executors: byType,
		logger:    log.WithNode(cfg.NodeName),
		tasks:     make(map[string]*runningTask),
		logBuf:    make(map[string][]protocol.TaskLogEntry),
	}
}

// Run connects to the master and serves until ctx is cancelled
func (a *Agent) Run(ctx context.Context) {
	client := transport.NewClient(a.cfg.MasterURL, a)
	client.Run(ctx)
}

// OnConnected registers with the master and starts the heartbeat loop
func (a *Agent) OnConnected(ch transport.Channel) {
	hostname, _ := os.Hostname()
	reg := protocol.SlaveRegistration{
		AgentName:            a.cfg.NodeName,
		AgentVersion:         Version,
		OSDescription:        runtime.GOOS + "/" + runtime.GOARCH,
		FrameworkDescription: runtime.Version(),
		MaxConcurrentTasks:   a.cfg.MaxConcurrentTasks,
		Hostname:             hostname,
	}
	if err := ch.Send(protocol.MethodRegisterSlave, reg); err != nil {
		a.logger.Error().Err(err).Msg("failed to register with master")
		return
	}

	stopCh := make(chan struct{})
	a.mu.Lock()
	a.ch = ch
	a.hbStopCh = stopCh
	a.mu.Unlock()

	a.logger.Info().Str("master", a.cfg.MasterURL).Msg("registered with master")
	go a.heartbeatLoop(ch, stopCh)
	a.sendHeartbeat(ch)
}

// OnDisconnected stops the heartbeat loop for the dropped connection
func (a *Agent) OnDisconnected() {
	a.mu.Lock()
	a.ch = nil
	if a.hbStopCh != nil {
		close(a.hbStopCh)
		a.hbStopCh = nil
	}
	a.mu.Unlock()

	a.logger.Warn().Msg("lost connection to master")
}

func (a *Agent) heartbeatLoop(ch transport.Channel, stopCh chan struct{}) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sendHeartbeat(ch)
		case <-stopCh:
			return
		}
	}
}

func (a *Agent) sendHeartbeat(ch transport.Channel) {
	a.mu.Lock()
	active := len(a.tasks)
	a.mu.Unlock()

	var cpu, ram float64
	if a.cfg.Health != nil {
		cpu, ram = a.cfg.Health()
	}

	hb := protocol.Heartbeat{
		NodeName:           a.cfg.NodeName,
		Timestamp:          time.Now().UTC(),
		ActiveTasks:        active,
		AvailableTaskSlots: a.cfg.MaxConcurrentTasks - active,
		CPUUsagePercent:    cpu,
		RAMUsagePercent:    ram,
	}
	if err := ch.Send(protocol.MethodHeartbeat, hb); err != nil {
		a.logger.Warn().Err(err).Msg("failed to send heartbeat")
	}
}

// HandlePrepare evaluates readiness for a task and reports the verdict.
// Executors may suppress the report entirely.
func (a *Agent) HandlePrepare(p protocol.PrepareForTask) {
	params := parseParams(p.PreparationParametersJSON)

	var r Readiness
	exec, ok := a.executors[p.ExpectedTaskType]
	if !ok {
		r = Readiness{Ready: false, Reason: "no executor for task type " + p.ExpectedTaskType}
	} else {
		r = exec.CheckReadiness(params)
	}

	if r.Suppress {
		a.logger.Warn().Str("task_id", p.TaskID).Msg("suppressing readiness report")
		return
	}

	report := protocol.TaskReadinessReport{
		NodeActionID:     p.NodeActionID,
		TaskID:           p.TaskID,
		NodeName:         a.cfg.NodeName,
		IsReady:          r.Ready,
		ReasonIfNotReady: r.Reason,
		TimestampUTC:     time.Now().UTC(),
	}
	a.send(protocol.MethodReportTaskReadiness, report)
}

// HandleExecute runs a task on its own goroutine and streams progress back
func (a *Agent) HandleExecute(e protocol.ExecuteTaskInstruction) {
	exec, ok := a.executors[e.TaskType]
	if !ok {
		a.sendProgress(e.NodeActionID, e.TaskID, types.TaskFailed, 0,
			"no executor for task type "+e.TaskType, "")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	if a.cfg.MaxConcurrentTasks > 0 && len(a.tasks) >= a.cfg.MaxConcurrentTasks {
		a.mu.Unlock()
		cancel()
		a.sendProgress(e.NodeActionID, e.TaskID, types.TaskFailed, 0, "no free task slots", "")
		return
	}
	a.tasks[e.TaskID] = &runningTask{nodeActionID: e.NodeActionID, cancel: cancel}
	a.mu.Unlock()

	go func() {
		defer cancel()
		defer func() {
			a.mu.Lock()
			delete(a.tasks, e.TaskID)
			a.mu.Unlock()
		}()

		tc := &TaskContext{
			NodeActionID: e.NodeActionID,
			TaskID:       e.TaskID,
			Params:       parseParams(e.ParametersJSON),
			ctx:          ctx,
			agent:        a,
		}

		a.sendProgress(e.NodeActionID, e.TaskID, types.TaskStarting, 0, "", "")
		a.logger.Info().Str("task_id", e.TaskID).Str("task_type", e.TaskType).Msg("task started")

		res := exec.Execute(tc)
		if !res.Status.IsTerminal() {
			res = Result{Status: types.TaskFailed, Message: "executor returned non-terminal status"}
		}

		percent := 100
		if !res.Status.IsSuccess() {
			percent = 0
		}
		a.sendProgress(e.NodeActionID, e.TaskID, res.Status, percent, res.Message, res.ResultJSON)
		a.logger.Info().Str("task_id", e.TaskID).Str("status", string(res.Status)).Msg("task finished")
	}()
}

// HandleCancel aborts a running task
func (a *Agent) HandleCancel(c protocol.CancelTaskRequest) {
	a.mu.Lock()
	rt, ok := a.tasks[c.TaskID]
	a.mu.Unlock()

	if !ok {
		a.logger.Warn().Str("task_id", c.TaskID).Msg("cancel request for unknown task")
		return
	}
	a.logger.Info().Str("task_id", c.TaskID).Msg("cancelling task")
	rt.cancel()
}

// HandleLogFlushRequest pushes any still-buffered lines for the node action
// and confirms the flush.
func (a *Agent) HandleLogFlushRequest(r protocol.LogFlushRequest) {
	a.mu.Lock()
	pending := a.logBuf[r.NodeActionID]
	delete(a.logBuf, r.NodeActionID)
	a.mu.Unlock()

	for _, entry := range pending {
		a.send(protocol.MethodReportTaskLog, entry)
	}

	a.send(protocol.MethodConfirmLogFlush, protocol.LogFlushConfirmation{
		NodeActionID: r.NodeActionID,
		NodeName:     a.cfg.NodeName,
	})
}

// HandleAdjustSystemTime is accepted but only logged: actually stepping the
// clock needs platform privileges this agent does not assume.
func (a *Agent) HandleAdjustSystemTime(cmd protocol.AdjustSystemTimeCommand) {
	a.logger.Warn().Str("parameters", cmd.ParametersJSON).Msg("ignoring system time adjustment request")
}

// bufferTaskLog records a master-bound log line. Lines are forwarded
// immediately when connected; lines that cannot be sent stay buffered until
// the flush handshake.
func (a *Agent) bufferTaskLog(nodeActionID, taskID, level, message string) {
	entry := protocol.TaskLogEntry{
		NodeActionID: nodeActionID,
		TaskID:       taskID,
		NodeName:     a.cfg.NodeName,
		Level:        level,
		Message:      message,
		TimestampUTC: time.Now().UTC(),
	}

	if err := a.send(protocol.MethodReportTaskLog, entry); err != nil {
		a.mu.Lock()
		a.logBuf[nodeActionID] = append(a.logBuf[nodeActionID], entry)
		a.mu.Unlock()
	}
}

func (a *Agent) sendProgress(nodeActionID, taskID string, status types.TaskStatus, percent int, message, resultJSON string) {
	upd := protocol.TaskProgressUpdate{
		NodeActionID:    nodeActionID,
		TaskID:          taskID,
		NodeName:        a.cfg.NodeName,
		Status:          string(status),
		Message:         message,
		ProgressPercent: percent,
		ResultJSON:      resultJSON,
		TimestampUTC:    time.Now().UTC(),
	}
	if err := a.send(protocol.MethodReportTaskProgress, upd); err != nil {
		a.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to report task progress")
	}
}

func (a *Agent) send(method string, payload any) error {
	a.mu.Lock()
	ch := a.ch
	a.mu.Unlock()

	if ch == nil {
		return transport.ErrDisconnected
	}
	return ch.Send(method, payload)
}

// ActiveTaskCount returns the number of in-flight tasks
func (a *Agent) ActiveTaskCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}

func parseParams(raw string) map[string]string {
	params := make(map[string]string)
	if raw == "" {
		return params
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return make(map[string]string)
	}
	return params
}
