package types

import (
	"time"
)

// OperationType identifies the workflow a master action executes
type OperationType string

const (
	OperationEnvVerify         OperationType = "EnvVerify"
	OperationOrchestrationTest OperationType = "OrchestrationTest"
)

// Built-in task types executed by slave agents
const (
	TaskTypeVerifyConfiguration     = "VerifyConfiguration"
	TaskTypeOrchestrationSimulation = "OrchestrationSimulation"
)

// MasterActionStatus represents the overall state of a master action
type MasterActionStatus string

const (
	MasterActionInitiated  MasterActionStatus = "Initiated"
	MasterActionInProgress MasterActionStatus = "InProgress"
	MasterActionCancelling MasterActionStatus = "Cancelling"
	MasterActionSucceeded  MasterActionStatus = "Succeeded"
	MasterActionFailed     MasterActionStatus = "Failed"
	MasterActionCancelled  MasterActionStatus = "Cancelled"
)

// IsTerminal reports whether the status is final
func (s MasterActionStatus) IsTerminal() bool {
	switch s {
	case MasterActionSucceeded, MasterActionFailed, MasterActionCancelled:
		return true
	}
	return false
}

// NodeActionStatus represents the aggregated state of a node action
type NodeActionStatus string

const (
	NodeActionPendingInitiation   NodeActionStatus = "PendingInitiation"
	NodeActionAwaitingReadiness   NodeActionStatus = "AwaitingReadiness"
	NodeActionInProgress          NodeActionStatus = "InProgress"
	NodeActionSucceeded           NodeActionStatus = "Succeeded"
	NodeActionSucceededWithErrors NodeActionStatus = "SucceededWithErrors"
	NodeActionFailed              NodeActionStatus = "Failed"
	NodeActionCancelled           NodeActionStatus = "Cancelled"
)

// IsTerminal reports whether the status is final
func (s NodeActionStatus) IsTerminal() bool {
	switch s {
	case NodeActionSucceeded, NodeActionSucceededWithErrors, NodeActionFailed, NodeActionCancelled:
		return true
	}
	return false
}

// TaskStatus represents the state of a single task on one slave.
// The string values are part of the wire contract for TaskProgressUpdate.
type TaskStatus string

const (
	TaskPending                 TaskStatus = "Pending"
	TaskAwaitingReadiness       TaskStatus = "AwaitingReadiness"
	TaskReadyToExecute          TaskStatus = "ReadyToExecute"
	TaskNotReadyForTask         TaskStatus = "NotReadyForTask"
	TaskReadinessCheckTimedOut  TaskStatus = "ReadinessCheckTimedOut"
	TaskDispatchFailedPrepare   TaskStatus = "DispatchFailed_Prepare"
	TaskDispatched              TaskStatus = "TaskDispatched"
	TaskDispatchFailedExecute   TaskStatus = "TaskDispatchFailed_Execute"
	TaskStarting                TaskStatus = "Starting"
	TaskInProgress              TaskStatus = "InProgress"
	TaskSucceeded               TaskStatus = "Succeeded"
	TaskSucceededWithIssues     TaskStatus = "SucceededWithIssues"
	TaskFailed                  TaskStatus = "Failed"
	TaskRetrying                TaskStatus = "Retrying"
	TaskTimedOut                TaskStatus = "TimedOut"
	TaskNodeOfflineDuringTask   TaskStatus = "NodeOfflineDuringTask"
	TaskCancelling              TaskStatus = "Cancelling"
	TaskCancelled               TaskStatus = "Cancelled"
	TaskCancellationFailed      TaskStatus = "CancellationFailed"
)

// IsTerminal reports whether the task status is final
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskNotReadyForTask, TaskReadinessCheckTimedOut, TaskDispatchFailedPrepare,
		TaskSucceeded, TaskSucceededWithIssues, TaskFailed, TaskCancelled,
		TaskCancellationFailed, TaskDispatchFailedExecute, TaskNodeOfflineDuringTask,
		TaskTimedOut:
		return true
	}
	return false
}

// IsSuccess reports whether the task ended in a success-class state
func (s TaskStatus) IsSuccess() bool {
	return s == TaskSucceeded || s == TaskSucceededWithIssues
}

// MasterAction is one end-to-end workflow instance launched by an operator
type MasterAction struct {
	ID                     string             `json:"id"`
	Type                   OperationType      `json:"type"`
	Name                   string             `json:"name,omitempty"`
	InitiatedBy            string             `json:"initiatedBy,omitempty"`
	Parameters             map[string]string  `json:"parameters"`
	StartTime              time.Time          `json:"startTime"`
	EndTime                *time.Time         `json:"endTime,omitempty"`
	OverallStatus          MasterActionStatus `json:"overallStatus"`
	OverallProgressPercent int                `json:"overallProgressPercent"`
	StatusMessage          string             `json:"statusMessage,omitempty"`
	FinalResultPayload     string             `json:"finalResultPayload,omitempty"`
	ExecutionHistory       []*StageRecord     `json:"executionHistory"`

	// Transient fields for live UI, never journaled.
	CurrentStageName        string        `json:"-"`
	CurrentStageIndex       int           `json:"-"`
	CurrentStageNodeActions []*NodeAction `json:"-"`
	RecentLogs              *LogRing      `json:"-"`
}

// StageRecord is the persistent history of one stage
type StageRecord struct {
	StageIndex       int           `json:"stageIndex"`
	StageName        string        `json:"stageName"`
	StartTime        time.Time     `json:"startTime"`
	EndTime          *time.Time    `json:"endTime,omitempty"`
	IsSuccess        bool          `json:"isSuccess"`
	FinalNodeActions []*NodeAction `json:"finalNodeActions"`
	CustomResult     any           `json:"customResult,omitempty"`
}

// NodeAction is a group of per-node tasks of a single task type issued together
type NodeAction struct {
	ID                      string            `json:"id"`
	Name                    string            `json:"name,omitempty"`
	TaskType                string            `json:"taskType"`
	OverallStatus           NodeActionStatus  `json:"overallStatus"`
	CreationTime            time.Time         `json:"creationTime"`
	StartTime               *time.Time        `json:"startTime,omitempty"`
	EndTime                 *time.Time        `json:"endTime,omitempty"`
	AuditContext            map[string]string `json:"auditContext,omitempty"`
	InitiatedBy             string            `json:"initiatedBy,omitempty"`
	NodeTasks               []*NodeTask       `json:"nodeTasks"`
	ProgressPercent         int               `json:"progressPercent"`
	StatusMessage           string            `json:"statusMessage,omitempty"`
	FinalOutcome            string            `json:"finalOutcome,omitempty"`
	IsCancellationRequested bool              `json:"isCancellationRequested"`
	ResultPayload           string            `json:"resultPayload,omitempty"`
}

// NodeTask is a single unit of work on one slave
type NodeTask struct {
	TaskID          string            `json:"taskId"`
	ActionID        string            `json:"actionId"`
	NodeName        string            `json:"nodeName"`
	TaskType        string            `json:"taskType"`
	Status          TaskStatus        `json:"status"`
	Payload         map[string]string `json:"payload,omitempty"`
	CreationTime    time.Time         `json:"creationTime"`
	StartTime       *time.Time        `json:"startTime,omitempty"`
	EndTime         *time.Time        `json:"endTime,omitempty"`
	LastUpdateTime  *time.Time        `json:"lastUpdateTime,omitempty"`
	ProgressPercent int               `json:"progressPercent"`
	StatusMessage   string            `json:"statusMessage,omitempty"`
	RetryCount      int               `json:"retryCount"`
	ResultPayload   string            `json:"resultPayload,omitempty"`
}

// NodeActionResult is the outcome of one dispatcher execution
type NodeActionResult struct {
	IsSuccess  bool        `json:"isSuccess"`
	FinalState *NodeAction `json:"finalState"`
}

// RecomputeProgress recalculates the aggregate progress of a node action:
// floor of the mean over all tasks, with terminal-success tasks counted
// as 100 and terminal-non-success tasks as their last reported percent.
func (na *NodeAction) RecomputeProgress() int {
	if len(na.NodeTasks) == 0 {
		return 0
	}
	sum := 0
	for _, t := range na.NodeTasks {
		if t.Status.IsTerminal() && t.Status.IsSuccess() {
			sum += 100
		} else {
			sum += t.ProgressPercent
		}
	}
	na.ProgressPercent = sum / len(na.NodeTasks)
	return na.ProgressPercent
}

// AllTasksTerminal reports whether every task reached a final state
func (na *NodeAction) AllTasksTerminal() bool {
	for _, t := range na.NodeTasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// isDegraded marks tasks that dropped out without actively failing: they
// never ran or lost their node. A node action where every non-success task is
// merely degraded still counts as SucceededWithErrors when at least one task
// succeeded.
func (s TaskStatus) isDegraded() bool {
	switch s {
	case TaskNotReadyForTask, TaskReadinessCheckTimedOut,
		TaskDispatchFailedPrepare, TaskNodeOfflineDuringTask:
		return true
	}
	return false
}

// ComputeOutcome derives the overall node action status once all tasks are
// terminal. Operator cancellation wins if any task ended in a cancel-class
// state; all-clean means Succeeded; success everywhere with at least one
// issue or dropout means SucceededWithErrors; anything else Failed.
func (na *NodeAction) ComputeOutcome(cancelRequested bool) NodeActionStatus {
	if cancelRequested {
		for _, t := range na.NodeTasks {
			if t.Status == TaskCancelled || t.Status == TaskCancellationFailed {
				return NodeActionCancelled
			}
		}
	}

	allClean := true
	anySuccess := false
	anyIssues := false
	anyHardFailure := false
	for _, t := range na.NodeTasks {
		switch {
		case t.Status == TaskSucceeded:
			anySuccess = true
		case t.Status == TaskSucceededWithIssues:
			allClean = false
			anySuccess = true
			anyIssues = true
		case t.Status.isDegraded():
			allClean = false
			anyIssues = true
		default:
			allClean = false
			anyHardFailure = true
		}
	}

	switch {
	case allClean:
		return NodeActionSucceeded
	case anySuccess && anyIssues && !anyHardFailure:
		return NodeActionSucceededWithErrors
	default:
		return NodeActionFailed
	}
}

// ConnectedAgentInfo is one entry per registered slave
type ConnectedAgentInfo struct {
	NodeName             string            `json:"nodeName"`
	AgentVersion         string            `json:"agentVersion,omitempty"`
	LastHeartbeatTime    time.Time         `json:"lastHeartbeatTime"`
	LastKnownStatus      AgentStatus       `json:"lastKnownStatus"`
	LastKnownHealth      *NodeHealthSummary `json:"lastKnownHealth,omitempty"`
	ConnectedSince       time.Time         `json:"connectedSince"`
	RemoteAddress        string            `json:"remoteAddress,omitempty"`
	OSDescription        string            `json:"osDescription,omitempty"`
	FrameworkDescription string            `json:"frameworkDescription,omitempty"`
	Hostname             string            `json:"hostname,omitempty"`
	MaxConcurrentTasks   int               `json:"maxConcurrentTasks"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// AgentStatus is the coarse liveness of a connected agent
type AgentStatus string

const (
	AgentOnline  AgentStatus = "Online"
	AgentOffline AgentStatus = "Offline"
	AgentUnknown AgentStatus = "Unknown"
)

// ConnectivityStatus is the derived connectivity of a known node
type ConnectivityStatus string

const (
	NodeNeverConnected ConnectivityStatus = "NeverConnected"
	NodeOnline         ConnectivityStatus = "Online"
	NodeUnreachable    ConnectivityStatus = "Unreachable"
	NodeOffline        ConnectivityStatus = "Offline"
	NodeUnknown        ConnectivityStatus = "Unknown"
)

// NodeHealthSummary carries the last reported resource figures of a node
type NodeHealthSummary struct {
	CPUUsagePercent    float64 `json:"cpuUsagePercent"`
	RAMUsagePercent    float64 `json:"ramUsagePercent"`
	ActiveTasks        int     `json:"activeTasks"`
	AvailableTaskSlots int     `json:"availableTaskSlots"`
}

// CachedNodeState is the master's last-known picture of a node, kept
// independently of current connectivity and persisted across restarts.
type CachedNodeState struct {
	NodeName            string             `json:"nodeName"`
	ConnectivityStatus  ConnectivityStatus `json:"connectivityStatus"`
	LastHeartbeatTime   *time.Time         `json:"lastHeartbeatTime,omitempty"`
	Health              *NodeHealthSummary `json:"health,omitempty"`
	LastDiagnostics     string             `json:"lastDiagnostics,omitempty"`
	InstalledPackages   []string           `json:"installedPackages,omitempty"`
	AppStatuses         map[string]string  `json:"appStatuses,omitempty"`
	LastStateUpdateTime time.Time          `json:"lastStateUpdateTime"`
}

// LogRecord is one correlated master-side log line
type LogRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
}
