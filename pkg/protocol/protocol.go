package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Method names carried in the envelope. Both directions share the namespace.
const (
	// Slave -> Master
	MethodRegisterSlave       = "RegisterSlave"
	MethodHeartbeat           = "Heartbeat"
	MethodReportTaskReadiness = "ReportTaskReadiness"
	MethodReportTaskProgress  = "ReportTaskProgress"
	MethodConfirmLogFlush     = "ConfirmLogFlush"
	MethodReportTaskLog       = "ReportTaskLog"

	// Master -> Slave
	MethodPrepareForTask   = "PrepareForTask"
	MethodExecuteTask      = "ExecuteTask"
	MethodCancelTask       = "CancelTask"
	MethodRequestLogFlush  = "RequestLogFlush"
	MethodAdjustSystemTime = "AdjustSystemTime"
)

// Envelope frames every message on the channel
type Envelope struct {
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a payload into an envelope ready for the wire
func Encode(method string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}
	return json.Marshal(Envelope{Method: method, Payload: raw})
}

// Decode parses an envelope from the wire
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Method == "" {
		return nil, fmt.Errorf("envelope missing method")
	}
	return &env, nil
}

// SlaveRegistration announces a slave to the master on connect
type SlaveRegistration struct {
	AgentName            string `json:"agentName"`
	AgentVersion         string `json:"agentVersion"`
	OSDescription        string `json:"osDescription"`
	FrameworkDescription string `json:"frameworkDescription"`
	MaxConcurrentTasks   int    `json:"maxConcurrentTasks"`
	Hostname             string `json:"hostname"`
}

// Heartbeat is the periodic liveness and load report from a slave
type Heartbeat struct {
	NodeName           string    `json:"nodeName"`
	Timestamp          time.Time `json:"timestamp"`
	ActiveTasks        int       `json:"activeTasks"`
	AvailableTaskSlots int       `json:"availableTaskSlots"`
	CPUUsagePercent    float64   `json:"cpuUsagePercent"`
	RAMUsagePercent    float64   `json:"ramUsagePercent"`
}

// PrepareForTask asks a slave to confirm it can run a task (phase 1)
type PrepareForTask struct {
	NodeActionID              string `json:"nodeActionId"`
	TaskID                    string `json:"taskId"`
	ExpectedTaskType          string `json:"expectedTaskType"`
	TargetResource            string `json:"targetResource,omitempty"`
	PreparationParametersJSON string `json:"preparationParametersJson"`
}

// TaskReadinessReport is the slave's answer to PrepareForTask
type TaskReadinessReport struct {
	NodeActionID     string    `json:"nodeActionId"`
	TaskID           string    `json:"taskId"`
	NodeName         string    `json:"nodeName"`
	IsReady          bool      `json:"isReady"`
	ReasonIfNotReady string    `json:"reasonIfNotReady,omitempty"`
	TimestampUTC     time.Time `json:"timestampUtc"`
}

// ExecuteTaskInstruction starts execution of a prepared task (phase 2)
type ExecuteTaskInstruction struct {
	NodeActionID   string `json:"nodeActionId"`
	TaskID         string `json:"taskId"`
	TaskType       string `json:"taskType"`
	ParametersJSON string `json:"parametersJson"`
}

// TaskProgressUpdate reports task state changes and progress from a slave.
// Status carries one of the task state strings.
type TaskProgressUpdate struct {
	NodeActionID    string    `json:"nodeActionId"`
	TaskID          string    `json:"taskId"`
	NodeName        string    `json:"nodeName"`
	Status          string    `json:"status"`
	Message         string    `json:"message,omitempty"`
	ProgressPercent int       `json:"progressPercent"`
	ResultJSON      string    `json:"resultJson,omitempty"`
	TimestampUTC    time.Time `json:"timestampUtc"`
}

// CancelTaskRequest asks a slave to abort a running task
type CancelTaskRequest struct {
	NodeActionID string `json:"nodeActionId"`
	TaskID       string `json:"taskId"`
}

// TaskLogEntry is one slave-side log line correlated to a node action
type TaskLogEntry struct {
	NodeActionID string    `json:"nodeActionId"`
	TaskID       string    `json:"taskId,omitempty"`
	NodeName     string    `json:"nodeName"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	TimestampUTC time.Time `json:"timestampUtc"`
}

// LogFlushRequest asks a slave to push any buffered task logs
type LogFlushRequest struct {
	NodeActionID string `json:"nodeActionId"`
}

// LogFlushConfirmation acknowledges a completed log flush
type LogFlushConfirmation struct {
	NodeActionID string `json:"nodeActionId"`
	NodeName     string `json:"nodeName"`
}

// AdjustSystemTimeCommand is passed through to the slave unmodified
type AdjustSystemTimeCommand struct {
	ParametersJSON string `json:"parametersJson"`
}
