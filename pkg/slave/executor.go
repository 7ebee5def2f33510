package slave

import (
	"context"
	"fmt"
	"time"

	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// Readiness is an executor's answer to a prepare request. Suppress means no
// report is sent at all, leaving the master to its readiness timeout.
type Readiness struct {
	Ready    bool
	Reason   string
	Suppress bool
}

// Result is an executor's terminal report. Status must be one of the
// terminal task states a slave may report: Succeeded, SucceededWithIssues,
// Failed, or Cancelled.
type Result struct {
	Status     types.TaskStatus
	Message    string
	ResultJSON string
}

// Executor implements one task type on the slave
type Executor interface {
	TaskType() string
	CheckReadiness(params map[string]string) Readiness
	Execute(tc *TaskContext) Result
}

// TaskContext is the execution environment handed to an executor. Progress
// and log calls are forwarded to the master over the agent's channel.
type TaskContext struct {
	NodeActionID string
	TaskID       string
	Params       map[string]string

	ctx   context.Context
	agent *Agent
}

// Done is closed when the master cancels the task
func (tc *TaskContext) Done() <-chan struct{} {
	return tc.ctx.Done()
}

// Cancelled reports whether cancellation was requested
func (tc *TaskContext) Cancelled() bool {
	return tc.ctx.Err() != nil
}

// ReportProgress sends an InProgress update to the master
func (tc *TaskContext) ReportProgress(percent int, message string) {
	tc.agent.sendProgress(tc.NodeActionID, tc.TaskID, types.TaskInProgress, percent, message, "")
}

// Log buffers one master-bound log line and forwards it immediately when the
// connection is up.
func (tc *TaskContext) Log(level, format string, args ...any) {
	tc.agent.bufferTaskLog(tc.NodeActionID, tc.TaskID, level, fmt.Sprintf(format, args...))
}

// Sleep waits for d or until the task is cancelled, reporting which
func (tc *TaskContext) Sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-tc.ctx.Done():
		return false
	}
}
