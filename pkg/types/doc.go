/*
Package types defines the core data structures used throughout SiteKeeper.

This package contains the domain model shared by the master and the slave
agent: master actions, stages, node actions, node tasks, and the status
enumerations that drive their state machines. Both processes serialize these
types to JSON, so every field carries an explicit tag and the enumerations
are plain string constants.

# Core Types

Master side:
  - MasterAction: One site-wide operation with overall status, progress,
    per-stage execution history, and a bounded ring of recent log lines
  - StageExecutionRecord: The archived outcome of one stage, including the
    final node actions and an optional handler-provided custom result

Node side:
  - NodeAction: One stage's fan-out to a set of nodes, owning one NodeTask
    per target node
  - NodeTask: The unit dispatched to a single slave, with its own status,
    progress percentage, retry count, and timestamps

# State Machines

MasterActionStatus moves Initiated -> InProgress -> terminal
(Succeeded, Failed, Cancelled). TaskStatus covers the full dispatch
lifecycle, including the failure modes that never reach a slave
(DispatchFailedPrepare, ReadinessCheckTimedOut) and the ones reported
back by it (Failed, TimedOut, Cancelled, NodeOfflineDuringTask).
IsTerminal on each status answers whether the state can still change.

Aggregation helpers roll task states up to a node action outcome: all
succeeded means Succeeded, a mix means SucceededWithErrors, none means
Failed, and an operator cancellation wins over everything else.
*/
package types
