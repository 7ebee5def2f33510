/*
Package dispatcher executes node actions against connected slave agents.

The dispatcher owns the two-phase protocol that turns one NodeAction into
per-node task executions and a single aggregated result.

# Execution Flow

	┌──────────────────────────────────────────────────────────┐
	│  Phase 1: Prepare                                        │
	│  Send PrepareForTask to every target node and collect    │
	│  readiness reports until the readiness timeout.          │
	│  Not connected / not ready / silent nodes drop out here. │
	└────────────────────────┬─────────────────────────────────┘
	                         ▼
	┌──────────────────────────────────────────────────────────┐
	│  Phase 2: Execute                                        │
	│  Send ExecuteTaskInstruction to every ready node, then   │
	│  consume progress updates until each task reaches a      │
	│  terminal status or its execution timeout expires.       │
	│  Failed attempts retry within the per-task-type budget.  │
	└────────────────────────┬─────────────────────────────────┘
	                         ▼
	┌──────────────────────────────────────────────────────────┐
	│  Finalize                                                │
	│  Request a log flush from every participating node,      │
	│  wait briefly for confirmations, and aggregate the task  │
	│  states into the node action outcome.                    │
	└──────────────────────────────────────────────────────────┘

# Interruptions

RequestCancel sends CancelTask to every running node and grants a grace
period for confirmation; unconfirmed tasks end as CancellationFailed. A
node reported offline mid-task becomes NodeOfflineDuringTask, and with
fail-fast enabled the remaining nodes are cancelled as well. An offline
transition always wins over a pending cancellation for the same task.

Progress from the slaves is funneled through per-task channels that stay
stable for the lifetime of the execution; inbound handler goroutines never
observe a torn-down channel, even across retries.
*/
package dispatcher
