/*
Package protocol defines the wire messages exchanged between the master and
its slave agents.

Every message travels as a JSON envelope with a method name and a payload.
The method string selects the payload type on the receiving side; unknown
methods are logged and dropped so mixed-version fleets degrade gracefully.

# Message Groups

Connection lifecycle:
  - SlaveRegistration: Sent once after connect, naming the agent and
    describing its host
  - Heartbeat: Periodic liveness signal with basic host metrics

Task dispatch (master -> slave):
  - PrepareForTask: Readiness probe for an upcoming task
  - ExecuteTaskInstruction: The actual task with its payload
  - CancelTaskRequest: Best-effort cancellation of a running task
  - LogFlushRequest: Asks the agent to drain its buffered log lines

Task reporting (slave -> master):
  - TaskReadinessReport: The agent's yes/no answer to PrepareForTask
  - TaskProgressUpdate: Status, percentage, and message for a running task
  - TaskLogEntry: One buffered log line bound for the stage archive
  - LogFlushConfirmation: Completes the flush handshake

Encode and Decode translate between envelopes and typed payloads; the
method constants are the single source of truth for the mapping.
*/
package protocol
