/*
Package slave implements the node-side agent.

The Agent maintains the connection to the master: it registers on connect,
heartbeats on an interval, and relies on the transport client's reconnect
ladder when the link drops. Inbound instructions drive the task lifecycle:

  - PrepareForTask is answered with a readiness verdict from the executor
    registered for the task type
  - ExecuteTaskInstruction starts the task on its own goroutine, streaming
    progress updates back to the master
  - CancelTaskRequest cancels the task's context; the executor decides how
    quickly it can stop

Executors are registered per task type; the built-ins cover configuration
verification and the orchestration-test simulation. Log lines produced
during a task are buffered locally and drained to the master through the
flush-on-request handshake, so the stage archive receives them even when
they outlive the task itself.
*/
package slave
