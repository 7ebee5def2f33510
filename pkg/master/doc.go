/*
Package master wires the full master process together.

A Master owns every long-lived component and their startup and shutdown
order: configuration, journal recovery, the agent registry, the health
monitor, the dispatcher, the coordinator with its handler set, the
WebSocket transport server, the REST API, and the metrics listener.

# Message Routing

The Router is the transport's message handler. Every slave-originated
message is attributed through the id translator and then takes one of three
paths:

  - Live node action: forwarded to the dispatcher
  - Inside the grace window: preserved in the journal as a late log line
  - Unknown: dropped with a warning

Task log lines additionally fan out to UI subscribers through the event
notifier. Registration, disconnect, and heartbeat messages feed the agent
registry and the health monitor.
*/
package master
