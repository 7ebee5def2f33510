/*
Package health derives node connectivity from the heartbeat stream.

The Monitor consumes heartbeats and disconnect notifications, keeps the
last-seen state per node in a StateStore, and sweeps periodically: a node
that misses the configured number of heartbeat intervals becomes
Unreachable, and one whose connection dropped is Offline immediately.

Status transitions fan out to registered StatusListeners (the dispatcher
uses this to fail tasks on nodes that vanish mid-execution) and are
published as node status events for UI subscribers. The store also backs
the REST API's node listing.
*/
package health
