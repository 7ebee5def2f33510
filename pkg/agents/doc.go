/*
Package agents tracks the slave connections known to the master.

The Manager is the master's registry of connected agents: registration binds
a node name to its transport channel, disconnection unbinds it, and
heartbeats refresh the liveness timestamp the health monitor reads. A
reconnect from the same node name replaces the previous channel, so a
flapping agent never leaves a stale binding behind.

Lookups answer the two questions the rest of the master asks: which nodes
are connected right now, and which channel reaches a given node. Both are
safe for concurrent use.
*/
package agents
