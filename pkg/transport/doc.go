/*
Package transport carries the master/slave protocol over WebSocket
connections.

The master runs a Server that upgrades inbound HTTP requests and hands each
established connection to a MessageHandler as a Channel. The slave runs a
Client that dials the master, registers itself, and keeps the connection
alive with automatic reconnection.

# Channels

Channel is the write side of one connection. Sends are serialized through a
single writer goroutine; a send to a closing channel fails with
ErrChannelClosed, a send when no connection exists fails with
ErrDisconnected. Receiving happens on a per-connection read loop that
decodes envelopes and dispatches them to the handler.

# Reconnection

The client reconnects with a fixed backoff ladder: one second for the first
attempt, then 2s, 5s, 10s, 30s, and finally one minute between attempts.
The ladder resets after a successful registration. Heartbeats ride the same
connection; a write failure tears the connection down and starts the ladder
again.
*/
package transport
