/*
Package routing resolves node action ids to their owning master actions.

Every slave-originated message carries a node action id; the Translator is
the master's lookup table from that id to the master action that created it.
Mappings are registered when a node action is dispatched and unregistered
when it completes, but an unregistered mapping lingers for a configurable
grace window so late messages can still be attributed and journaled.

ResolveLive answers only for running node actions; ResolveAny also covers
the grace window. A background sweeper removes expired mappings.
*/
package routing
