/*
Package handlers contains the built-in master action handlers.

The set is compiled in; the coordinator selects a handler by exact
operation type match. Two operations ship with the master:

EnvVerify fans a configuration verification task out to every connected
node (or an explicit target list) in a single stage and reports how many
nodes passed.

OrchestrationTest exercises the whole dispatch pipeline end to end without
touching any site state. Its parameters script the slave side (succeed,
fail, hang, report custom progress) and can inject master-side failures
between stages, which makes it the standard smoke test for a freshly
deployed environment.
*/
package handlers
