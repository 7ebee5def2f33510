/*
Package metrics defines the Prometheus instrumentation for the master.

All collectors are package-level and registered once via Register; the
instrumented packages update them directly. Handler returns the standard
/metrics endpoint, served on its own listener by the master process. The
series cover connected agents,
nodes by connectivity status, master action activity and outcomes, task
dispatch results, and journal write volume.
*/
package metrics
