/*
Package config loads and validates the master configuration.

Configuration is a single YAML file. Load fills in defaults for everything
omitted, validates the result, and returns a Config whose duration-valued
knobs are exposed as helpers (heartbeat interval, readiness and execution
timeouts, cancellation grace, id grace window). Per-task-type overrides let
individual task types carry their own execution timeout and retry budget on
top of the global defaults.
*/
package config
