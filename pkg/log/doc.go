/*
Package log configures the zerolog-based logging used by both processes.

Init sets the global logger's level and output format once at startup.
WithComponent derives a child logger tagged with a component name, which is
how every package obtains its logger; WithAction, WithNodeAction, and
WithNode add the corresponding correlation ids. Console output is
human-readable during development, JSON otherwise.
*/
package log
