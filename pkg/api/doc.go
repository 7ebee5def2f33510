/*
Package api is the UI-facing REST adapter, built on gin.

It exposes operation submission, inspection, and cancellation, the node
connectivity listing, recent master log lines, and reads from the journal
archive (finished actions, stage results, raw stage log content). Handlers
translate coordinator sentinels into HTTP status codes: unknown operation
and bad input map to 400, missing resources to 404, the concurrency cap
and already-completed cancellations to 409.
*/
package api
