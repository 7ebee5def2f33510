/*
Package events fans master-side notifications out to UI subscribers.

The Notifier is a small pub/sub hub: producers publish Events (action
lifecycle, stage transitions, node status changes, slave task log lines)
and each subscriber receives them on a buffered channel. A single
distribution goroutine preserves publish order per master action; slow
subscribers are skipped rather than allowed to stall the hub.
*/
package events
