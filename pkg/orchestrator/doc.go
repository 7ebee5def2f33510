/*
Package orchestrator runs master actions through their registered handlers.

The Coordinator accepts operation submissions, enforces the concurrency cap,
and drives each action on its own goroutine: handler execution, progress
tracking, cancellation, journaling, and finalization.

# Handlers and Stages

A Handler implements one operation type. It receives a MasterActionContext
and structures its work as named stages:

	func (h *envVerify) Execute(mac *orchestrator.MasterActionContext) error {
	    return mac.RunStage("Verification", func(sc *orchestrator.StageContext) error {
	        res, err := sc.ExecuteNodeAction(orchestrator.NodeActionSpec{...})
	        ...
	    })
	}

RunStage journals the stage start, runs the body with panic containment,
and archives the stage record whatever the outcome. StageContext fans node
actions out to the dispatcher, sequentially or in parallel, and feeds their
progress reports into the action's overall percentage: within a stage the
percentage is the mean across that stage's node actions, and across stages
each completed stage contributes an equal share. The overall percentage
never moves backwards.

# Lifecycle

Finalization archives the terminal snapshot in the journal and then evicts
the live entry, so a long-running master holds only in-flight actions in
memory. Lookups, listings, and waits fall back to the archive for finished
actions. Cancellation is cooperative: the handler observes the context and
decides how far to unwind; an explicit SetCompleted or SetFailed from the
handler takes precedence over the inferred outcome.
*/
package orchestrator
