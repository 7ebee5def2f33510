/*
Package journal persists the durable audit trail of master actions.

Every master action owns one directory under <root>/<environment>, named
<timestamp>-<id>. Inside it, stages get numbered subdirectories with their
own logs directory, a stage_result.json written atomically on completion,
and the action itself is finalized with a master_action_info.json snapshot:

	<root>/<environment>/
	    20260301T120000Z-<actionId>/
	        master_action_info.json
	        stages/
	            1-Verification/
	                stage_result.json
	                logs/
	                    master.log
	                    node-a.log

Slave-originated log lines are routed by node action id: MapNodeActionToStage
records where a node action's lines belong, and the mapping outlives the
action so late lines arriving within the id grace window still land in the
archive. Per-file locks serialize concurrent appenders.

The read side serves the API and the coordinator: archived action snapshots,
stage results, raw stage log content, and the full archived listing. On
startup, RecoverInterrupted finalizes any directory a crashed master left
without a terminal snapshot, archiving it as Failed.
*/
package journal
