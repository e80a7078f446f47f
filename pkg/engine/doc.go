// Package engine schedules the tasks of a play across a fleet of hosts.
//
// # Overview
//
// A play is an already-resolved plan of blocks (tasks plus optional rescue
// and always sections) that runs against a set of hosts. The engine owns the
// scheduling loop only; the plan, the task executors and the host inventory
// are collaborators reached through small interfaces:
//
//   - PlanTree: per-host cursors (peek, advance, mark failed, include)
//   - Dispatcher: non-blocking task execution returning a PendingResult
//   - WorkerPool: bounded concurrency, backed by a weighted semaphore
//   - HostRegistry: a fresh host snapshot per round
//
// # Strategies
//
// The free strategy lets each host advance as soon as its previous result is
// in. It rotates through hosts, stops a round on throttle or pool exhaustion,
// and sleeps PollInterval between rounds.
//
// The linear strategy keeps hosts in lockstep. Each round it finds the lowest
// block position among hosts with work, picks the highest-priority run state
// present there (setup, tasks, rescue, always) and advances only those hosts.
// Everybody else receives NoopTask. Each round waits for all of its results.
//
// # Failure Handling
//
// Failures move a host's cursor into rescue or always. A host whose failure
// was not rescued joins the failed set. With any_errors_fatal or a breached
// max_fail_percentage the play gets RunFailedBreakPlay: the free strategy
// stops dispatching, the linear strategy excludes the failed and unreachable
// hosts and keeps the rest of the fleet in lockstep. A failure on a task
// marked any_errors_fatal trips the play whatever the percentage. RunStatus
// flags are never cleared.
//
// # Usage
//
//	strategy, err := engine.NewStrategy(settings, engine.Deps{
//	    Tree:       tree,
//	    Dispatcher: dispatcher,
//	    Registry:   hosts,
//	    Logger:     logger,
//	})
//	if err != nil {
//	    return err
//	}
//	result, err := strategy.Run(ctx)
package engine
