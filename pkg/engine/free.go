package engine

import (
	"context"
	"fmt"
	"time"
)

// FreeStrategy lets every host move through the plan as fast as its own
// results come back. Hosts never wait on each other.
type FreeStrategy struct {
	*base

	// lastHost is the rotating start position into the hosts left.
	lastHost int

	// workersFree mirrors the pool's free slots across a round.
	workersFree int
}

// NewFreeStrategy creates a free strategy for one play.
func NewFreeStrategy(settings Settings, deps Deps) (*FreeStrategy, error) {
	b, err := newBase(StrategyFree, settings, deps)
	if err != nil {
		return nil, err
	}
	return &FreeStrategy{base: b, workersFree: b.pool.FreeSlots()}, nil
}

// Run schedules the play until no host has work left.
func (s *FreeStrategy) Run(ctx context.Context) (*PlayResult, error) {
	started := time.Now()
	ctx, span := s.startPlay(ctx)

	for !s.stopRequested(ctx) && !s.isTripped() {
		hostsLeft := s.getHostsLeft()
		if len(hostsLeft) == 0 && len(s.pending) == 0 {
			break
		}

		roundCtx, roundSpan, roundStart := s.startRound(ctx)
		dispatched := s.runRound(roundCtx, hostsLeft)

		// Collect whatever finished; each freed slot is a free worker again
		s.workersFree += s.ProcessPending(roundCtx, 0)
		s.applyIncludes(false, hostsLeft)
		s.checkFailures(roundCtx)
		s.endRound(roundSpan, roundStart, dispatched)

		s.pause(ctx)
	}

	return s.finish(ctx, span, started)
}

// runRound visits hosts starting at lastHost until it wraps around or a
// step stops the round. It returns the number of regular dispatches.
func (s *FreeStrategy) runRound(ctx context.Context, hostsLeft []*Host) int {
	if len(hostsLeft) == 0 {
		return 0
	}
	workToDo := false
	before := s.dispatched
	if s.lastHost >= len(hostsLeft) {
		s.lastHost = 0
	}
	startingHost := s.lastHost

	for {
		host := hostsLeft[s.lastHost]
		sig := s.step(ctx, host.Name)

		switch sig {
		case StepSkippedDedup:
			// The cursor moved past the skipped task; look at the same host again
			workToDo = true
			continue
		case StepSkippedThrottled, StepStopRound:
			return s.dispatched - before
		case StepDispatched, StepSkippedBlocked:
			workToDo = true
		}

		// All workers busy: resume from the round's first host next time
		if s.settings.HostPinned && s.workersFree <= 0 && workToDo {
			s.lastHost = startingHost
			return s.dispatched - before
		}

		s.lastHost++
		if s.lastHost >= len(hostsLeft) {
			s.lastHost = 0
		}
		if s.lastHost == startingHost {
			return s.dispatched - before
		}
	}
}

// step tries to start the host's next task.
func (s *FreeStrategy) step(ctx context.Context, name string) StepSignal {
	h := s.host(name)
	if h == nil || h.Unreachable {
		return StepIdle
	}
	_, _, task := s.tree.PeekNextTask(name)
	if task == nil {
		return StepIdle
	}
	if h.Blocked {
		return StepSkippedBlocked
	}

	// Throttle back-pressure ends the round
	if task.Throttle > 0 && s.inflightFor(task.ID) >= task.Throttle {
		if s.metrics != nil {
			s.metrics.RecordThrottled(string(s.name))
		}
		return StepSkippedThrottled
	}

	if s.roleAlreadyRan(name, task) {
		s.tree.AdvanceTask(name)
		s.logger.Debug().Str("host", name).Str("task", task.Name).Msg("Role already ran, skipping")
		return StepSkippedDedup
	}

	switch task.Action {
	case ActionMeta:
		s.tree.AdvanceTask(name)
		s.executeMeta(ctx, name, task)
		return StepDispatched
	case ActionNoop:
		s.tree.AdvanceTask(name)
		return StepDispatched
	case ActionRegular:
		if task.RunOnce {
			s.warnOnce(task.ID, fmt.Sprintf("run_once is not honored by the free strategy, task %q runs on every host", task.Name))
		}
		if !s.pool.TryAcquire() {
			if s.metrics != nil {
				s.metrics.RecordThrottled(string(s.name))
			}
			return StepSkippedThrottled
		}
		s.tree.AdvanceTask(name)
		if !s.dispatch(ctx, name, task, true) {
			return StepStopRound
		}
		s.workersFree--
		return StepDispatched
	default:
		s.violation(NewContractError("unknown action kind", nil).
			WithHost(name).WithDetail("action", task.Action.String()))
		return StepStopRound
	}
}
