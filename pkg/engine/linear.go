package engine

import (
	"context"
	"time"
)

// hostTask pairs a host with the task it runs in the current round.
type hostTask struct {
	host string
	task *Task
}

// LinearStrategy runs hosts in lockstep: every round, only the hosts at the
// lowest block position in the highest-priority run state make progress and
// everyone else receives a noop.
type LinearStrategy struct {
	*base
}

// NewLinearStrategy creates a linear strategy for one play.
func NewLinearStrategy(settings Settings, deps Deps) (*LinearStrategy, error) {
	b, err := newBase(StrategyLinear, settings, deps)
	if err != nil {
		return nil, err
	}
	return &LinearStrategy{base: b}, nil
}

// Run schedules the play round by round until no host has work left.
func (s *LinearStrategy) Run(ctx context.Context) (*PlayResult, error) {
	started := time.Now()
	ctx, span := s.startPlay(ctx)

	for !s.stopRequested(ctx) {
		hostsLeft := s.getHostsLeft()
		if len(hostsLeft) == 0 {
			break
		}
		batch := s.getNextTasks(hostsLeft)
		if len(batch) == 0 {
			break
		}

		roundCtx, roundSpan, roundStart := s.startRound(ctx)
		dispatched := s.runBatch(roundCtx, batch)

		// Every round is a barrier
		s.WaitOnPending(roundCtx)
		s.applyIncludes(true, hostsLeft)
		s.processFailures(roundCtx)
		s.endRound(roundSpan, roundStart, dispatched)
	}

	return s.finish(ctx, span, started)
}

// peeked is one host's view of its next task.
type peeked struct {
	state RunState
	path  BlockPath
	task  *Task
}

// getNextTasks selects the active run state at the lowest block position and
// advances the hosts in it. Every other host with work gets the noop task.
func (s *LinearStrategy) getNextTasks(hostsLeft []*Host) []hostTask {
	views := make(map[string]peeked, len(hostsLeft))
	var lowest BlockPath
	for _, h := range hostsLeft {
		if s.isExcluded(h.Name) {
			continue
		}
		st, path, task := s.tree.PeekNextTask(h.Name)
		if task == nil || st == RunStateComplete {
			continue
		}
		views[h.Name] = peeked{state: st, path: path, task: task}
		if lowest == nil || path.Compare(lowest) < 0 {
			lowest = path
		}
	}
	if len(views) == 0 {
		return nil
	}

	var counts [RunStateComplete]int
	for _, v := range views {
		if v.path.Equal(lowest) {
			counts[v.state]++
		}
	}
	active := RunStateComplete
	for st := RunStateSetup; st < RunStateComplete; st++ {
		if counts[st] > 0 {
			active = st
			break
		}
	}

	batch := make([]hostTask, 0, len(views))
	for _, h := range hostsLeft {
		v, ok := views[h.Name]
		if !ok {
			continue
		}
		if v.state == active && v.path.Equal(lowest) {
			_, _, task := s.tree.AdvanceTask(h.Name)
			batch = append(batch, hostTask{host: h.Name, task: task})
			continue
		}
		batch = append(batch, hostTask{host: h.Name, task: NoopTask})
	}
	return batch
}

// runBatch dispatches one round's host/task pairs.
func (s *LinearStrategy) runBatch(ctx context.Context, batch []hostTask) int {
	dispatched := 0
	for _, ht := range batch {
		if s.stopRequested(ctx) {
			break
		}
		sig := s.step(ctx, ht)
		if sig == StepDispatched && ht.task.Action == ActionRegular {
			dispatched++
		}
		if sig == StepStopRound {
			break
		}
	}
	return dispatched
}

// step runs one host's share of the round.
func (s *LinearStrategy) step(ctx context.Context, ht hostTask) StepSignal {
	task := ht.task
	if task == nil {
		return StepIdle
	}
	if task.IsNoop() {
		return StepSkippedBlocked
	}
	if s.roleAlreadyRan(ht.host, task) {
		s.logger.Debug().Str("host", ht.host).Str("task", task.Name).Msg("Role already ran, skipping")
		return StepSkippedDedup
	}

	switch task.Action {
	case ActionMeta:
		s.executeMeta(ctx, ht.host, task)
		if task.MetaName == MetaEndPlay {
			return StepStopRound
		}
		return StepDispatched
	case ActionRegular:
		if !s.waitForCapacity(ctx, task) {
			return StepStopRound
		}
		if !s.dispatch(ctx, ht.host, task, true) {
			return StepStopRound
		}
		// run_once: the first host runs it, the others already moved past it
		if task.RunOnce {
			return StepStopRound
		}
		return StepDispatched
	default:
		s.violation(NewContractError("unknown action kind", nil).
			WithHost(ht.host).WithDetail("action", task.Action.String()))
		return StepStopRound
	}
}

// waitForCapacity blocks, draining results in the meantime, until the task's
// throttle and the worker pool both admit one more dispatch. It takes the
// pool slot on success.
func (s *LinearStrategy) waitForCapacity(ctx context.Context, task *Task) bool {
	for {
		if task.Throttle <= 0 || s.inflightFor(task.ID) < task.Throttle {
			if s.pool.TryAcquire() {
				return true
			}
		}
		if s.metrics != nil {
			s.metrics.RecordThrottled(string(s.name))
		}
		if s.stopRequested(ctx) {
			return false
		}
		if s.ProcessPending(ctx, 0) == 0 {
			s.pause(ctx)
		}
	}
}

// processFailures applies the fatal policy after a round. Once it tripped,
// every failed or unreachable host is excluded from further selection while
// the rest of the fleet keeps moving in lockstep. Hosts still inside rescue
// or always are not failed yet and finish those sections first.
func (s *LinearStrategy) processFailures(ctx context.Context) {
	s.checkFailures(ctx)
	if !s.isTripped() {
		return
	}
	for _, name := range s.excludeFailed() {
		s.logger.Warn().Str("host", name).Msg("Host excluded after fatal failure")
	}
}
