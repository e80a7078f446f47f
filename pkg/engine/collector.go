package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/fleetplay/pkg/engine"

// Deps are the collaborators a strategy runs against.
type Deps struct {
	// Tree is the plan with per-host cursors.
	Tree PlanTree

	// Dispatcher executes regular tasks.
	Dispatcher Dispatcher

	// Pool bounds concurrent dispatches. A pool of Settings.Concurrency slots is created when nil.
	Pool WorkerPool

	// Registry supplies the host snapshot.
	Registry HostRegistry

	// Publisher receives events (optional).
	Publisher EventPublisher

	// Metrics receives measurements (optional).
	Metrics MetricsRecorder

	// Logger is the parent logger.
	Logger zerolog.Logger
}

type includeRequest struct {
	host string
	ref  string
}

// base holds what the free and linear strategies share: the state, the
// collaborators and the result collector.
type base struct {
	*SchedulerState

	name       StrategyName
	tree       PlanTree
	dispatcher Dispatcher
	pool       WorkerPool
	publisher  EventPublisher
	metrics    MetricsRecorder
	logger     zerolog.Logger
	tracer     trace.Tracer

	// pending are the unresolved dispatch handles, in dispatch order.
	pending []*PendingResult

	// includes collects include requests until the end of the round.
	includes []includeRequest

	// contractErr is the first collaborator contract violation.
	contractErr error

	// warned records tasks a one-time warning was already logged for.
	warned map[string]bool

	round      int
	dispatched int
}

func newBase(name StrategyName, settings Settings, deps Deps) (*base, error) {
	if deps.Tree == nil || deps.Dispatcher == nil || deps.Registry == nil {
		return nil, NewPermanentError("plan tree, dispatcher and host registry are required", nil).
			WithCode(ErrCodeValidation)
	}
	st := NewSchedulerState(settings, deps.Tree, deps.Registry)
	pool := deps.Pool
	if pool == nil {
		pool = NewWorkerPool(st.settings.Concurrency)
	}
	return &base{
		SchedulerState: st,
		name:           name,
		tree:           deps.Tree,
		dispatcher:     deps.Dispatcher,
		pool:           pool,
		publisher:      deps.Publisher,
		metrics:        deps.Metrics,
		logger:         deps.Logger.With().Str("component", "scheduler").Str("strategy", string(name)).Logger(),
		tracer:         otel.Tracer(tracerName),
		warned:         make(map[string]bool),
	}, nil
}

// stopRequested reports whether dispatching must stop.
func (b *base) stopRequested(ctx context.Context) bool {
	return b.terminated.Load() || ctx.Err() != nil || b.contractErr != nil
}

// dispatch hands task to the dispatcher. Dispatched work ignores cancellation
// of ctx so that termination drains instead of abandoning tasks.
func (b *base) dispatch(ctx context.Context, host string, task *Task, slot bool) bool {
	b.setBlocked(host, true)
	b.taskStarted(task.ID)

	pr := b.dispatcher.Dispatch(context.WithoutCancel(ctx), host, task)
	if pr == nil {
		b.setBlocked(host, false)
		b.taskFinished(task.ID)
		if slot {
			b.pool.Release()
		}
		b.violation(NewContractError("dispatcher returned no pending result", nil).
			WithHost(host).WithOperation("dispatch"))
		return false
	}
	pr.slot = slot
	b.pending = append(b.pending, pr)
	b.dispatched++

	if b.metrics != nil {
		b.metrics.RecordDispatch(string(b.name), task.Module)
		b.metrics.SetInflight(string(b.name), len(b.pending))
	}
	b.logger.Debug().Str("host", host).Str("task", task.Name).Int("round", b.round).Msg("Dispatched task")
	b.publish(ctx, newEvent(EventTypeTaskDispatched, "info", host, task, "task dispatched"))
	return true
}

// ProcessPending handles up to maxPasses resolved results without blocking
// (0 handles every resolved result). It returns the number of worker slots freed.
func (b *base) ProcessPending(ctx context.Context, maxPasses int) int {
	freed := 0
	handled := 0
	kept := b.pending[:0]
	for _, pr := range b.pending {
		if (maxPasses > 0 && handled >= maxPasses) || !pr.Resolved() {
			kept = append(kept, pr)
			continue
		}
		handled++
		if pr.slot {
			freed++
		}
		b.processResult(ctx, pr)
	}
	for i := len(kept); i < len(b.pending); i++ {
		b.pending[i] = nil
	}
	b.pending = kept
	if handled > 0 && b.metrics != nil {
		b.metrics.SetInflight(string(b.name), len(b.pending))
	}
	return freed
}

// WaitOnPending blocks until every outstanding dispatch resolved and was processed.
func (b *base) WaitOnPending(ctx context.Context) int {
	freed := 0
	for len(b.pending) > 0 {
		<-b.pending[0].Done()
		freed += b.ProcessPending(ctx, 0)
	}
	return freed
}

func (b *base) processResult(ctx context.Context, pr *PendingResult) {
	host, task := pr.Host(), pr.Task()
	res := pr.Result()

	b.setBlocked(host, false)
	b.taskFinished(task.ID)
	if pr.slot {
		b.pool.Release()
	}
	if b.metrics != nil {
		b.metrics.RecordResult(string(b.name), res.Status(), res.Duration)
	}

	log := b.logger.With().Str("host", host).Str("task", task.Name).Logger()
	ev := newEvent(EventTypeTaskCompleted, "info", host, task, "task "+res.Status())
	ev.Result = &res

	switch {
	case res.Unreachable:
		b.markUnreachable(host)
		log.Warn().Err(res.Err).Msg("Host unreachable")
		ev.Type, ev.Level = EventTypeHostUnreachable, "error"
	case res.Failed && !task.IgnoreErrors:
		b.markHostFailed(host, task)
		log.Warn().Err(res.Err).Msg("Task failed")
		ev.Type, ev.Level = EventTypeTaskFailed, "error"
	default:
		if res.Failed {
			log.Info().Err(res.Err).Msg("Task failed, ignoring")
		}
		if res.Include != "" {
			b.includes = append(b.includes, includeRequest{host: host, ref: res.Include})
		}
	}
	ev.Round = b.round
	b.publish(ctx, ev)
}

func (b *base) markUnreachable(name string) {
	b.mu.Lock()
	if h, ok := b.hosts[name]; ok {
		h.Unreachable = true
		h.Failures++
	}
	b.status |= RunUnreachableHosts
	b.mu.Unlock()
}

// markHostFailed records a failure and moves the host's cursor into rescue or always.
func (b *base) markHostFailed(name string, task *Task) {
	b.tree.MarkFailed(name)

	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hosts[name]
	if !ok {
		return
	}
	h.Failures++
	if task != nil && task.AnyErrorsFatal {
		b.fatalHosts[name] = true
	}
	if b.tree.IsFailed(name) {
		h.Failed = true
		b.status |= RunFailedHosts
	}
}

// sweepFailed moves hosts whose failure was not rescued into the failed set.
// Hosts that failed into an always section only count once it finished.
func (b *base) sweepFailed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, h := range b.hosts {
		if h.Failed || h.Failures == 0 || h.Unreachable {
			continue
		}
		if b.tree.IsFailed(name) {
			h.Failed = true
			b.status |= RunFailedHosts
		}
	}
}

// checkFailures sweeps failed hosts and applies the fatal policy. It returns
// true the first time the policy trips.
func (b *base) checkFailures(ctx context.Context) bool {
	b.sweepFailed()
	if !b.checkFailPercent() {
		return false
	}
	if !b.trip() {
		return false
	}
	if b.metrics != nil {
		b.metrics.RecordFatal(string(b.name))
	}
	b.logger.Error().Int("round", b.round).Msg("Fatal failure policy tripped")
	b.publish(ctx, newEvent(EventTypeFatal, "error", "", nil, "play aborted due to fatal failure"))
	return true
}

// executeMeta resolves a meta task synchronously on the scheduler goroutine.
func (b *base) executeMeta(ctx context.Context, host string, task *Task) {
	started := time.Now()
	switch task.MetaName {
	case MetaNoop:
	case MetaRoleComplete:
		b.markRoleDone(host, task.RoleID)
	case MetaEndHost:
		b.tree.EndHost(host)
	case MetaEndPlay:
		for _, name := range b.order {
			b.tree.EndHost(name)
		}
	case MetaClearHostErrors:
		b.tree.ClearFailure(host)
		b.mu.Lock()
		if h, ok := b.hosts[host]; ok {
			h.Failed = false
			h.Failures = 0
			delete(b.fatalHosts, host)
		}
		b.mu.Unlock()
	default:
		b.warnOnce(task.ID, fmt.Sprintf("unknown meta action %q treated as noop", task.MetaName))
	}
	b.setBlocked(host, false)

	res := TaskResult{IsMeta: true, StartedAt: started, Duration: time.Since(started)}
	ev := newEvent(EventTypeTaskCompleted, "info", host, task, "meta "+task.MetaName)
	ev.Result = &res
	ev.Round = b.round
	b.publish(ctx, ev)
}

// applyIncludes hands collected include sets to their hosts. With noopOthers
// every other live host receives a noop clone to stay in step.
func (b *base) applyIncludes(noopOthers bool, live []*Host) {
	if len(b.includes) == 0 {
		return
	}
	var refs []string
	byRef := make(map[string]map[string]bool)
	for _, req := range b.includes {
		if byRef[req.ref] == nil {
			byRef[req.ref] = make(map[string]bool)
			refs = append(refs, req.ref)
		}
		byRef[req.ref][req.host] = true
	}
	b.includes = b.includes[:0]

	for _, ref := range refs {
		including := byRef[ref]
		for _, name := range b.order {
			if including[name] {
				if err := b.tree.Include(name, ref, false); err != nil {
					b.logger.Error().Err(err).Str("host", name).Str("include", ref).Msg("Include failed")
					b.markHostFailed(name, nil)
				}
			}
		}
		if !noopOthers {
			continue
		}
		for _, h := range live {
			if including[h.Name] {
				continue
			}
			if err := b.tree.Include(h.Name, ref, true); err != nil {
				b.violation(NewContractError("noop include failed", err).
					WithHost(h.Name).WithCode(ErrCodeInclude).WithDetail("include", ref))
			}
		}
	}
}

// violation records a contract violation. The strategy stops after draining.
func (b *base) violation(err error) {
	if b.contractErr == nil {
		b.contractErr = err
	}
	b.orStatus(RunUnknownError)
	b.logger.Error().Err(err).Msg("Scheduler contract violation")
}

func (b *base) warnOnce(key, msg string) {
	if b.warned[key] {
		return
	}
	b.warned[key] = true
	b.logger.Warn().Msg(msg)
	b.publish(context.Background(), newEvent(EventTypeWarning, "warning", "", nil, msg))
}

func (b *base) publish(ctx context.Context, ev *Event) {
	if b.publisher == nil {
		return
	}
	if err := b.publisher.Publish(ctx, ev); err != nil {
		b.logger.Debug().Err(err).Str("event", string(ev.Type)).Msg("Failed to publish event")
	}
}

// pause sleeps for the poll interval or until ctx is done.
func (b *base) pause(ctx context.Context) {
	t := time.NewTimer(b.settings.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (b *base) startRound(ctx context.Context) (context.Context, trace.Span, time.Time) {
	b.round++
	ctx, span := b.tracer.Start(ctx, "scheduler.round",
		trace.WithAttributes(
			attribute.String("strategy", string(b.name)),
			attribute.Int("round", b.round),
		))
	return ctx, span, time.Now()
}

func (b *base) endRound(span trace.Span, started time.Time, dispatched int) {
	span.SetAttributes(attribute.Int("dispatched", dispatched))
	span.End()
	if b.metrics != nil {
		b.metrics.RecordRound(string(b.name), dispatched, time.Since(started))
	}
}

func (b *base) startPlay(ctx context.Context) (context.Context, trace.Span) {
	ctx, span := b.tracer.Start(ctx, "scheduler.play",
		trace.WithAttributes(
			attribute.String("strategy", string(b.name)),
			attribute.Int("hosts", len(b.order)),
			attribute.Int("concurrency", b.pool.Size()),
		))
	b.logger.Info().Int("hosts", len(b.order)).Int("concurrency", b.pool.Size()).Msg("Play started")
	b.publish(ctx, newEvent(EventTypePlayStarted, "info", "", nil, "play started"))
	return ctx, span
}

// finish drains outstanding work and builds the play result.
func (b *base) finish(ctx context.Context, span trace.Span, started time.Time) (*PlayResult, error) {
	b.WaitOnPending(ctx)
	b.checkFailures(ctx)

	if b.terminated.Load() || ctx.Err() != nil {
		b.logger.Warn().Msg("Play terminated before completion")
	}

	res := &PlayResult{
		Status:      b.Status(),
		Failed:      b.sortedNames(func(h *Host) bool { return h.Failed }),
		Unreachable: b.sortedNames(func(h *Host) bool { return h.Unreachable }),
		Rounds:      b.round,
		Dispatched:  b.dispatched,
		Duration:    time.Since(started),
	}

	span.SetAttributes(
		attribute.String("status", res.Status.String()),
		attribute.Int("rounds", res.Rounds),
		attribute.Int("dispatched", res.Dispatched),
	)
	if b.contractErr != nil {
		span.RecordError(b.contractErr)
		span.SetStatus(codes.Error, b.contractErr.Error())
	} else if res.Status.Outcome() == OutcomeAborted {
		span.SetStatus(codes.Error, "play aborted")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	level := "info"
	if res.Status != RunOK {
		level = "error"
	}
	ev := newEvent(EventTypePlayCompleted, level, "", nil, "play "+string(res.Status.Outcome()))
	ev.Round = b.round
	b.publish(ctx, ev)

	b.logger.Info().
		Str("status", res.Status.String()).
		Int("rounds", res.Rounds).
		Int("dispatched", res.Dispatched).
		Strs("failed", res.Failed).
		Strs("unreachable", res.Unreachable).
		Dur("duration", res.Duration).
		Msg("Play finished")

	return res, b.contractErr
}
