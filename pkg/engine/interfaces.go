package engine

import (
	"context"
	"sync"
	"time"
)

// PlanTree exposes the per-host cursors of a play's plan.
type PlanTree interface {
	// PeekNextTask returns the host's next task without moving the cursor.
	// A nil task means the host has nothing left to run.
	PeekNextTask(host string) (RunState, BlockPath, *Task)

	// AdvanceTask moves the cursor past the task PeekNextTask would return and returns it.
	AdvanceTask(host string) (RunState, BlockPath, *Task)

	// MarkFailed records a failure, moving the host into rescue or always when present.
	MarkFailed(host string)

	// IsFailed reports whether the host failed without being rescued.
	IsFailed(host string) bool

	// ClearFailure forgets recorded failures for the host.
	ClearFailure(host string)

	// EndHost completes the host's cursor immediately.
	EndHost(host string)

	// Include splices the named include set into the host's cursor.
	// With asNoop the host receives a noop clone preserving the block shape.
	Include(host, ref string, asNoop bool) error
}

// Dispatcher executes tasks asynchronously. Dispatch must never block; the
// returned handle resolves once the task ran to completion or timed out.
type Dispatcher interface {
	Dispatch(ctx context.Context, host string, task *Task) *PendingResult
}

// WorkerPool bounds the number of concurrent dispatches.
type WorkerPool interface {
	// Size returns the total number of slots.
	Size() int

	// FreeSlots returns the number of currently unused slots.
	FreeSlots() int

	// Acquire blocks until a slot is available or ctx is done.
	Acquire(ctx context.Context) error

	// TryAcquire takes a slot if one is free.
	TryAcquire() bool

	// Release returns a slot.
	Release()
}

// HostRegistry provides the hosts eligible for the current play.
type HostRegistry interface {
	// HostsLeft returns a fresh snapshot of host names.
	HostsLeft() []string
}

// EventPublisher receives scheduler events. Publish must not block for long.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives scheduler measurements.
type MetricsRecorder interface {
	RecordDispatch(strategy, module string)
	RecordResult(strategy, status string, d time.Duration)
	RecordThrottled(strategy string)
	RecordRound(strategy string, dispatched int, d time.Duration)
	SetInflight(strategy string, n int)
	RecordFatal(strategy string)
}

// PendingResult is the handle for one in-flight dispatch.
type PendingResult struct {
	host   string
	task   *Task
	done   chan struct{}
	once   sync.Once
	result TaskResult

	// slot is set when the dispatch holds a worker pool slot.
	slot bool
}

// NewPendingResult creates an unresolved handle for host and task.
func NewPendingResult(host string, task *Task) *PendingResult {
	return &PendingResult{host: host, task: task, done: make(chan struct{})}
}

// Resolve stores the result and wakes waiters. Only the first call has effect.
func (p *PendingResult) Resolve(r TaskResult) {
	p.once.Do(func() {
		p.result = r
		close(p.done)
	})
}

// Done is closed once the result is available.
func (p *PendingResult) Done() <-chan struct{} {
	return p.done
}

// Resolved reports without blocking whether the result is available.
func (p *PendingResult) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result returns the resolved result. It must only be called after Done is closed.
func (p *PendingResult) Result() TaskResult {
	return p.result
}

// Host returns the host the task was dispatched to.
func (p *PendingResult) Host() string {
	return p.host
}

// Task returns the dispatched task.
func (p *PendingResult) Task() *Task {
	return p.task
}
