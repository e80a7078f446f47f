package engine

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// SemaphorePool is a WorkerPool backed by a weighted semaphore.
type SemaphorePool struct {
	sem  *semaphore.Weighted
	size int64
	used atomic.Int64
}

// NewWorkerPool creates a pool with size slots.
func NewWorkerPool(size int) *SemaphorePool {
	if size <= 0 {
		size = DefaultConcurrency
	}
	return &SemaphorePool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: int64(size),
	}
}

// Size returns the total number of slots.
func (p *SemaphorePool) Size() int {
	return int(p.size)
}

// FreeSlots returns the number of unused slots.
func (p *SemaphorePool) FreeSlots() int {
	return int(p.size - p.used.Load())
}

// Acquire blocks until a slot is available or ctx is done.
func (p *SemaphorePool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return NewThrottledError("worker pool acquire cancelled", err)
	}
	p.used.Add(1)
	return nil
}

// TryAcquire takes a slot if one is free.
func (p *SemaphorePool) TryAcquire() bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.used.Add(1)
	return true
}

// Release returns a slot.
func (p *SemaphorePool) Release() {
	p.used.Add(-1)
	p.sem.Release(1)
}
