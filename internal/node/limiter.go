package node

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds the number of chunks in flight to one node.
//
// Every successful Acquire must be paired with exactly one Release, on every
// exit path of the send it guards.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

// NewLimiter creates a limiter with capacity permits.
func NewLimiter(capacity int) *Limiter {
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire blocks until a permit is free. It fails only when ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.inUse.Add(1)
	return nil
}

// Release returns one permit. Releasing more than was acquired panics.
func (l *Limiter) Release() {
	l.inUse.Add(-1)
	l.sem.Release(1)
}

// Capacity is the declared slot count.
func (l *Limiter) Capacity() int {
	return int(l.capacity)
}

// InUse is the number of permits currently held.
func (l *Limiter) InUse() int {
	return int(l.inUse.Load())
}

// Available is the number of permits that can be acquired right now.
func (l *Limiter) Available() int {
	return int(l.capacity - l.inUse.Load())
}
