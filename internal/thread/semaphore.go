// File: internal/thread/semaphore.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Counting semaphore that blocks the calling goroutine (and its OS thread).
// Fibers must use scheduler.FiberSemaphore instead.

package thread

import (
	"context"

	"golang.org/x/sync/semaphore"
)

const semaphoreLimit = 1 << 30

// Semaphore is a thread-blocking counting semaphore.
type Semaphore struct {
	w *semaphore.Weighted
}

// NewSemaphore creates a semaphore holding count permits.
func NewSemaphore(count uint32) *Semaphore {
	w := semaphore.NewWeighted(semaphoreLimit)
	if !w.TryAcquire(semaphoreLimit - int64(count)) {
		panic("thread: semaphore initialisation failed")
	}
	return &Semaphore{w: w}
}

// Wait takes one permit, blocking until it is available.
func (s *Semaphore) Wait() {
	// Acquire on context.Background never fails.
	_ = s.w.Acquire(context.Background(), 1)
}

// WaitContext takes one permit or gives up when ctx is done.
func (s *Semaphore) WaitContext(ctx context.Context) error {
	return s.w.Acquire(ctx, 1)
}

// TryWait takes one permit if it is immediately available.
func (s *Semaphore) TryWait() bool {
	return s.w.TryAcquire(1)
}

// Notify returns one permit.
func (s *Semaphore) Notify() {
	s.w.Release(1)
}
