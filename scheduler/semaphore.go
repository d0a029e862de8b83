// File: scheduler/semaphore.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// FiberSemaphore parks the waiting fiber instead of its thread.

package scheduler

import (
	"context"
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
)

type waiter struct {
	sched *Scheduler
	fiber *fiber.Fiber
}

// FiberSemaphore is a counting semaphore for fibers.
type FiberSemaphore struct {
	mu          sync.Mutex
	waiters     *queue.Queue
	concurrency int
}

// NewFiberSemaphore creates a semaphore with n permits.
func NewFiberSemaphore(n int) *FiberSemaphore {
	return &FiberSemaphore{waiters: queue.New(), concurrency: n}
}

// TryWait takes a permit without blocking.
func (s *FiberSemaphore) TryWait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.concurrency > 0 {
		s.concurrency--
		return true
	}
	return false
}

// Wait takes a permit, holding the current fiber until Notify hands one
// over. ctx must come from a fiber running under a scheduler.
func (s *FiberSemaphore) Wait(ctx context.Context) error {
	f := fiber.Current(ctx)
	sched, ok := FromContext(ctx)
	if f == nil || f.IsMain() || !ok {
		return api.ErrNoFiber
	}

	s.mu.Lock()
	if s.concurrency > 0 {
		s.concurrency--
		s.mu.Unlock()
		return nil
	}
	s.waiters.Add(waiter{sched: sched, fiber: f})
	s.mu.Unlock()

	f.YieldToHold()
	return nil
}

// Notify releases a permit, waking the oldest waiter if there is one.
func (s *FiberSemaphore) Notify() {
	s.mu.Lock()
	if s.waiters.Length() == 0 {
		s.concurrency++
		s.mu.Unlock()
		return
	}
	w := s.waiters.Remove().(waiter)
	s.mu.Unlock()
	w.sched.ScheduleFiber(w.fiber, AnyThread)
}

// Concurrency returns the number of free permits.
func (s *FiberSemaphore) Concurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrency
}

// Reset drops all free permits.
func (s *FiberSemaphore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.concurrency = 0
}

// Waiters returns the number of parked fibers.
func (s *FiberSemaphore) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Length()
}
