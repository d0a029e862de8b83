// File: scheduler/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scheduler maps fibers and plain callbacks N:M onto a pool of worker
// threads. Wakeup, stop condition and idle behaviour are hooks so that the
// IOManager can replace them.

package scheduler

import (
	"context"
	"fmt"
	"iter"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/logging"
	"github.com/momentics/hioload-fiber/internal/thread"
)

// AnyThread lets a task run on whichever worker picks it up first.
const AnyThread = -1

var log = logging.Named("system")

// Task is a scheduled item: either a fiber to resume or a callback to run
// in a reusable per-thread fiber. Thread pins it to a worker; 0 and
// AnyThread mean any worker.
type Task struct {
	Fiber  *fiber.Fiber
	Func   fiber.Func
	Thread int
}

func (t Task) valid() bool { return t.Fiber != nil || t.Func != nil }

func (t Task) pinned() bool { return t.Thread > 0 }

// Hooks are the overridable parts of the run loop.
type Hooks interface {
	// Tickle wakes an idle worker, if any.
	Tickle()
	// Stopping reports whether the run loop may exit.
	Stopping() bool
	// Idle runs in the idle fiber whenever a worker finds no work. It must
	// yield to hold regularly and return once Stopping reports true.
	Idle(ctx context.Context)
}

// Scheduler is a fiber dispatcher backed by worker threads.
type Scheduler struct {
	name  string
	hooks Hooks
	owner any

	mu          sync.Mutex
	queue       deque.Deque[Task]
	threads     []*thread.Thread
	threadIDs   []int
	threadCount int

	active   atomic.Int32
	idle     atomic.Int32
	stopping atomic.Bool
	autoStop atomic.Bool
	stopped  atomic.Bool
	wake     chan struct{}

	rootThread int
	rootLocal  *fiber.Local
	rootFiber  *fiber.Fiber
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithHooks replaces the run-loop hooks. h also becomes the owner reported
// to fibers through FromContext, so it should embed or wrap the scheduler.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) {
		s.hooks = h
		s.owner = h
	}
}

// New creates a scheduler with threads workers. threads <= 0 selects
// runtime.NumCPU(). With useCaller the calling goroutine counts as one of
// the workers; it runs its share of the work inside Stop.
func New(threads int, useCaller bool, name string, opts ...Option) *Scheduler {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	s := &Scheduler{
		name:       name,
		wake:       make(chan struct{}, threads),
		rootThread: AnyThread,
	}
	s.hooks = s
	s.owner = s
	s.stopping.Store(true)
	for _, o := range opts {
		o(s)
	}

	if useCaller {
		threads--
		s.rootThread = thread.NextID()
		s.rootLocal = fiber.NewLocal(s.rootThread, name, s.owner)
		s.rootFiber = fiber.New(func(context.Context) {
			s.run(s.rootLocal)
		}, 0, true)
		s.threadIDs = append(s.threadIDs, s.rootThread)
	}
	s.threadCount = threads
	return s
}

// Name returns the scheduler name.
func (s *Scheduler) Name() string { return s.name }

// Base returns s. Types embedding a Scheduler inherit it, which lets
// FromContext recover the scheduler from any owner.
func (s *Scheduler) Base() *Scheduler { return s }

// CallerContext returns ctx bound to the caller thread of a use-caller
// scheduler. For other schedulers ctx is returned unchanged.
func (s *Scheduler) CallerContext(ctx context.Context) context.Context {
	if s.rootLocal == nil {
		return ctx
	}
	return s.rootLocal.Context(ctx)
}

// Schedule queues t. Invalid tasks are ignored.
func (s *Scheduler) Schedule(t Task) {
	s.mu.Lock()
	needTickle := s.scheduleLocked(t)
	s.mu.Unlock()
	if needTickle {
		s.hooks.Tickle()
	}
}

// ScheduleFunc queues fn on any thread.
func (s *Scheduler) ScheduleFunc(fn fiber.Func) {
	s.Schedule(Task{Func: fn})
}

// ScheduleFiber queues f on the given thread.
func (s *Scheduler) ScheduleFiber(f *fiber.Fiber, thread int) {
	s.Schedule(Task{Fiber: f, Thread: thread})
}

// ScheduleBatch queues every task of seq under a single lock.
func (s *Scheduler) ScheduleBatch(seq iter.Seq[Task]) {
	needTickle := false
	s.mu.Lock()
	for t := range seq {
		needTickle = s.scheduleLocked(t) || needTickle
	}
	s.mu.Unlock()
	if needTickle {
		s.hooks.Tickle()
	}
}

func (s *Scheduler) scheduleLocked(t Task) bool {
	if !t.valid() {
		return false
	}
	needTickle := s.queue.Len() == 0
	s.queue.PushBack(t)
	return needTickle
}

// Start launches the worker threads. It is a no-op on a running or
// stopped scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopping.Load() || s.stopped.Load() {
		return
	}
	s.stopping.Store(false)
	for i := 0; i < s.threadCount; i++ {
		th := thread.New(fmt.Sprintf("%s_%d", s.name, i), s.worker)
		s.threads = append(s.threads, th)
		s.threadIDs = append(s.threadIDs, th.ID())
	}
	log.Debug().Str("scheduler", s.name).Int("threads", s.threadCount).Msg("scheduler started")
}

// Stop waits until every queued task has run, then stops the workers. On a
// use-caller scheduler the calling goroutine works the queue until then.
func (s *Scheduler) Stop() {
	s.autoStop.Store(true)
	if s.rootFiber != nil && s.threadCount == 0 {
		if st := s.rootFiber.State(); st == fiber.TERM || st == fiber.INIT {
			s.stopping.Store(true)
			if s.hooks.Stopping() {
				s.finish()
				return
			}
		}
	}

	s.stopping.Store(true)
	for i := 0; i < s.threadCount; i++ {
		s.hooks.Tickle()
	}
	if s.rootFiber != nil {
		s.hooks.Tickle()
		if !s.hooks.Stopping() {
			s.rootFiber.Call(s.rootLocal)
		}
	}

	s.mu.Lock()
	threads := s.threads
	s.threads = nil
	s.mu.Unlock()
	for _, th := range threads {
		th.Join()
	}
	s.finish()
}

func (s *Scheduler) finish() {
	s.stopped.Store(true)
	log.Debug().Str("scheduler", s.name).Msg("scheduler stopped")
}

// Tickle wakes one idle worker. Nothing happens if no worker is idle.
func (s *Scheduler) Tickle() {
	if !s.HasIdleThreads() {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stopping reports whether Stop was requested and all work has drained.
func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping.Load() && s.autoStop.Load() && s.queue.Len() == 0 && s.active.Load() == 0
}

// IsStopping reports whether Stop was requested, regardless of pending work.
func (s *Scheduler) IsStopping() bool { return s.stopping.Load() }

// Idle parks the worker until it is tickled or the backoff elapses.
func (s *Scheduler) Idle(ctx context.Context) {
	t := time.NewTimer(idleBackoff)
	defer t.Stop()
	for !s.hooks.Stopping() {
		select {
		case <-s.wake:
		case <-t.C:
		}
		fiber.YieldToHold(ctx)
		t.Reset(idleBackoff)
	}
}

// HasIdleThreads reports whether any worker sits in its idle fiber.
func (s *Scheduler) HasIdleThreads() bool { return s.idle.Load() > 0 }

// ActiveThreads returns the number of workers running a task.
func (s *Scheduler) ActiveThreads() int { return int(s.active.Load()) }

// IdleThreads returns the number of workers in their idle fiber.
func (s *Scheduler) IdleThreads() int { return int(s.idle.Load()) }

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// SwitchTo moves the fiber running in ctx onto s, pinned to thread. It
// returns at once if the fiber already runs there.
func (s *Scheduler) SwitchTo(ctx context.Context, thread int) {
	f := fiber.Current(ctx)
	if f == nil || f.IsMain() {
		panic("scheduler: SwitchTo outside a fiber")
	}
	if cur, ok := FromContext(ctx); ok && cur == s {
		if thread <= 0 || thread == f.Local().ThreadID() {
			return
		}
	}
	s.ScheduleFiber(f, thread)
	f.YieldToHold()
}
