// File: scheduler/run.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-worker dispatch loop.

package scheduler

import (
	"time"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/thread"
)

// idleBackoff bounds how long the base idle fiber sleeps between queue
// checks when no tickle arrives.
const idleBackoff = time.Millisecond

func (s *Scheduler) worker(th *thread.Thread) {
	s.run(fiber.NewLocal(th.ID(), th.Name(), s.owner))
}

func (s *Scheduler) run(l *fiber.Local) {
	l.SetHookEnabled(true)
	defer l.SetHookEnabled(false)

	tid := l.ThreadID()
	idle := fiber.New(s.hooks.Idle, 0, false)
	var cb *fiber.Fiber

	for {
		task, found, tickle := s.take(tid)
		if tickle {
			s.hooks.Tickle()
		}

		switch {
		case found && task.Fiber != nil:
			st := task.Fiber.SwapIn(l)
			s.active.Add(-1)
			if st == fiber.READY {
				s.Schedule(task)
			}

		case found:
			if cb == nil {
				cb = fiber.New(task.Func, 0, false)
			} else {
				cb.Reset(task.Func)
			}
			st := cb.SwapIn(l)
			s.active.Add(-1)
			switch st {
			case fiber.READY:
				s.Schedule(Task{Fiber: cb, Thread: task.Thread})
				cb = nil
			case fiber.TERM, fiber.EXCEPT:
				// reused by the next callback
			default:
				cb = nil
			}

		default:
			if idle.State().Done() {
				log.Info().Str("scheduler", s.name).Int("tid", tid).Msg("idle fiber term")
				return
			}
			s.idle.Add(1)
			idle.SwapIn(l)
			s.idle.Add(-1)
		}
	}
}

// take removes the first task runnable on thread tid. tickle reports that
// other workers should look at the queue too.
func (s *Scheduler) take(tid int) (task Task, found, tickle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.queue.Len(); i++ {
		t := s.queue.At(i)
		if t.pinned() && t.Thread != tid {
			tickle = true
			continue
		}
		if t.Fiber != nil && t.Fiber.State() == fiber.EXEC {
			continue
		}
		s.queue.Remove(i)
		s.active.Add(1)
		return t, true, tickle || i < s.queue.Len()
	}
	return Task{}, false, tickle
}
