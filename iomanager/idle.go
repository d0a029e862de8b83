// File: iomanager/idle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package iomanager

import (
	"context"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/reactor"
	"github.com/momentics/hioload-fiber/scheduler"
	"github.com/momentics/hioload-fiber/timer"
)

// Idle waits in the reactor until the next timer deadline (clamped to the
// max timeout), schedules expired timers and ready waiters, then yields.
func (m *IOManager) Idle(ctx context.Context) {
	ready := make([]reactor.Ready, maxEvents)
	var cbs []func()
	for {
		next, stop := m.stopping()
		if stop {
			log.Info().Str("iomanager", m.Name()).Msg("idle stopping")
			return
		}

		timeout := m.maxTimeout.Load()
		if next != timer.Infinite && next < uint64(timeout) {
			timeout = int64(next)
		}
		n, err := m.reactor.Wait(ready, int(timeout))
		if err != nil {
			log.Error().Err(err).Str("iomanager", m.Name()).Msg("reactor wait")
			if errors.Is(err, api.ErrReactorClosed) {
				return
			}
		}

		cbs = m.ListExpired(cbs[:0])
		if len(cbs) > 0 {
			m.ScheduleBatch(timerTasks(cbs))
			clear(cbs)
		}

		for _, r := range ready[:n] {
			m.dispatch(r)
		}
		fiber.YieldToHold(ctx)
	}
}

func timerTasks(cbs []func()) func(yield func(scheduler.Task) bool) {
	return func(yield func(scheduler.Task) bool) {
		for _, cb := range cbs {
			if !yield(scheduler.Task{Func: func(context.Context) { cb() }}) {
				return
			}
		}
	}
}

// dispatch fires the waiters of the directions that became ready.
func (m *IOManager) dispatch(r reactor.Ready) {
	c := m.lookup(r.Fd)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	fired := r.Events & (Read | Write)
	if r.Events&(reactor.EventError|reactor.EventHangup) != 0 {
		fired |= (Read | Write) & c.events
	}
	fired &= c.events
	if fired == None {
		return
	}
	if err := m.rearm(c, c.events&^fired); err != nil {
		return
	}
	for _, ev := range [...]Event{Read, Write} {
		if fired&ev != None {
			c.trigger(ev)
			m.pending.Add(-1)
		}
	}
}
