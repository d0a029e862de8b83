// File: iomanager/fdcontext.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-fd waiter records. Each direction holds at most one waiter: a fiber to
// resume or a callback to schedule, plus the scheduler to hand it to.

package iomanager

import (
	"sync"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/scheduler"
)

type eventContext struct {
	sched *scheduler.Scheduler
	fiber *fiber.Fiber
	fn    fiber.Func
}

type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventContext
	write  eventContext
}

func (c *fdContext) context(ev Event) *eventContext {
	switch ev {
	case Read:
		return &c.read
	case Write:
		return &c.write
	}
	panic("iomanager: no context for event " + ev.String())
}

// trigger disarms ev and hands its waiter to the owning scheduler.
// c.mu must be held.
func (c *fdContext) trigger(ev Event) {
	c.events &^= ev
	ec := c.context(ev)
	if ec.fn != nil {
		ec.sched.ScheduleFunc(ec.fn)
	} else if ec.fiber != nil {
		ec.sched.ScheduleFiber(ec.fiber, scheduler.AnyThread)
	}
	*ec = eventContext{}
}

// reset drops the waiter of ev without scheduling it. c.mu must be held.
func (c *fdContext) reset(ev Event) {
	*c.context(ev) = eventContext{}
}
