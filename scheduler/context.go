// File: scheduler/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scheduler

import (
	"context"

	"github.com/momentics/hioload-fiber/fiber"
)

// baser is implemented by Scheduler and every type embedding it.
type baser interface {
	Base() *Scheduler
}

// FromContext returns the scheduler driving the thread the fiber in ctx
// runs on.
func FromContext(ctx context.Context) (*Scheduler, bool) {
	l := fiber.LocalFromContext(ctx)
	if l == nil {
		return nil, false
	}
	b, ok := l.Owner().(baser)
	if !ok {
		return nil, false
	}
	return b.Base(), true
}

// OwnerFromContext returns the hooks object that owns the current thread,
// for example an IOManager.
func OwnerFromContext(ctx context.Context) any {
	if l := fiber.LocalFromContext(ctx); l != nil {
		return l.Owner()
	}
	return nil
}

// MainFiber returns the thread-main fiber of the thread running ctx.
func MainFiber(ctx context.Context) *fiber.Fiber {
	if l := fiber.LocalFromContext(ctx); l != nil {
		return l.Main()
	}
	return nil
}
