// File: fiber/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fiber

import "context"

// fiberContextKey is the context key of the running fiber.
type fiberContextKey struct{}

// WithFiber returns a copy of ctx carrying f.
func WithFiber(ctx context.Context, f *Fiber) context.Context {
	return context.WithValue(ctx, fiberContextKey{}, f)
}

// FromContext returns the fiber carried by ctx.
func FromContext(ctx context.Context) (*Fiber, bool) {
	if ctx == nil {
		return nil, false
	}
	f, ok := ctx.Value(fiberContextKey{}).(*Fiber)
	return f, ok && f != nil
}

// Current returns the fiber carried by ctx or nil.
func Current(ctx context.Context) *Fiber {
	f, _ := FromContext(ctx)
	return f
}

// CurrentID returns the id of the fiber carried by ctx, 0 if there is none.
func CurrentID(ctx context.Context) uint64 {
	if f := Current(ctx); f != nil {
		return f.ID()
	}
	return 0
}

// LocalFromContext returns the thread context the current fiber runs on.
func LocalFromContext(ctx context.Context) *Local {
	if f := Current(ctx); f != nil {
		return f.Local()
	}
	return nil
}

// YieldToReady suspends the current fiber and asks to be re-queued.
func YieldToReady(ctx context.Context) {
	mustCurrent(ctx).YieldToReady()
}

// YieldToHold suspends the current fiber until someone schedules it again.
func YieldToHold(ctx context.Context) {
	mustCurrent(ctx).YieldToHold()
}

func mustCurrent(ctx context.Context) *Fiber {
	f := Current(ctx)
	if f == nil {
		panic("fiber: no fiber in context")
	}
	return f
}
