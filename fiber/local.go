// File: fiber/local.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Local is the explicit per-thread runtime context. A worker creates one at
// startup and hands it to every SwapIn; fibers reach it through their context.

package fiber

import (
	"context"
	"sync/atomic"
)

// Local holds what a C runtime would keep in thread-local storage.
type Local struct {
	threadID int
	name     string
	owner    any
	main     *Fiber
	running  atomic.Pointer[Fiber]
	hook     atomic.Bool
}

// NewLocal creates the context of thread threadID owned by owner (normally
// the scheduler driving the thread). It also creates the thread-main fiber.
func NewLocal(threadID int, name string, owner any) *Local {
	l := &Local{threadID: threadID, name: name, owner: owner}
	l.main = newMain(l)
	l.running.Store(l.main)
	return l
}

// ThreadID returns the id of the thread this context belongs to.
func (l *Local) ThreadID() int { return l.threadID }

// Name returns the thread name.
func (l *Local) Name() string { return l.name }

// Owner returns the scheduler that drives the thread.
func (l *Local) Owner() any { return l.owner }

// Main returns the thread-main fiber.
func (l *Local) Main() *Fiber { return l.main }

// Running returns the fiber currently executing on the thread.
func (l *Local) Running() *Fiber { return l.running.Load() }

func (l *Local) swapRunning(f *Fiber) *Fiber { return l.running.Swap(f) }

// HookEnabled reports whether blocking calls are intercepted on the thread.
func (l *Local) HookEnabled() bool { return l.hook.Load() }

// SetHookEnabled toggles interception for the thread.
func (l *Local) SetHookEnabled(on bool) { l.hook.Store(on) }

// Context returns ctx carrying the thread-main fiber.
func (l *Local) Context(ctx context.Context) context.Context {
	return WithFiber(ctx, l.main)
}
