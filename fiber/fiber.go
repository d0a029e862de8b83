// File: fiber/fiber.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fiber is a cooperatively scheduled coroutine. Execution is transferred with
// SwapIn (resume, called by a worker) and SwapOut (suspend, called by the
// fiber itself). The coroutine stack is a goroutine stack owned by the fiber.

package fiber

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/webriots/coro"

	"github.com/momentics/hioload-fiber/internal/logging"
)

// DefaultStackSize is used when neither the caller nor configuration set one.
const DefaultStackSize uint32 = 1024 * 1024

var (
	log = logging.Named("system")

	lastID       atomic.Uint64
	liveCount    atomic.Int64
	panicCount   atomic.Uint64
	defaultStack atomic.Uint32
)

func init() {
	defaultStack.Store(DefaultStackSize)
}

// SetDefaultStackSize changes the stack size given to fibers created with 0.
// Zero restores DefaultStackSize.
func SetDefaultStackSize(n uint32) {
	if n == 0 {
		n = DefaultStackSize
	}
	defaultStack.Store(n)
}

// DefaultStack returns the current default stack size.
func DefaultStack() uint32 { return defaultStack.Load() }

// Live returns the number of fibers that have not reached a terminal state.
func Live() int64 { return liveCount.Load() }

// Panics returns how many fiber callbacks have panicked.
func Panics() uint64 { return panicCount.Load() }

// Func is the body of a fiber. ctx carries the fiber itself.
type Func func(ctx context.Context)

// Fiber is a stack-switched unit of work.
type Fiber struct {
	id        uint64
	stackSize uint32
	useCaller bool
	main      bool
	state     atomic.Int32
	cb        Func
	err       error

	resume  func(struct{}) (struct{}, bool)
	cancel  func()
	suspend func() struct{}

	// switchMu is held for the whole duration of a resume so a second
	// thread cannot enter the fiber before it has fully switched out.
	switchMu sync.Mutex
	local    atomic.Pointer[Local]
}

// New creates a fiber running cb. stackSize 0 selects the default size.
// useCaller marks the per-thread scheduler fiber driven by Call/Back.
func New(cb Func, stackSize uint32, useCaller bool) *Fiber {
	if cb == nil {
		panic("fiber: nil callback")
	}
	if stackSize == 0 {
		stackSize = DefaultStack()
	}
	f := &Fiber{
		id:        lastID.Add(1),
		stackSize: stackSize,
		useCaller: useCaller,
		cb:        cb,
	}
	f.arm()
	liveCount.Add(1)
	return f
}

// newMain creates the stackless fiber that stands for a thread's own stack.
func newMain(l *Local) *Fiber {
	f := &Fiber{main: true}
	f.state.Store(int32(EXEC))
	f.local.Store(l)
	return f
}

func (f *Fiber) arm() {
	f.resume, f.cancel = coro.New(func(_ func(struct{}) struct{}, suspend func() struct{}) (z struct{}) {
		f.suspend = suspend
		f.trampoline()
		return
	})
}

// trampoline runs the callback and converts its outcome into TERM or EXCEPT.
// Returning from it ends the coroutine, which is the final switch out.
func (f *Fiber) trampoline() {
	defer liveCount.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			f.err = fmt.Errorf("fiber %d: panic: %v", f.id, r)
			f.cb = nil
			f.setState(EXCEPT)
			panicCount.Add(1)
			log.Error().
				Uint64("fiber", f.id).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("fiber exception")
		}
	}()

	cb := f.cb
	cb(WithFiber(context.Background(), f))
	f.cb = nil
	f.setState(TERM)
}

// ID returns the fiber id. Thread-main fibers have id 0.
func (f *Fiber) ID() uint64 { return f.id }

// StackSize returns the stack size the fiber was created with.
func (f *Fiber) StackSize() uint32 { return f.stackSize }

// State returns the current state.
func (f *Fiber) State() State { return State(f.state.Load()) }

func (f *Fiber) setState(s State) { f.state.Store(int32(s)) }

// Err returns the recovered panic of an EXCEPT fiber.
func (f *Fiber) Err() error { return f.err }

// IsMain reports whether f is a thread-main fiber.
func (f *Fiber) IsMain() bool { return f.main }

// Local returns the thread context f last ran on.
func (f *Fiber) Local() *Local { return f.local.Load() }

// Reset reuses the fiber for cb. Only legal in INIT, TERM or EXCEPT.
func (f *Fiber) Reset(cb Func) {
	if f.main {
		panic("fiber: reset of a thread-main fiber")
	}
	if cb == nil {
		panic("fiber: nil callback")
	}
	f.switchMu.Lock()
	defer f.switchMu.Unlock()

	switch st := f.State(); st {
	case INIT:
		f.cancel()
	case TERM, EXCEPT:
		liveCount.Add(1)
	default:
		panic(fmt.Sprintf("fiber: reset of fiber %d in state %s", f.id, st))
	}
	f.cb = cb
	f.err = nil
	f.arm()
	f.setState(INIT)
}

// SwapIn runs the fiber on the thread described by l until it switches out,
// and returns the state it switched out with.
func (f *Fiber) SwapIn(l *Local) State {
	return f.enter(l)
}

// Call is SwapIn for the use-caller scheduler fiber, which switches back to
// the thread-main fiber of the constructing thread.
func (f *Fiber) Call(l *Local) State {
	if !f.useCaller {
		panic(fmt.Sprintf("fiber: call on fiber %d not created with use-caller", f.id))
	}
	return f.enter(l)
}

func (f *Fiber) enter(l *Local) State {
	if f.main {
		panic("fiber: swap into a thread-main fiber")
	}
	if l != nil && l.Running() == f {
		panic(fmt.Sprintf("fiber: fiber %d resumed from itself", f.id))
	}

	f.switchMu.Lock()
	defer f.switchMu.Unlock()

	st := f.State()
	if st == EXEC {
		panic(fmt.Sprintf("fiber: fiber %d is already running", f.id))
	}
	if st.Done() {
		return st
	}

	var prev *Fiber
	if l != nil {
		prev = l.swapRunning(f)
	}
	f.local.Store(l)
	f.setState(EXEC)
	f.resume(struct{}{})
	if l != nil {
		l.swapRunning(prev)
	}
	// a bare SwapOut leaves the fiber parked
	if f.State() == EXEC {
		f.setState(HOLD)
	}
	return f.State()
}

// SwapOut returns control to whoever swapped the fiber in. It must be called
// from inside the fiber.
func (f *Fiber) SwapOut() {
	f.mustStackful()
	f.suspend()
}

func (f *Fiber) mustStackful() {
	if f.main || f.suspend == nil {
		panic("fiber: yield from a thread-main fiber")
	}
}

// Back is SwapOut for the use-caller scheduler fiber.
func (f *Fiber) Back() {
	f.SwapOut()
}

// YieldToReady marks the fiber READY and switches out.
func (f *Fiber) YieldToReady() {
	f.mustStackful()
	f.setState(READY)
	f.SwapOut()
}

// YieldToHold marks the fiber HOLD and switches out.
func (f *Fiber) YieldToHold() {
	f.mustStackful()
	f.setState(HOLD)
	f.SwapOut()
}

func (f *Fiber) String() string {
	return fmt.Sprintf("fiber(%d %s)", f.id, f.State())
}
