package fiber

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiber_HoldResumeTerm(t *testing.T) {
	l := NewLocal(1, "test_0", nil)
	var steps []string
	f := New(func(ctx context.Context) {
		steps = append(steps, "first")
		YieldToHold(ctx)
		steps = append(steps, "second")
	}, 0, false)

	require.Equal(t, INIT, f.State())
	assert.Equal(t, DefaultStack(), f.StackSize())

	assert.Equal(t, HOLD, f.SwapIn(l))
	assert.Equal(t, []string{"first"}, steps)
	assert.Same(t, l.Main(), l.Running(), "running fiber restored after switch out")

	assert.Equal(t, TERM, f.SwapIn(l))
	assert.Equal(t, []string{"first", "second"}, steps)
	assert.Nil(t, f.cb, "callback released on termination")

	// resuming a finished fiber is a no-op
	assert.Equal(t, TERM, f.SwapIn(l))
}

func TestFiber_YieldToReady(t *testing.T) {
	l := NewLocal(1, "test_0", nil)
	f := New(func(ctx context.Context) {
		YieldToReady(ctx)
	}, 0, false)
	assert.Equal(t, READY, f.SwapIn(l))
	assert.Equal(t, TERM, f.SwapIn(l))
}

func TestFiber_ContextCarriesFiberAndLocal(t *testing.T) {
	l := NewLocal(7, "test_7", "owner")
	var got *Fiber
	var gotLocal *Local
	f := New(func(ctx context.Context) {
		got = Current(ctx)
		gotLocal = LocalFromContext(ctx)
	}, 4096, false)
	f.SwapIn(l)
	assert.Same(t, f, got)
	assert.Same(t, l, gotLocal)
	assert.Equal(t, 7, gotLocal.ThreadID())
	assert.Equal(t, "owner", gotLocal.Owner())
	assert.EqualValues(t, 4096, f.StackSize())
}

func TestFiber_PanicBecomesExcept(t *testing.T) {
	l := NewLocal(1, "test_0", nil)
	before := Panics()
	f := New(func(context.Context) {
		panic("boom")
	}, 0, false)
	assert.Equal(t, EXCEPT, f.SwapIn(l))
	require.Error(t, f.Err())
	assert.Contains(t, f.Err().Error(), "boom")
	assert.Equal(t, before+1, Panics())
}

func TestFiber_ResumeSelfIsRejected(t *testing.T) {
	l := NewLocal(1, "test_0", nil)
	var self *Fiber
	self = New(func(context.Context) {
		self.SwapIn(l)
	}, 0, false)
	assert.Equal(t, EXCEPT, self.SwapIn(l))
	assert.Contains(t, self.Err().Error(), "resumed from itself")
}

func TestFiber_Reset(t *testing.T) {
	l := NewLocal(1, "test_0", nil)
	n := 0
	f := New(func(ctx context.Context) {
		n++
		YieldToHold(ctx)
	}, 0, false)
	require.Equal(t, HOLD, f.SwapIn(l))
	assert.Panics(t, func() { f.Reset(func(context.Context) {}) }, "reset of a held fiber")

	require.Equal(t, TERM, f.SwapIn(l))
	id := f.ID()
	f.Reset(func(context.Context) { n += 10 })
	assert.Equal(t, INIT, f.State())
	assert.Equal(t, TERM, f.SwapIn(l))
	assert.Equal(t, 11, n)
	assert.Equal(t, id, f.ID(), "reset keeps identity")

	// INIT fibers can be reset before they ever ran
	f.Reset(func(context.Context) { n = -1 })
	f.Reset(func(context.Context) { n = 100 })
	f.SwapIn(l)
	assert.Equal(t, 100, n)
}

func TestFiber_MainFiberGuards(t *testing.T) {
	l := NewLocal(1, "test_0", nil)
	ctx := l.Context(context.Background())
	assert.True(t, Current(ctx).IsMain())
	assert.Equal(t, EXEC, l.Main().State())
	assert.Panics(t, func() { YieldToHold(ctx) })
	assert.Panics(t, func() { l.Main().SwapIn(l) })
	assert.Panics(t, func() { l.Main().Reset(func(context.Context) {}) })
	assert.Equal(t, EXEC, l.Main().State())
	assert.Zero(t, CurrentID(context.Background()))
}

func TestFiber_CallBack(t *testing.T) {
	l := NewLocal(1, "root", nil)
	var root *Fiber
	root = New(func(ctx context.Context) {
		root.Back()
	}, 0, true)
	assert.Equal(t, HOLD, root.Call(l), "back parks the fiber")

	plain := New(func(context.Context) {}, 0, false)
	assert.Panics(t, func() { plain.Call(l) })
}

func TestFiber_LiveCount(t *testing.T) {
	l := NewLocal(1, "test_0", nil)
	before := Live()
	f := New(func(context.Context) {}, 0, false)
	assert.Equal(t, before+1, Live())
	f.SwapIn(l)
	assert.Equal(t, before, Live())
}

func TestSetDefaultStackSize(t *testing.T) {
	defer SetDefaultStackSize(0)
	SetDefaultStackSize(64 * 1024)
	f := New(func(context.Context) {}, 0, false)
	assert.EqualValues(t, 64*1024, f.StackSize())
	SetDefaultStackSize(0)
	assert.Equal(t, DefaultStackSize, DefaultStack())
}
