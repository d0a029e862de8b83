//go:build linux

package iomanager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/scheduler"
)

func newIOManager(t *testing.T, threads int) *IOManager {
	t.Helper()
	m, err := New(threads, false, "iom_test")
	require.NoError(t, err)
	return m
}

func socketpair(t *testing.T) [2]int {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds
}

func TestIOManager_DoubleRegistrationRejected(t *testing.T) {
	m := newIOManager(t, 1)
	defer m.Stop()
	fds := socketpair(t)
	ctx := context.Background()

	fired := make(chan struct{}, 2)
	cb := func(context.Context) { fired <- struct{}{} }

	require.NoError(t, m.AddEvent(ctx, fds[0], Read, cb))
	err := m.AddEvent(ctx, fds[0], Read, cb)
	assert.ErrorIs(t, err, api.ErrEventExists)
	assert.Equal(t, 1, m.PendingEvents())

	require.True(t, m.CancelEvent(fds[0], Read))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter was not scheduled")
	}
	assert.Zero(t, m.PendingEvents())
	assert.False(t, m.CancelEvent(fds[0], Read))

	// fresh registration after cancel works
	require.NoError(t, m.AddEvent(ctx, fds[0], Read, cb))
	assert.True(t, m.DelEvent(fds[0], Read))
	assert.False(t, m.DelEvent(fds[0], Read))
	assert.Zero(t, m.PendingEvents())
}

func TestIOManager_InvalidArguments(t *testing.T) {
	m := newIOManager(t, 1)
	defer m.Stop()
	fds := socketpair(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.AddEvent(ctx, -1, Read, func(context.Context) {}), api.ErrInvalidArgument)
	assert.ErrorIs(t, m.AddEvent(ctx, fds[0], Read|Write, func(context.Context) {}), api.ErrInvalidArgument)
	assert.ErrorIs(t, m.AddEvent(ctx, fds[0], Read, nil), api.ErrNoFiber)
	assert.False(t, m.DelEvent(100000, Read))
	assert.False(t, m.CancelAll(100000))
}

func TestIOManager_FiberResumedOnReadiness(t *testing.T) {
	m := newIOManager(t, 2)
	fds := socketpair(t)

	got := make(chan string, 1)
	registered := make(chan struct{})
	m.ScheduleFunc(func(ctx context.Context) {
		if iom, ok := FromContext(ctx); !ok || iom != m {
			close(registered)
			got <- "wrong manager"
			return
		}
		err := m.AddEvent(ctx, fds[0], Read, nil)
		close(registered)
		if err != nil {
			got <- err.Error()
			return
		}
		fiber.YieldToHold(ctx)
		buf := make([]byte, 16)
		n, err := unix.Read(fds[0], buf)
		if err != nil {
			got <- err.Error()
			return
		}
		got <- string(buf[:n])
	})

	<-registered
	_, err := unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, "ping", v)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never resumed")
	}
	m.Stop()
	assert.Zero(t, m.PendingEvents())
}

func TestIOManager_CancelWriteWaiter(t *testing.T) {
	m := newIOManager(t, 1)
	defer m.Stop()

	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK))
	defer unix.Close(p[0])
	defer unix.Close(p[1])
	chunk := make([]byte, 4096)
	for {
		if _, err := unix.Write(p[1], chunk); err != nil {
			require.ErrorIs(t, err, unix.EAGAIN)
			break
		}
	}

	var state atomic.Value
	registered := make(chan struct{})
	resumed := make(chan struct{})
	m.ScheduleFunc(func(ctx context.Context) {
		if err := m.AddEvent(ctx, p[1], Write, nil); err != nil {
			state.Store(err.Error())
		}
		close(registered)
		fiber.YieldToHold(ctx)
		close(resumed)
	})

	<-registered
	require.Eventually(t, func() bool { return m.PendingEvents() == 1 }, time.Second, time.Millisecond)
	require.True(t, m.CancelEvent(p[1], Write))
	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("cancelled write waiter not resumed")
	}
	assert.Nil(t, state.Load())
	assert.Zero(t, m.PendingEvents())
	assert.NoError(t, m.AddEvent(context.Background(), p[1], Write, func(context.Context) {}))
	assert.True(t, m.DelEvent(p[1], Write))
}

func TestIOManager_CancelAll(t *testing.T) {
	m := newIOManager(t, 1)
	defer m.Stop()
	fds := socketpair(t)

	var n atomic.Int32
	cb := func(context.Context) { n.Add(1) }
	ctx := context.Background()
	require.NoError(t, m.AddEvent(ctx, fds[0], Read, cb))
	require.True(t, m.CancelAll(fds[0]))
	assert.False(t, m.CancelAll(fds[0]))
	assert.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
}

func TestIOManager_CancelAfterRawClose(t *testing.T) {
	m := newIOManager(t, 1)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	registered := make(chan error, 1)
	resumed := make(chan struct{})
	m.ScheduleFunc(func(ctx context.Context) {
		registered <- m.AddEvent(ctx, fds[0], Read, nil)
		fiber.YieldToHold(ctx)
		close(resumed)
	})
	require.NoError(t, <-registered)
	require.Eventually(t, func() bool { return m.PendingEvents() == 1 }, time.Second, time.Millisecond)

	// the kernel drops the epoll registration with the fd
	require.NoError(t, unix.Close(fds[0]))
	require.True(t, m.CancelEvent(fds[0], Read))
	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("waiter on a closed fd not resumed")
	}
	assert.Zero(t, m.PendingEvents())

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop hung on a stale waiter")
	}
}

func TestIOManager_CancelAllAfterRawClose(t *testing.T) {
	m := newIOManager(t, 1)
	defer m.Stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	var n atomic.Int32
	ctx := context.Background()
	require.NoError(t, m.AddEvent(ctx, fds[0], Read, func(context.Context) { n.Add(1) }))
	require.NoError(t, unix.Close(fds[0]))
	require.True(t, m.CancelAll(fds[0]))
	assert.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, m.PendingEvents())
}

func TestIOManager_TimerWakesBlockedWorker(t *testing.T) {
	m := newIOManager(t, 1)
	defer m.Stop()

	// let the worker block in the reactor with the full clamp
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	fired := make(chan time.Duration, 1)
	m.AddTimer(10, func() { fired <- time.Since(start) }, false)

	select {
	case d := <-fired:
		assert.Less(t, d, time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("timer not fired")
	}
}

func TestIOManager_RecurringTimerCancel(t *testing.T) {
	m := newIOManager(t, 2)
	var n atomic.Int32
	tm := m.AddTimer(5, func() { n.Add(1) }, true)
	require.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, time.Millisecond)
	require.True(t, tm.Cancel())
	fired := n.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, n.Load(), fired+1, "at most one listed callback may still run")
	m.Stop()
}

func TestIOManager_StopWaitsForTimers(t *testing.T) {
	m := newIOManager(t, 1)
	var fired atomic.Bool
	m.AddTimer(50, func() { fired.Store(true) }, false)
	m.Stop()
	assert.True(t, fired.Load())
	assert.False(t, m.HasTimer())
}

func TestIOManager_SchedulerContext(t *testing.T) {
	m := newIOManager(t, 1)
	done := make(chan bool, 1)
	m.ScheduleFunc(func(ctx context.Context) {
		s, ok := scheduler.FromContext(ctx)
		done <- ok && s == m.Scheduler
	})
	assert.True(t, <-done)
	m.Stop()
	assert.Equal(t, DefaultMaxTimeout, m.MaxTimeout())
	m.SetMaxTimeout(50)
	assert.Equal(t, 50, m.MaxTimeout())
}

func TestCurrent(t *testing.T) {
	_, err := Current(context.Background())
	assert.ErrorIs(t, err, api.ErrNotIOManager)

	m := newIOManager(t, 1)
	defer m.Stop()
	got := make(chan *IOManager, 1)
	m.ScheduleFunc(func(ctx context.Context) {
		iom, _ := Current(ctx)
		got <- iom
	})
	assert.Same(t, m, <-got)
}
