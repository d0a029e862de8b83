//go:build linux

package hook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/iomanager"
)

func newIOManager(t *testing.T, threads int) *iomanager.IOManager {
	t.Helper()
	m, err := iomanager.New(threads, false, "hook_test")
	require.NoError(t, err)
	return m
}

// inFiber runs fn on m and waits for it to return.
func inFiber(t *testing.T, m *iomanager.IOManager, fn func(ctx context.Context)) {
	t.Helper()
	done := make(chan struct{})
	m.ScheduleFunc(func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fiber did not finish")
	}
}

// trackedPair creates a socket pair from inside a fiber so both ends are
// tracked by m.
func trackedPair(t *testing.T, m *iomanager.IOManager) [2]int {
	t.Helper()
	var (
		fds [2]int
		err error
	)
	inFiber(t, m, func(ctx context.Context) {
		fds, err = Socketpair(ctx, unix.AF_UNIX, unix.SOCK_STREAM, 0)
	})
	require.NoError(t, err)
	return fds
}

func TestSleep_DoesNotBlockThread(t *testing.T) {
	m := newIOManager(t, 1)
	defer m.Stop()

	start := time.Now()
	aDone := make(chan time.Duration, 1)
	bDone := make(chan time.Duration, 1)
	m.ScheduleFunc(func(ctx context.Context) {
		Sleep(ctx, 1)
		aDone <- time.Since(start)
	})
	m.ScheduleFunc(func(context.Context) {
		bDone <- time.Since(start)
	})

	b := <-bDone
	a := <-aDone
	assert.Less(t, b, 500*time.Millisecond, "second fiber ran during the sleep")
	assert.GreaterOrEqual(t, a, 990*time.Millisecond)
	assert.Less(t, b, a)
}

func TestSleepFor_Unhooked(t *testing.T) {
	start := time.Now()
	SleepFor(context.Background(), 20*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.NoError(t, Nanosleep(context.Background(), &unix.Timespec{Nsec: 1000}, nil))
}

func TestRead_TimesOut(t *testing.T) {
	m := newIOManager(t, 1)
	defer m.Stop()

	var (
		err     error
		elapsed time.Duration
	)
	inFiber(t, m, func(ctx context.Context) {
		fds, e := Socketpair(ctx, unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if e != nil {
			err = e
			return
		}
		defer Close(ctx, fds[0])
		defer Close(ctx, fds[1])
		if e := SetsockoptTimeval(ctx, fds[0], unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Usec: 50_000}); e != nil {
			err = e
			return
		}
		start := time.Now()
		_, err = Read(ctx, fds[0], make([]byte, 8))
		elapsed = time.Since(start)
	})

	assert.ErrorIs(t, err, unix.ETIMEDOUT)
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Zero(t, m.PendingEvents())
}

func TestReadWrite_ParkAndResume(t *testing.T) {
	m := newIOManager(t, 1)
	defer m.Stop()

	fds := trackedPair(t, m)

	got := make(chan string, 1)
	m.ScheduleFunc(func(ctx context.Context) {
		buf := make([]byte, 16)
		n, err := Read(ctx, fds[0], buf)
		if err != nil {
			got <- err.Error()
			return
		}
		got <- string(buf[:n])
	})
	m.ScheduleFunc(func(ctx context.Context) {
		SleepFor(ctx, 20*time.Millisecond)
		_, _ = Write(ctx, fds[1], []byte("hello"))
	})

	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(2 * time.Second):
		t.Fatal("reader never resumed")
	}
	inFiber(t, m, func(ctx context.Context) {
		assert.NoError(t, Close(ctx, fds[0]))
		assert.NoError(t, Close(ctx, fds[1]))
	})
	assert.Zero(t, m.FdTable().Len())
}

func TestClose_WakesParkedReader(t *testing.T) {
	m := newIOManager(t, 1)
	defer m.Stop()

	fds := trackedPair(t, m)
	defer unix.Close(fds[1])

	errCh := make(chan error, 1)
	m.ScheduleFunc(func(ctx context.Context) {
		_, err := Read(ctx, fds[0], make([]byte, 4))
		errCh <- err
	})
	require.Eventually(t, func() bool { return m.PendingEvents() == 1 }, time.Second, time.Millisecond)
	inFiber(t, m, func(ctx context.Context) {
		assert.NoError(t, Close(ctx, fds[0]))
	})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, unix.EBADF)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not wake the reader")
	}
}

func TestConnect_Timeout(t *testing.T) {
	ln, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(ln)
	require.NoError(t, unix.Bind(ln, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(ln, 0))
	bound, err := unix.Getsockname(ln)
	require.NoError(t, err)
	addr := bound.(*unix.SockaddrInet4)

	// fill the accept queue so further handshakes stall
	for i := 0; i < 2; i++ {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		require.NoError(t, err)
		defer unix.Close(fd)
		_ = unix.Connect(fd, addr)
	}
	time.Sleep(20 * time.Millisecond)

	m := newIOManager(t, 1)
	defer m.Stop()

	var (
		connErr error
		elapsed time.Duration
		reArm   error
	)
	inFiber(t, m, func(ctx context.Context) {
		fd, err := Socket(ctx, unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			connErr = err
			return
		}
		defer Close(ctx, fd)
		start := time.Now()
		connErr = ConnectWithTimeout(ctx, fd, addr, 100)
		elapsed = time.Since(start)
		reArm = m.AddEvent(ctx, fd, iomanager.Write, func(context.Context) {})
		if reArm == nil {
			m.DelEvent(fd, iomanager.Write)
		}
	})

	if connErr == nil {
		t.Skip("loopback completed the handshake; cannot simulate a stalled connect")
	}
	assert.ErrorIs(t, connErr, unix.ETIMEDOUT)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, 600*time.Millisecond)
	assert.NoError(t, reArm, "no residual write registration after timeout")
}

func TestFcntlAndIoctl_UserView(t *testing.T) {
	m := newIOManager(t, 1)
	defer m.Stop()

	fds := trackedPair(t, m)
	inFiber(t, m, func(ctx context.Context) {
		defer Close(ctx, fds[0])
		defer Close(ctx, fds[1])

		flags, err := Fcntl(ctx, fds[0], unix.F_GETFL, 0)
		assert.NoError(t, err)
		assert.Zero(t, flags&unix.O_NONBLOCK, "user never asked for non-blocking")

		raw, _ := unix.FcntlInt(uintptr(fds[0]), unix.F_GETFL, 0)
		assert.NotZero(t, raw&unix.O_NONBLOCK, "kernel flag forced by the runtime")

		_, err = Fcntl(ctx, fds[0], unix.F_SETFL, flags|unix.O_NONBLOCK)
		assert.NoError(t, err)
		flags, _ = Fcntl(ctx, fds[0], unix.F_GETFL, 0)
		assert.NotZero(t, flags&unix.O_NONBLOCK)

		// user non-blocking: EAGAIN is returned instead of parking
		_, err = Read(ctx, fds[0], make([]byte, 1))
		assert.ErrorIs(t, err, unix.EAGAIN)

		assert.NoError(t, IoctlSetNonblock(ctx, fds[0], false))
		flags, _ = Fcntl(ctx, fds[0], unix.F_GETFL, 0)
		assert.Zero(t, flags&unix.O_NONBLOCK)
		raw, _ = unix.FcntlInt(uintptr(fds[0]), unix.F_GETFL, 0)
		assert.NotZero(t, raw&unix.O_NONBLOCK)
	})
}

func TestUnhookedCallsDelegate(t *testing.T) {
	ctx := context.Background()
	assert.False(t, IsEnabled(ctx))

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	_, err = Read(ctx, fds[0], make([]byte, 1))
	assert.ErrorIs(t, err, unix.EAGAIN)
	n, err := Send(ctx, fds[1], []byte("ab"), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = Recv(ctx, fds[0], make([]byte, 4), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIoctlSetNonblock_Untracked(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	ctx := context.Background()
	require.NoError(t, IoctlSetNonblock(ctx, p[0], true))
	flags, err := Fcntl(ctx, p[0], unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
	_, err = Read(ctx, p[0], make([]byte, 1))
	assert.ErrorIs(t, err, unix.EAGAIN)

	require.NoError(t, IoctlSetNonblock(ctx, p[0], false))
	flags, _ = Fcntl(ctx, p[0], unix.F_GETFL, 0)
	assert.Zero(t, flags&unix.O_NONBLOCK)
}

func TestHookToggle(t *testing.T) {
	m := newIOManager(t, 1)
	defer m.Stop()

	inFiber(t, m, func(ctx context.Context) {
		assert.True(t, IsEnabled(ctx))
		SetEnabled(ctx, false)
		assert.False(t, IsEnabled(ctx))
		start := time.Now()
		SleepFor(ctx, 10*time.Millisecond) // plain sleep now
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
		SetEnabled(ctx, true)
	})
}

func TestConnectTimeoutSetting(t *testing.T) {
	defer SetConnectTimeout(DefaultConnectTimeout)
	assert.Equal(t, DefaultConnectTimeout, ConnectTimeout())
	SetConnectTimeout(250)
	assert.EqualValues(t, 250, ConnectTimeout())
}
