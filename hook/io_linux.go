//go:build linux

// File: hook/io_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Read and write family over raw fds.

package hook

import (
	"context"
	"runtime"
	"sync/atomic"
	"weak"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/internal/fdtable"
	"github.com/momentics/hioload-fiber/iomanager"
	"github.com/momentics/hioload-fiber/timer"
)

// timerInfo carries the errno a timeout timer stamped on a parked call.
type timerInfo struct {
	cancelled atomic.Int32
}

// armTimeout starts a timer that cancels ev on fd after ms, waking the
// parked fiber with ETIMEDOUT. It returns nil when ms is NoTimeout.
func armTimeout(iom *iomanager.IOManager, fd int, ev iomanager.Event, ms int64, info *timerInfo) *timer.Timer {
	if ms < 0 {
		return nil
	}
	w := weak.Make(info)
	return iom.AddConditionTimer(uint64(ms), func() {
		ti := w.Value()
		if ti == nil || !ti.cancelled.CompareAndSwap(0, int32(unix.ETIMEDOUT)) {
			return
		}
		iom.CancelEvent(fd, ev)
	}, timer.WeakGuard(info), false)
}

// doIO runs fn, parking the fiber on EAGAIN until fd is ready for ev or
// the timeout of dir expires.
func doIO(ctx context.Context, fd int, name string, ev iomanager.Event, dir fdtable.Direction, fn func() (int, error)) (int, error) {
	iom, f, ok := hooked(ctx)
	if !ok {
		return fn()
	}
	c := iom.FdTable().Get(fd, false)
	if c == nil {
		return fn()
	}
	if c.IsClosed() {
		return -1, unix.EBADF
	}
	if !c.IsSocket() || c.UserNonblock() {
		return fn()
	}

	to := c.Timeout(dir)
	info := &timerInfo{}
	defer runtime.KeepAlive(info)
	for {
		n, err := fn()
		for err == unix.EINTR {
			n, err = fn()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		t := armTimeout(iom, fd, ev, to, info)
		if err := iom.AddEvent(ctx, fd, ev, nil); err != nil {
			log.Error().Err(err).Int("fd", fd).Str("call", name).Msg("addEvent")
			if t != nil {
				t.Cancel()
			}
			return -1, err
		}
		f.YieldToHold()
		if t != nil {
			t.Cancel()
		}
		if e := info.cancelled.Load(); e != 0 {
			return -1, unix.Errno(e)
		}
	}
}

// Read reads from fd into p.
func Read(ctx context.Context, fd int, p []byte) (int, error) {
	return doIO(ctx, fd, "read", iomanager.Read, fdtable.Recv, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv reads from fd into iovs.
func Readv(ctx context.Context, fd int, iovs [][]byte) (int, error) {
	return doIO(ctx, fd, "readv", iomanager.Read, fdtable.Recv, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv receives from a connected socket.
func Recv(ctx context.Context, fd int, p []byte, flags int) (int, error) {
	n, _, err := Recvfrom(ctx, fd, p, flags)
	return n, err
}

// Recvfrom receives from fd and reports the sender.
func Recvfrom(ctx context.Context, fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(ctx, fd, "recvfrom", iomanager.Read, fdtable.Recv, func() (int, error) {
		var (
			n   int
			err error
		)
		n, from, err = unix.Recvfrom(fd, p, flags)
		return n, err
	})
	return n, from, err
}

// Recvmsg receives data and ancillary data from fd.
func Recvmsg(ctx context.Context, fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	n, err = doIO(ctx, fd, "recvmsg", iomanager.Read, fdtable.Recv, func() (int, error) {
		var (
			rn  int
			err error
		)
		rn, oobn, recvflags, from, err = unix.Recvmsg(fd, p, oob, flags)
		return rn, err
	})
	return n, oobn, recvflags, from, err
}

// Write writes p to fd.
func Write(ctx context.Context, fd int, p []byte) (int, error) {
	return doIO(ctx, fd, "write", iomanager.Write, fdtable.Send, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev writes iovs to fd.
func Writev(ctx context.Context, fd int, iovs [][]byte) (int, error) {
	return doIO(ctx, fd, "writev", iomanager.Write, fdtable.Send, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send sends p on a connected socket.
func Send(ctx context.Context, fd int, p []byte, flags int) (int, error) {
	return Sendto(ctx, fd, p, flags, nil)
}

// Sendto sends p to the given address.
func Sendto(ctx context.Context, fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(ctx, fd, "sendto", iomanager.Write, fdtable.Send, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, to, flags)
	})
}

// Sendmsg sends data and ancillary data.
func Sendmsg(ctx context.Context, fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(ctx, fd, "sendmsg", iomanager.Write, fdtable.Send, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}
