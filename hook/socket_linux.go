//go:build linux

// File: hook/socket_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket lifecycle and option calls. Sockets created here are tracked in
// the IOManager fd table and kept non-blocking at the kernel level; the
// user's view of O_NONBLOCK is recorded separately.

package hook

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/internal/fdtable"
	"github.com/momentics/hioload-fiber/iomanager"
)

func track(ctx context.Context, fds ...int) {
	iom, _, ok := hooked(ctx)
	if !ok {
		return
	}
	for _, fd := range fds {
		iom.FdTable().Get(fd, true)
	}
}

// Socket creates a socket and tracks it.
func Socket(ctx context.Context, domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	track(ctx, fd)
	return fd, nil
}

// Socketpair creates a connected socket pair and tracks both ends.
func Socketpair(ctx context.Context, domain, typ, proto int) ([2]int, error) {
	fds, err := unix.Socketpair(domain, typ, proto)
	if err != nil {
		return fds, err
	}
	track(ctx, fds[0], fds[1])
	return fds, nil
}

// Connect connects fd to sa within the configured connect timeout.
func Connect(ctx context.Context, fd int, sa unix.Sockaddr) error {
	return ConnectWithTimeout(ctx, fd, sa, ConnectTimeout())
}

// ConnectWithTimeout connects fd to sa, failing with ETIMEDOUT after
// timeoutMs. A negative timeout waits indefinitely.
func ConnectWithTimeout(ctx context.Context, fd int, sa unix.Sockaddr, timeoutMs int64) error {
	iom, f, ok := hooked(ctx)
	if !ok {
		return unix.Connect(fd, sa)
	}
	c := iom.FdTable().Get(fd, false)
	if c == nil {
		return unix.Connect(fd, sa)
	}
	if c.IsClosed() {
		return unix.EBADF
	}
	if !c.IsSocket() || c.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err != unix.EINPROGRESS {
		return err
	}
	log.Debug().Int("fd", fd).Msg("connecting")

	info := &timerInfo{}
	t := armTimeout(iom, fd, iomanager.Write, timeoutMs, info)
	if err := iom.AddEvent(ctx, fd, iomanager.Write, nil); err != nil {
		if t != nil {
			t.Cancel()
		}
		log.Error().Err(err).Int("fd", fd).Msg("connect addEvent")
	} else {
		f.YieldToHold()
		if t != nil {
			t.Cancel()
		}
		if e := info.cancelled.Load(); e != 0 {
			return unix.Errno(e)
		}
	}

	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		log.Error().Err(err).Int("fd", fd).Msg("getsockopt SO_ERROR")
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Accept accepts a connection on fd and tracks the new socket.
func Accept(ctx context.Context, fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(ctx, fd, "accept", iomanager.Read, fdtable.Recv, func() (int, error) {
		var (
			n   int
			err error
		)
		n, sa, err = unix.Accept4(fd, unix.SOCK_CLOEXEC)
		return n, err
	})
	if err != nil {
		return -1, nil, err
	}
	track(ctx, nfd)
	return nfd, sa, nil
}

// Close wakes every waiter of fd, forgets it and closes it.
func Close(ctx context.Context, fd int) error {
	if iom, _, ok := hooked(ctx); ok {
		if iom.FdTable().Get(fd, false) != nil {
			iom.CancelAll(fd)
			iom.FdTable().Del(fd)
		}
	}
	return unix.Close(fd)
}

// Fcntl is fcntl(2) with an integer argument. F_SETFL and F_GETFL on a
// tracked socket see the user's O_NONBLOCK flag while the kernel flag
// stays as the runtime needs it.
func Fcntl(ctx context.Context, fd, cmd, arg int) (int, error) {
	c := trackedSocket(ctx, fd)
	switch {
	case c != nil && cmd == unix.F_SETFL:
		c.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		if c.SysNonblock() {
			arg |= unix.O_NONBLOCK
		} else {
			arg &^= unix.O_NONBLOCK
		}
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	case c != nil && cmd == unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), cmd, 0)
		if err != nil {
			return flags, err
		}
		if c.UserNonblock() {
			return flags | unix.O_NONBLOCK, nil
		}
		return flags &^ unix.O_NONBLOCK, nil
	}
	return unix.FcntlInt(uintptr(fd), cmd, arg)
}

// IoctlSetNonblock is ioctl(fd, FIONBIO, &on), applied through the
// O_NONBLOCK file status flag. On a tracked socket it only changes the
// user's view.
func IoctlSetNonblock(ctx context.Context, fd int, on bool) error {
	if c := trackedSocket(ctx, fd); c != nil {
		c.SetUserNonblock(on)
		if c.SysNonblock() {
			on = true
		}
	}
	return unix.SetNonblock(fd, on)
}

func trackedSocket(ctx context.Context, fd int) *fdtable.Ctx {
	iom, ok := iomanager.FromContext(ctx)
	if !ok {
		return nil
	}
	c := iom.FdTable().Get(fd, false)
	if c == nil || c.IsClosed() || !c.IsSocket() {
		return nil
	}
	return c
}

// GetsockoptInt passes through to getsockopt(2).
func GetsockoptInt(_ context.Context, fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

// SetsockoptInt passes through to setsockopt(2).
func SetsockoptInt(_ context.Context, fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// SetsockoptTimeval sets a timeval option. SO_RCVTIMEO and SO_SNDTIMEO on a
// tracked fd also become the timeout of the parking read or write calls; a
// zero timeval clears it.
func SetsockoptTimeval(ctx context.Context, fd, level, opt int, tv *unix.Timeval) error {
	if iom, _, ok := hooked(ctx); ok && level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if c := iom.FdTable().Get(fd, false); c != nil {
			ms := int64(tv.Sec)*1000 + int64(tv.Usec)/1000
			if ms == 0 {
				ms = fdtable.NoTimeout
			}
			dir := fdtable.Recv
			if opt == unix.SO_SNDTIMEO {
				dir = fdtable.Send
			}
			c.SetTimeout(dir, ms)
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}
