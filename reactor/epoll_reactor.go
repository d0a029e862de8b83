//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
)

// epollReactor implements Reactor with an edge-triggered epoll instance and
// a non-blocking self-pipe.
type epollReactor struct {
	epfd   int
	pipe   [2]int
	closed atomic.Bool
	bufs   sync.Pool
}

// New creates the platform reactor.
func New() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}
	r := &epollReactor{epfd: epfd}
	if err := unix.Pipe2(r.pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, errors.Wrap(err, "pipe")
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(r.pipe[0])}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.pipe[0], &ev); err != nil {
		r.closeFds()
		return nil, errors.Wrap(err, "epoll ctl add pipe")
	}
	return r, nil
}

func toEpoll(events Events) uint32 {
	ev := uint32(unix.EPOLLET)
	if events&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(ev uint32) Events {
	var events Events
	if ev&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if ev&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= EventHangup
	}
	return events
}

func (r *epollReactor) ctl(op, fd int, events Events) error {
	if r.closed.Load() {
		return api.ErrReactorClosed
	}
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return errors.Wrapf(ctlError(err), "epoll ctl op=%d fd=%d events=%s", op, fd, events)
	}
	return nil
}

// ctlError maps the errnos of a vanished registration to ErrNotRegistered.
func ctlError(err error) error {
	if err == unix.ENOENT || err == unix.EBADF {
		return errors.Wrap(ErrNotRegistered, err.Error())
	}
	return err
}

// Add registers fd.
func (r *epollReactor) Add(fd int, events Events) error {
	return r.ctl(unix.EPOLL_CTL_ADD, fd, events)
}

// Modify changes the registration of fd.
func (r *epollReactor) Modify(fd int, events Events) error {
	return r.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

// Remove unregisters fd.
func (r *epollReactor) Remove(fd int) error {
	if r.closed.Load() {
		return api.ErrReactorClosed
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrapf(ctlError(err), "epoll ctl del fd=%d", fd)
	}
	return nil
}

// Wait blocks for readiness. EINTR is retried.
func (r *epollReactor) Wait(out []Ready, timeoutMs int) (int, error) {
	if r.closed.Load() {
		return 0, api.ErrReactorClosed
	}
	if len(out) == 0 {
		return 0, api.ErrInvalidArgument
	}
	raw := r.buffer(len(out))
	defer r.bufs.Put(raw)

	var (
		n   int
		err error
	)
	for {
		n, err = unix.EpollWait(r.epfd, *raw, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return 0, errors.Wrap(err, "epoll wait")
	}

	j := 0
	for _, ev := range (*raw)[:n] {
		if int(ev.Fd) == r.pipe[0] {
			r.drain()
			continue
		}
		out[j] = Ready{Fd: int(ev.Fd), Events: fromEpoll(ev.Events)}
		j++
	}
	return j, nil
}

func (r *epollReactor) buffer(n int) *[]unix.EpollEvent {
	if p, ok := r.bufs.Get().(*[]unix.EpollEvent); ok && cap(*p) >= n {
		*p = (*p)[:n]
		return p
	}
	b := make([]unix.EpollEvent, n)
	return &b
}

// drain empties the self-pipe. It is edge-triggered, so it must be read
// until EAGAIN.
func (r *epollReactor) drain() {
	var buf [256]byte
	for {
		if n, err := unix.Read(r.pipe[0], buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

// Wake writes one byte to the self-pipe.
func (r *epollReactor) Wake() error {
	if r.closed.Load() {
		return api.ErrReactorClosed
	}
	_, err := unix.Write(r.pipe[1], []byte{'T'})
	if err == unix.EAGAIN {
		// pipe full, a wakeup is already pending
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "wake")
	}
	return nil
}

// Close releases the epoll instance and the self-pipe.
func (r *epollReactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.closeFds()
}

func (r *epollReactor) closeFds() error {
	err := unix.Close(r.epfd)
	_ = unix.Close(r.pipe[0])
	_ = unix.Close(r.pipe[1])
	if err != nil {
		return errors.Wrap(err, "close epoll")
	}
	return nil
}
