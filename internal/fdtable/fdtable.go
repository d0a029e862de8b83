// File: internal/fdtable/fdtable.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-fd bookkeeping of the hook layer: whether the fd is a socket, who
// asked for non-blocking mode and the per-direction timeouts.

package fdtable

import (
	"sync"
	"sync/atomic"
)

const initialSize = 64

// NoTimeout marks a direction without a configured timeout.
const NoTimeout int64 = -1

// Direction selects the receive or send timeout.
type Direction int

const (
	Recv Direction = iota
	Send
)

// Ctx describes one file descriptor.
type Ctx struct {
	fd           int
	initialized  bool
	socket       bool
	sysNonblock  bool
	userNonblock atomic.Bool
	closed       atomic.Bool
	recvTimeout  atomic.Int64
	sendTimeout  atomic.Int64
}

func newCtx(fd int) *Ctx {
	c := &Ctx{fd: fd}
	c.recvTimeout.Store(NoTimeout)
	c.sendTimeout.Store(NoTimeout)

	c.initialized, c.socket = inspect(fd)
	c.sysNonblock = c.socket && forceNonblock(fd)
	return c
}

// Fd returns the descriptor number.
func (c *Ctx) Fd() int { return c.fd }

// IsInit reports whether fstat succeeded when the fd was first seen.
func (c *Ctx) IsInit() bool { return c.initialized }

// IsSocket reports whether the fd is a socket.
func (c *Ctx) IsSocket() bool { return c.socket }

// SysNonblock reports whether the runtime forced O_NONBLOCK on the fd.
func (c *Ctx) SysNonblock() bool { return c.sysNonblock }

// UserNonblock reports whether the application asked for non-blocking mode.
func (c *Ctx) UserNonblock() bool { return c.userNonblock.Load() }

// SetUserNonblock records the application's view of O_NONBLOCK.
func (c *Ctx) SetUserNonblock(v bool) { c.userNonblock.Store(v) }

// IsClosed reports whether Close was called through the hook layer.
func (c *Ctx) IsClosed() bool { return c.closed.Load() }

// Timeout returns the timeout of direction d in ms.
func (c *Ctx) Timeout(d Direction) int64 {
	if d == Recv {
		return c.recvTimeout.Load()
	}
	return c.sendTimeout.Load()
}

// SetTimeout stores the timeout of direction d in ms.
func (c *Ctx) SetTimeout(d Direction, ms int64) {
	if d == Recv {
		c.recvTimeout.Store(ms)
	} else {
		c.sendTimeout.Store(ms)
	}
}

// Table is a dense fd-indexed set of Ctx. It grows and never shrinks.
type Table struct {
	mu   sync.RWMutex
	ctxs []*Ctx
}

// New creates an empty table.
func New() *Table {
	return &Table{ctxs: make([]*Ctx, initialSize)}
}

// Get returns the Ctx of fd. With autoCreate a missing entry is created
// and the fd inspected.
func (t *Table) Get(fd int, autoCreate bool) *Ctx {
	if fd < 0 {
		return nil
	}
	t.mu.RLock()
	if fd < len(t.ctxs) {
		if c := t.ctxs[fd]; c != nil || !autoCreate {
			t.mu.RUnlock()
			return c
		}
	} else if !autoCreate {
		t.mu.RUnlock()
		return nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= len(t.ctxs) {
		grown := make([]*Ctx, max(fd*3/2, fd+1))
		copy(grown, t.ctxs)
		t.ctxs = grown
	}
	if c := t.ctxs[fd]; c != nil {
		return c
	}
	c := newCtx(fd)
	t.ctxs[fd] = c
	return c
}

// Del forgets fd and marks its Ctx closed.
func (t *Table) Del(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.ctxs) {
		return
	}
	if c := t.ctxs[fd]; c != nil {
		c.closed.Store(true)
	}
	t.ctxs[fd] = nil
}

// Len returns the number of tracked fds.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, c := range t.ctxs {
		if c != nil {
			n++
		}
	}
	return n
}
