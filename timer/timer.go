// File: timer/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Timer is a deadline-bound callback owned by a Manager.

package timer

import (
	"sync/atomic"
	"weak"
)

// Timer is a handle returned by Manager.AddTimer.
// All mutable fields are guarded by the owning manager's lock.
type Timer struct {
	id        uint64
	recurring bool
	ms        uint64
	next      uint64
	cb        func()
	manager   *Manager

	// cancelled stops callbacks already handed out by ListExpired.
	cancelled atomic.Bool
}

// less orders timers by (deadline, id).
func less(a, b *Timer) bool {
	if a.next != b.next {
		return a.next < b.next
	}
	return a.id < b.id
}

// Cancel removes the timer. It reports false if the timer already fired
// (non-recurring) or was cancelled before.
func (t *Timer) Cancel() bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	t.cancelled.Store(true)
	m.timers.Delete(t)
	return true
}

// Refresh moves the deadline to now+interval.
func (t *Timer) Refresh() bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil {
		return false
	}
	if _, ok := m.timers.Delete(t); !ok {
		return false
	}
	t.next = m.now() + t.ms
	m.timers.ReplaceOrInsert(t)
	return true
}

// Reset changes the interval to ms. With fromNow the deadline is computed
// from the current time, otherwise from the instant the timer was started.
func (t *Timer) Reset(ms uint64, fromNow bool) bool {
	m := t.manager
	m.mu.Lock()
	if ms == t.ms && !fromNow {
		m.mu.Unlock()
		return true
	}
	if t.cb == nil {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.timers.Delete(t); !ok {
		m.mu.Unlock()
		return false
	}
	var start uint64
	if fromNow {
		start = m.now()
	} else {
		start = t.next - t.ms
	}
	t.ms = ms
	t.next = start + ms
	m.insertLocked(t) // unlocks
	return true
}

// Interval returns the period in milliseconds.
func (t *Timer) Interval() uint64 {
	t.manager.mu.RLock()
	defer t.manager.mu.RUnlock()
	return t.ms
}

// Deadline returns the absolute deadline in manager milliseconds.
func (t *Timer) Deadline() uint64 {
	t.manager.mu.RLock()
	defer t.manager.mu.RUnlock()
	return t.next
}

// Recurring reports whether the timer re-arms after firing.
func (t *Timer) Recurring() bool { return t.recurring }

// fire wraps the callback handed out by ListExpired.
func (t *Timer) fire(cb func()) func() {
	return func() {
		if !t.cancelled.Load() {
			cb()
		}
	}
}

// Guard reports whether the logical owner of a condition timer still exists.
type Guard interface {
	Alive() bool
}

// GuardFunc adapts a function to Guard.
type GuardFunc func() bool

func (g GuardFunc) Alive() bool { return g() }

type weakGuard[T any] struct {
	p weak.Pointer[T]
}

func (g weakGuard[T]) Alive() bool { return g.p.Value() != nil }

// WeakGuard returns a Guard that stays alive while p is reachable.
func WeakGuard[T any](p *T) Guard {
	return weakGuard[T]{p: weak.Make(p)}
}
