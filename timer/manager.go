// File: timer/manager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Manager keeps timers ordered by deadline and hands out the callbacks of
// the expired ones. Deadlines are absolute milliseconds of manager time,
// which starts at zero in NewManager and never goes backwards.

package timer

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/btree"
)

// Infinite is returned by NextTimeout when no timer is pending.
const Infinite uint64 = math.MaxUint64

// rolloverThreshold is how far the clock must go backwards before every
// pending timer is considered expired.
const rolloverThreshold int64 = 60 * 60 * 1000

const btreeDegree = 16

// Manager is an ordered set of timers.
type Manager struct {
	mu       sync.RWMutex
	clock    clock.Clock
	timers   *btree.BTreeG[*Timer]
	tickled  atomic.Bool
	onFront  func()
	seq      atomic.Uint64

	// manager time: elapsed since base plus skew, where skew absorbs
	// backward steps of the clock. stepBack is the largest step seen
	// since the last ListExpired.
	timeMu   sync.Mutex
	base     time.Time
	skew     int64
	last     int64
	stepBack int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source. Tests pass a *clock.Mock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithFrontHook sets the function called when a timer becomes the earliest
// one. It runs without the manager lock held.
func WithFrontHook(fn func()) Option {
	return func(m *Manager) { m.onFront = fn }
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock:  clock.New(),
		timers: btree.NewG[*Timer](btreeDegree, less),
	}
	for _, o := range opts {
		o(m)
	}
	m.base = m.clock.Now()
	return m
}

// now returns the current manager time in ms. Elapsed time is measured
// with Since, which uses the monotonic reading of a real clock; a clock
// that steps backwards freezes manager time until it catches up.
func (m *Manager) now() uint64 {
	m.timeMu.Lock()
	defer m.timeMu.Unlock()
	ms := m.clock.Since(m.base).Milliseconds() + m.skew
	if ms < m.last {
		back := m.last - ms
		m.skew += back
		m.stepBack = max(m.stepBack, back)
		ms = m.last
	}
	m.last = ms
	return uint64(ms)
}

// Clock returns the manager time source.
func (m *Manager) Clock() clock.Clock { return m.clock }

// AddTimer schedules cb to run after ms milliseconds, every ms milliseconds
// when recurring is set.
func (m *Manager) AddTimer(ms uint64, cb func(), recurring bool) *Timer {
	if cb == nil {
		panic("timer: nil callback")
	}
	t := &Timer{
		id:        m.seq.Add(1),
		recurring: recurring,
		ms:        ms,
		cb:        cb,
		manager:   m,
	}
	m.mu.Lock()
	t.next = m.now() + ms
	m.insertLocked(t)
	return t
}

// AddConditionTimer is AddTimer whose callback is skipped once guard is no
// longer alive.
func (m *Manager) AddConditionTimer(ms uint64, cb func(), guard Guard, recurring bool) *Timer {
	return m.AddTimer(ms, func() {
		if guard.Alive() {
			cb()
		}
	}, recurring)
}

// insertLocked adds t and releases m.mu. The front hook fires at most once
// until the next NextTimeout call.
func (m *Manager) insertLocked(t *Timer) {
	m.timers.ReplaceOrInsert(t)
	first, _ := m.timers.Min()
	atFront := first == t && m.tickled.CompareAndSwap(false, true)
	m.mu.Unlock()

	if atFront && m.onFront != nil {
		m.onFront()
	}
}

// NextTimeout returns 0 if a timer is due, the milliseconds until the next
// deadline otherwise, or Infinite when nothing is pending.
func (m *Manager) NextTimeout() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tickled.Store(false)
	first, ok := m.timers.Min()
	if !ok {
		return Infinite
	}
	now := m.now()
	if now >= first.next {
		return 0
	}
	return first.next - now
}

// HasTimer reports whether any timer is pending.
func (m *Manager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timers.Len() > 0
}

// Len returns the number of pending timers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timers.Len()
}

// ListExpired appends the callbacks of every expired timer to cbs and
// returns it. Recurring timers are re-armed at now+interval.
func (m *Manager) ListExpired(cbs []func()) []func() {
	m.mu.RLock()
	empty := m.timers.Len() == 0
	m.mu.RUnlock()
	if empty {
		return cbs
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rollover := m.detectRollover()
	if first, ok := m.timers.Min(); !ok || (!rollover && first.next > now) {
		return cbs
	}

	var expired []*Timer
	m.timers.Ascend(func(t *Timer) bool {
		if !rollover && t.next > now {
			return false
		}
		expired = append(expired, t)
		return true
	})
	for _, t := range expired {
		m.timers.Delete(t)
	}
	for _, t := range expired {
		cbs = append(cbs, t.fire(t.cb))
		if t.recurring {
			t.next = now + t.ms
			m.timers.ReplaceOrInsert(t)
		} else {
			t.cb = nil
		}
	}
	return cbs
}

// detectRollover reports whether the clock stepped back by more than
// rolloverThreshold since the previous call.
func (m *Manager) detectRollover() bool {
	m.timeMu.Lock()
	defer m.timeMu.Unlock()
	back := m.stepBack
	m.stepBack = 0
	return back > rolloverThreshold
}
