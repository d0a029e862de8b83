// File: iomanager/iomanager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// IOManager is a Scheduler whose idle workers block in the reactor instead
// of spinning. Fd readiness and timer expiry become scheduled work.

package iomanager

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/fdtable"
	"github.com/momentics/hioload-fiber/internal/logging"
	"github.com/momentics/hioload-fiber/reactor"
	"github.com/momentics/hioload-fiber/scheduler"
	"github.com/momentics/hioload-fiber/timer"
)

// Event is the readiness direction of a waiter.
type Event = reactor.Events

const (
	None  = reactor.EventNone
	Read  = reactor.EventRead
	Write = reactor.EventWrite
)

const (
	// DefaultMaxTimeout clamps a single reactor wait, in ms.
	DefaultMaxTimeout = 3000
	maxEvents         = 256
	initialContexts   = 32
)

var log = logging.Named("system")

// IOManager combines a Scheduler, a timer Manager and a reactor.
type IOManager struct {
	*scheduler.Scheduler
	*timer.Manager

	reactor    reactor.Reactor
	mu         sync.RWMutex
	contexts   []*fdContext
	pending    atomic.Int64
	maxTimeout atomic.Int64
	fdTable    *fdtable.Table
}

type options struct {
	clock      clock.Clock
	maxTimeout int
}

// Option configures an IOManager.
type Option func(*options)

// WithClock sets the time source of the timer manager.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMaxTimeout sets the reactor wait clamp in ms.
func WithMaxTimeout(ms int) Option {
	return func(o *options) { o.maxTimeout = ms }
}

// New creates and starts an IOManager with threads workers.
func New(threads int, useCaller bool, name string, opts ...Option) (*IOManager, error) {
	o := options{maxTimeout: DefaultMaxTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	r, err := reactor.New()
	if err != nil {
		return nil, errors.Wrap(err, "iomanager")
	}
	m := &IOManager{
		reactor: r,
		fdTable: fdtable.New(),
	}
	m.SetMaxTimeout(o.maxTimeout)

	timerOpts := []timer.Option{timer.WithFrontHook(m.Tickle)}
	if o.clock != nil {
		timerOpts = append(timerOpts, timer.WithClock(o.clock))
	}
	m.Manager = timer.NewManager(timerOpts...)
	m.Scheduler = scheduler.New(threads, useCaller, name, scheduler.WithHooks(m))
	m.resize(initialContexts)

	m.Start()
	return m, nil
}

// FromContext returns the IOManager driving the fiber in ctx.
func FromContext(ctx context.Context) (*IOManager, bool) {
	m, ok := scheduler.OwnerFromContext(ctx).(*IOManager)
	return m, ok
}

// Current is FromContext reporting api.ErrNotIOManager when ctx is not
// driven by an IOManager.
func Current(ctx context.Context) (*IOManager, error) {
	if m, ok := FromContext(ctx); ok {
		return m, nil
	}
	return nil, api.ErrNotIOManager
}

// Stop drains the scheduler and releases the reactor.
func (m *IOManager) Stop() {
	m.Scheduler.Stop()
	if err := m.reactor.Close(); err != nil {
		log.Error().Err(err).Str("iomanager", m.Name()).Msg("reactor close")
	}
}

// FdTable returns the hook-layer fd table owned by the manager.
func (m *IOManager) FdTable() *fdtable.Table { return m.fdTable }

// SetMaxTimeout changes the reactor wait clamp. Values <= 0 restore the
// default.
func (m *IOManager) SetMaxTimeout(ms int) {
	if ms <= 0 {
		ms = DefaultMaxTimeout
	}
	m.maxTimeout.Store(int64(ms))
}

// MaxTimeout returns the reactor wait clamp in ms.
func (m *IOManager) MaxTimeout() int { return int(m.maxTimeout.Load()) }

// PendingEvents returns the number of armed events.
func (m *IOManager) PendingEvents() int { return int(m.pending.Load()) }

// resize grows the context table to n entries. m.mu must be held for
// writing, or the manager must not be shared yet.
func (m *IOManager) resize(n int) {
	if n <= len(m.contexts) {
		return
	}
	grown := make([]*fdContext, n)
	copy(grown, m.contexts)
	for i := len(m.contexts); i < n; i++ {
		grown[i] = &fdContext{fd: i}
	}
	m.contexts = grown
}

func (m *IOManager) lookup(fd int) *fdContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if fd < 0 || fd >= len(m.contexts) {
		return nil
	}
	return m.contexts[fd]
}

func (m *IOManager) lookupOrGrow(fd int) *fdContext {
	if c := m.lookup(fd); c != nil {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resize(max(fd*3/2, fd+1))
	return m.contexts[fd]
}

func validEvent(ev Event) bool {
	return ev == Read || ev == Write
}

// AddEvent arms ev on fd. When fn is nil the fiber running in ctx is the
// waiter and is resumed on readiness; otherwise fn is scheduled. A second
// registration of an armed direction fails with api.ErrEventExists.
func (m *IOManager) AddEvent(ctx context.Context, fd int, ev Event, fn fiber.Func) error {
	if fd < 0 || !validEvent(ev) {
		return api.ErrInvalidArgument
	}
	sched, ok := scheduler.FromContext(ctx)
	if !ok {
		sched = m.Scheduler
	}
	var waiter *fiber.Fiber
	if fn == nil {
		waiter = fiber.Current(ctx)
		if waiter == nil || waiter.IsMain() || waiter.State() != fiber.EXEC {
			return api.ErrNoFiber
		}
	}

	c := m.lookupOrGrow(fd)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.events&ev != 0 {
		log.Error().Int("fd", fd).Stringer("event", ev).Stringer("armed", c.events).Msg("addEvent: event already registered")
		return errors.Wrapf(api.ErrEventExists, "fd=%d event=%s", fd, ev)
	}

	var err error
	if c.events == None {
		err = m.reactor.Add(fd, c.events|ev)
	} else {
		err = m.reactor.Modify(fd, c.events|ev)
	}
	if err != nil {
		log.Error().Err(err).Int("fd", fd).Stringer("event", ev).Msg("epoll_ctl")
		return err
	}

	m.pending.Add(1)
	c.events |= ev
	ec := c.context(ev)
	ec.sched = sched
	ec.fn = fn
	ec.fiber = waiter
	return nil
}

// disarm removes ev from fd in the reactor and returns the context with
// its lock held, or nil if ev was not armed.
func (m *IOManager) disarm(fd int, ev Event) *fdContext {
	c := m.lookup(fd)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.events&ev == None {
		c.mu.Unlock()
		return nil
	}
	if err := m.rearm(c, c.events&^ev); err != nil {
		c.mu.Unlock()
		return nil
	}
	return c
}

// rearm sets the reactor registration of c to left. c.mu must be held.
// A registration the kernel already dropped, e.g. after a raw close of
// the fd, counts as removed so its waiters can still be released.
func (m *IOManager) rearm(c *fdContext, left Event) error {
	var err error
	if left != None {
		err = m.reactor.Modify(c.fd, left)
	} else {
		err = m.reactor.Remove(c.fd)
	}
	if errors.Is(err, reactor.ErrNotRegistered) {
		log.Warn().Err(err).Int("fd", c.fd).Stringer("events", left).Msg("epoll_ctl: fd gone")
		return nil
	}
	if err != nil {
		log.Error().Err(err).Int("fd", c.fd).Stringer("events", left).Msg("epoll_ctl")
	}
	return err
}

// DelEvent disarms ev on fd without waking its waiter.
func (m *IOManager) DelEvent(fd int, ev Event) bool {
	if !validEvent(ev) {
		return false
	}
	c := m.disarm(fd, ev)
	if c == nil {
		return false
	}
	defer c.mu.Unlock()
	m.pending.Add(-1)
	c.events &^= ev
	c.reset(ev)
	return true
}

// CancelEvent disarms ev on fd and schedules its waiter immediately.
func (m *IOManager) CancelEvent(fd int, ev Event) bool {
	if !validEvent(ev) {
		return false
	}
	c := m.disarm(fd, ev)
	if c == nil {
		return false
	}
	defer c.mu.Unlock()
	c.trigger(ev)
	m.pending.Add(-1)
	return true
}

// CancelAll disarms both directions of fd and schedules their waiters.
func (m *IOManager) CancelAll(fd int) bool {
	c := m.lookup(fd)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == None {
		return false
	}
	if err := m.rearm(c, None); err != nil {
		return false
	}
	for _, ev := range [...]Event{Read, Write} {
		if c.events&ev != None {
			c.trigger(ev)
			m.pending.Add(-1)
		}
	}
	return true
}

// Tickle wakes a worker blocked in the reactor, if any is idle.
func (m *IOManager) Tickle() {
	if !m.HasIdleThreads() {
		return
	}
	if err := m.reactor.Wake(); err != nil && !errors.Is(err, api.ErrReactorClosed) {
		log.Error().Err(err).Str("iomanager", m.Name()).Msg("tickle")
	}
}

// Stopping additionally requires that no timer and no event is pending.
func (m *IOManager) Stopping() bool {
	_, stop := m.stopping()
	return stop
}

func (m *IOManager) stopping() (next uint64, stop bool) {
	next = m.NextTimeout()
	return next, next == timer.Infinite && m.pending.Load() == 0 && m.Scheduler.Stopping()
}
