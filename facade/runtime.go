// File: facade/runtime.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime aggregates the fiber runtime behind a single object: one IOManager,
// the configuration store bound to the runtime knobs, metrics and debug
// probes. It is constructed and shut down explicitly; several runtimes may
// coexist in one process.

package facade

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/hook"
	"github.com/momentics/hioload-fiber/internal/logging"
	"github.com/momentics/hioload-fiber/iomanager"
)

// Well-known configuration names.
const (
	KeyStackSize      = "fiber.stack_size"
	KeyConnectTimeout = "tcp.connect.timeout"
	KeyMaxTimeout     = "iomanager.max_timeout"
)

var log = logging.Named("system")

// Config holds parameters fixed for the lifetime of a Runtime. Tunables that
// may change live go through the ConfigStore instead.
type Config struct {
	Name          string // scheduler name, used for thread names
	Threads       int    // worker count, <= 0 selects NumCPU
	UseCaller     bool   // whether the constructing goroutine joins the pool in Shutdown
	ConfigFile    string // optional yaml/toml/json file
	WatchConfig   bool   // re-apply ConfigFile on change
	EnableMetrics bool
	EnableDebug   bool
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		Name:          "main",
		Threads:       0,
		EnableMetrics: true,
		EnableDebug:   true,
	}
}

// Runtime is the main facade type.
type Runtime struct {
	cfg     *Config
	iom     *iomanager.IOManager
	store   *control.ConfigStore
	loader  *control.Loader
	metrics *control.MetricsRegistry
	probes  *control.DebugProbes

	stackSize      *control.Var[uint32]
	connectTimeout *control.Var[int]
	maxTimeout     *control.Var[int]
	unbind         []func()

	mu     sync.Mutex
	closed bool
}

var (
	_ api.GracefulShutdown = (*Runtime)(nil)
	_ api.Executor         = (*Runtime)(nil)
)

// New builds and starts a Runtime. Configuration is read once from the
// file and environment, then kept current through listeners.
func New(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	r := &Runtime{cfg: cfg, store: control.NewConfigStore()}

	var err error
	if r.stackSize, err = control.Lookup(r.store, KeyStackSize, fiber.DefaultStackSize, "fiber stack size"); err != nil {
		return nil, err
	}
	if r.connectTimeout, err = control.Lookup(r.store, KeyConnectTimeout, int(hook.DefaultConnectTimeout), "tcp connect timeout in ms"); err != nil {
		return nil, err
	}
	if r.maxTimeout, err = control.Lookup(r.store, KeyMaxTimeout, iomanager.DefaultMaxTimeout, "max reactor wait in ms"); err != nil {
		return nil, err
	}

	r.loader = control.NewLoader(r.store, cfg.ConfigFile)
	if err := r.loader.Load(); err != nil {
		return nil, errors.Wrap(err, "facade: load config")
	}

	r.iom, err = iomanager.New(cfg.Threads, cfg.UseCaller, cfg.Name, iomanager.WithMaxTimeout(r.maxTimeout.Value()))
	if err != nil {
		return nil, errors.Wrap(err, "facade: iomanager")
	}
	r.bind()

	if cfg.EnableMetrics {
		r.metrics = control.NewMetricsRegistry()
		if err := r.registerMetrics(); err != nil {
			r.iom.Stop()
			return nil, err
		}
	}
	r.probes = control.NewDebugProbes()
	if cfg.EnableDebug {
		r.registerProbes()
	}
	if cfg.WatchConfig && cfg.ConfigFile != "" {
		if err := r.loader.Watch(); err != nil {
			log.Warn().Err(err).Msg("config watch disabled")
		}
	}
	log.Debug().Str("name", cfg.Name).Msg("runtime started")
	return r, nil
}

// bind applies the current values and follows later changes.
func (r *Runtime) bind() {
	fiber.SetDefaultStackSize(r.stackSize.Value())
	hook.SetConnectTimeout(int64(r.connectTimeout.Value()))

	k1 := r.stackSize.AddListener(func(_, n uint32) { fiber.SetDefaultStackSize(n) })
	k2 := r.connectTimeout.AddListener(func(_, n int) { hook.SetConnectTimeout(int64(n)) })
	k3 := r.maxTimeout.AddListener(func(_, n int) { r.iom.SetMaxTimeout(n) })
	r.unbind = []func(){
		func() { r.stackSize.DelListener(k1) },
		func() { r.connectTimeout.DelListener(k2) },
		func() { r.maxTimeout.DelListener(k3) },
	}
}

func (r *Runtime) registerMetrics() error {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"active_threads", "workers running a fiber", func() float64 { return float64(r.iom.ActiveThreads()) }},
		{"idle_threads", "workers inside the idle fiber", func() float64 { return float64(r.iom.IdleThreads()) }},
		{"queued_tasks", "tasks waiting in the ready queue", func() float64 { return float64(r.iom.Pending()) }},
		{"pending_events", "armed fd events", func() float64 { return float64(r.iom.PendingEvents()) }},
		{"pending_timers", "armed timers", func() float64 { return float64(r.iom.Len()) }},
		{"live_fibers", "fibers not yet terminated", func() float64 { return float64(fiber.Live()) }},
	}
	for _, g := range gauges {
		if err := r.metrics.GaugeFunc(g.name, g.help, g.fn); err != nil {
			return err
		}
	}
	return r.metrics.CounterFunc("fiber_panics_total", "fiber callbacks that panicked", func() float64 {
		return float64(fiber.Panics())
	})
}

func (r *Runtime) registerProbes() {
	r.probes.RegisterProbe("scheduler", func() any { return r.iom.Snapshot() })
	r.probes.RegisterProbe("config", func() any { return r.store.GetSnapshot() })
	r.probes.RegisterProbe("timers", func() any { return r.iom.Len() })
	control.RegisterPlatformProbes(r.probes)
}

// Go schedules fn as a new fiber.
func (r *Runtime) Go(fn func(ctx context.Context)) error {
	if r.isClosed() {
		return api.ErrSchedulerStopped
	}
	r.iom.ScheduleFunc(fn)
	return nil
}

// Run schedules fn and waits for it to return or for ctx to end.
func (r *Runtime) Run(ctx context.Context, fn fiber.Func) error {
	done := make(chan struct{})
	if err := r.Go(func(fctx context.Context) {
		defer close(done)
		fn(fctx)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IOManager returns the runtime's IOManager.
func (r *Runtime) IOManager() *iomanager.IOManager { return r.iom }

// Config returns the configuration store.
func (r *Runtime) Config() *control.ConfigStore { return r.store }

// Metrics returns the metrics registry, nil when metrics are disabled.
func (r *Runtime) Metrics() *control.MetricsRegistry { return r.metrics }

// Probes returns the debug probe registry.
func (r *Runtime) Probes() *control.DebugProbes { return r.probes }

func (r *Runtime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Shutdown stops the IOManager after its queued work and timers drain and
// detaches the config listeners. Calling it again is a no-op.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	for _, fn := range r.unbind {
		fn()
	}
	r.iom.Stop()
	log.Debug().Str("name", r.cfg.Name).Msg("runtime stopped")
	return nil
}
