// File: scheduler/workgroup.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WorkerGroup bounds how many callbacks of a batch run at once and lets the
// submitting fiber wait for all of them. WorkerManager is a registry of
// schedulers looked up by name.

package scheduler

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
)

// WorkerGroup runs callbacks on a scheduler with at most batch in flight.
type WorkerGroup struct {
	batch    int
	sched    *Scheduler
	sem      *FiberSemaphore
	finished atomic.Bool
}

// NewWorkerGroup creates a group of batch slots on s.
func NewWorkerGroup(batch int, s *Scheduler) (*WorkerGroup, error) {
	if batch <= 0 || s == nil {
		return nil, errors.Wrapf(api.ErrInvalidArgument, "worker group batch=%d", batch)
	}
	return &WorkerGroup{batch: batch, sched: s, sem: NewFiberSemaphore(batch)}, nil
}

// Schedule submits fn, holding the calling fiber while all slots are busy.
// Outside a fiber it fails with api.ErrNoFiber once no slot is free.
func (g *WorkerGroup) Schedule(ctx context.Context, fn fiber.Func, thread int) error {
	if fn == nil {
		return api.ErrInvalidArgument
	}
	if g.finished.Load() {
		return errors.Wrap(api.ErrSchedulerStopped, "worker group finished")
	}
	if !g.sem.TryWait() {
		if err := g.sem.Wait(ctx); err != nil {
			return err
		}
	}
	g.sched.Schedule(Task{Thread: thread, Func: func(ctx context.Context) {
		defer g.sem.Notify()
		fn(ctx)
	}})
	return nil
}

// WaitAll holds the calling fiber until every scheduled callback returned.
// The group accepts no work afterwards. A second call returns at once.
func (g *WorkerGroup) WaitAll(ctx context.Context) error {
	if f := fiber.Current(ctx); f == nil || f.IsMain() {
		return api.ErrNoFiber
	}
	if _, ok := FromContext(ctx); !ok {
		return api.ErrNoFiber
	}
	if !g.finished.CompareAndSwap(false, true) {
		return nil
	}
	for i := 0; i < g.batch; i++ {
		if err := g.sem.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Worker is a scheduler or a type embedding one, such as an IOManager.
type Worker interface {
	Base() *Scheduler
	Stop()
}

type workerSet struct {
	workers []Worker
	next    atomic.Uint64
}

// WorkerManager keeps named schedulers. Several schedulers may share a
// name; Get rotates over them.
type WorkerManager struct {
	mu      sync.RWMutex
	sets    map[string]*workerSet
	stopped bool
}

// NewWorkerManager creates an empty registry.
func NewWorkerManager() *WorkerManager {
	return &WorkerManager{sets: make(map[string]*workerSet)}
}

// Add registers w under its scheduler name.
func (wm *WorkerManager) Add(w Worker) {
	name := w.Base().Name()
	wm.mu.Lock()
	defer wm.mu.Unlock()
	set, ok := wm.sets[name]
	if !ok {
		set = &workerSet{}
		wm.sets[name] = set
	}
	set.workers = append(set.workers, w)
}

// Get returns a worker registered under name, or nil.
func (wm *WorkerManager) Get(name string) Worker {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	set, ok := wm.sets[name]
	if !ok || len(set.workers) == 0 {
		return nil
	}
	if len(set.workers) == 1 {
		return set.workers[0]
	}
	return set.workers[(set.next.Add(1)-1)%uint64(len(set.workers))]
}

// Schedule submits t to a worker named name.
func (wm *WorkerManager) Schedule(name string, t Task) error {
	w := wm.Get(name)
	if w == nil {
		log.Error().Str("scheduler", name).Msg("scheduler not registered")
		return errors.Wrapf(api.ErrInvalidArgument, "scheduler %q not registered", name)
	}
	w.Base().Schedule(t)
	return nil
}

// ScheduleBatch submits every task of seq to one worker named name.
func (wm *WorkerManager) ScheduleBatch(name string, seq iter.Seq[Task]) error {
	w := wm.Get(name)
	if w == nil {
		log.Error().Str("scheduler", name).Msg("scheduler not registered")
		return errors.Wrapf(api.ErrInvalidArgument, "scheduler %q not registered", name)
	}
	w.Base().ScheduleBatch(seq)
	return nil
}

// Count returns the number of registered workers.
func (wm *WorkerManager) Count() int {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	n := 0
	for _, set := range wm.sets {
		n += len(set.workers)
	}
	return n
}

// Stop stops every registered worker once.
func (wm *WorkerManager) Stop() {
	wm.mu.Lock()
	if wm.stopped {
		wm.mu.Unlock()
		return
	}
	wm.stopped = true
	var all []Worker
	for _, set := range wm.sets {
		all = append(all, set.workers...)
	}
	wm.mu.Unlock()
	for _, w := range all {
		w.Stop()
	}
}

// Stopped reports whether Stop ran.
func (wm *WorkerManager) Stopped() bool {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	return wm.stopped
}

// Dump writes every worker grouped by name, names sorted.
func (wm *WorkerManager) Dump(w io.Writer) error {
	wm.mu.RLock()
	names := make([]string, 0, len(wm.sets))
	for name := range wm.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	sets := make([][]Worker, len(names))
	for i, name := range names {
		sets[i] = append([]Worker(nil), wm.sets[name].workers...)
	}
	wm.mu.RUnlock()

	for i, name := range names {
		if _, err := fmt.Fprintf(w, "name=%s workers=%d\n", name, len(sets[i])); err != nil {
			return err
		}
		for _, wk := range sets[i] {
			if err := wk.Base().Dump(w); err != nil {
				return err
			}
		}
	}
	return nil
}
