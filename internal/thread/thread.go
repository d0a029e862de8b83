// File: internal/thread/thread.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread wraps a long-lived worker goroutine that plays the role of an OS
// thread for the scheduler: it has a process-unique id, a name (exported as a
// pprof label) and a startup handshake so that New returns only after the
// worker is running and its id is observable.

package thread

import (
	"context"
	"runtime/pprof"
	"sync/atomic"

	"github.com/momentics/hioload-fiber/internal/logging"
)

const defaultName = "UNKNOWN"

var (
	lastID atomic.Int64
	log    = logging.Named("system")
)

// NextID allocates a process-unique thread id. Ids start at 1.
func NextID() int {
	return int(lastID.Add(1))
}

// Thread is a named worker goroutine.
type Thread struct {
	id      int
	name    string
	cb      func(t *Thread)
	started *Semaphore
	done    chan struct{}
}

// New starts cb on a new worker named name and waits until it is running.
func New(name string, cb func(t *Thread)) *Thread {
	if name == "" {
		name = defaultName
	}
	t := &Thread{
		name:    name,
		cb:      cb,
		started: NewSemaphore(0),
		done:    make(chan struct{}),
	}
	go t.run()
	t.started.Wait()
	return t
}

func (t *Thread) run() {
	defer close(t.done)
	t.id = NextID()
	cb := t.cb
	t.cb = nil
	t.started.Notify()

	labels := pprof.Labels("thread", t.name)
	pprof.Do(context.Background(), labels, func(context.Context) {
		cb(t)
	})
	log.Debug().Str("thread", t.name).Int("tid", t.id).Msg("thread exit")
}

// ID returns the process-unique id of the thread.
func (t *Thread) ID() int { return t.id }

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// Join blocks until the thread function returns.
func (t *Thread) Join() {
	<-t.done
}

// Done is closed once the thread function has returned.
func (t *Thread) Done() <-chan struct{} { return t.done }
