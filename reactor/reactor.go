// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Readiness-notification interface used by the IOManager. Registrations are
// edge-triggered; the reactor owns a wakeup channel so blocked waiters can
// be interrupted from any thread.

package reactor

import "github.com/pkg/errors"

// ErrNotRegistered reports that the kernel no longer knows the fd, either
// because it was never added or because it has been closed.
var ErrNotRegistered = errors.New("reactor: fd not registered")

// Events is a bitmask of readiness conditions.
type Events uint32

const (
	EventNone  Events = 0x0
	EventRead  Events = 0x1
	EventWrite Events = 0x4
	// EventError and EventHangup are only reported, never registered.
	EventError  Events = 0x8
	EventHangup Events = 0x10
)

func (e Events) String() string {
	if e == EventNone {
		return "NONE"
	}
	s := ""
	add := func(bit Events, name string) {
		if e&bit != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(EventRead, "READ")
	add(EventWrite, "WRITE")
	add(EventError, "ERROR")
	add(EventHangup, "HUP")
	return s
}

// Ready is one readiness report returned by Wait.
type Ready struct {
	Fd     int
	Events Events
}

// Reactor multiplexes readiness of file descriptors.
type Reactor interface {
	// Add starts watching fd for events.
	Add(fd int, events Events) error

	// Modify replaces the watched events of fd.
	Modify(fd int, events Events) error

	// Remove stops watching fd.
	Remove(fd int) error

	// Wait blocks up to timeoutMs (negative blocks forever) and fills out.
	// Interrupted waits are retried; wakeups are consumed internally and
	// not reported, so n may be 0 after Wake.
	Wait(out []Ready, timeoutMs int) (n int, err error)

	// Wake interrupts one blocked Wait.
	Wake() error

	// Close releases the OS resources.
	Close() error
}
