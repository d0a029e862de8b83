// File: fiber/state.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fiber

import "fmt"

// State is the lifecycle state of a fiber.
type State int32

const (
	// INIT is a freshly created or reset fiber that has not run yet.
	INIT State = iota
	// HOLD is a suspended fiber waiting for an explicit re-schedule.
	HOLD
	// EXEC is the fiber currently running on some thread.
	EXEC
	// TERM is a fiber whose callback returned.
	TERM
	// READY is a suspended fiber that asked to be re-queued.
	READY
	// EXCEPT is a fiber whose callback panicked.
	EXCEPT
)

func (s State) String() string {
	switch s {
	case INIT:
		return "INIT"
	case HOLD:
		return "HOLD"
	case EXEC:
		return "EXEC"
	case TERM:
		return "TERM"
	case READY:
		return "READY"
	case EXCEPT:
		return "EXCEPT"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Done reports whether s is terminal.
func (s State) Done() bool {
	return s == TERM || s == EXCEPT
}
