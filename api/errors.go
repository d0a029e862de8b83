// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error values shared by the fiber runtime packages.

package api

import "errors"

// Common errors used across the runtime.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotSupported     = errors.New("operation not supported")
	ErrEventExists      = errors.New("event already registered for fd")
	ErrNoFiber          = errors.New("caller is not running in a fiber")
	ErrSchedulerStopped = errors.New("scheduler is stopped")
	ErrNotIOManager     = errors.New("current scheduler is not an IOManager")
	ErrReactorClosed    = errors.New("reactor is closed")
)
