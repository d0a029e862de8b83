//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import (
	"github.com/pkg/errors"

	"github.com/momentics/hioload-fiber/api"
)

// New returns an error for unsupported platforms.
func New() (Reactor, error) {
	return nil, errors.Wrap(api.ErrNotSupported, "reactor: this platform is not supported")
}
