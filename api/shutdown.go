// File: api/shutdown.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// GracefulShutdown is implemented by components with an explicit teardown.
type GracefulShutdown interface {
	// Shutdown stops internal services and releases resources.
	Shutdown() error
}
