// File: api/debug.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Debug exposes runtime introspection.
type Debug interface {
	// DumpState emits a snapshot of runtime state for diagnostics.
	DumpState() map[string]any

	// RegisterProbe registers a named probe.
	RegisterProbe(name string, fn func() any)
}
