// File: api/control.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Control manages dynamic configuration.
type Control interface {
	GetSnapshot() map[string]any
	SetConfig(cfg map[string]any) error
	OnReload(fn func())
}
