//go:build !unix

// File: internal/fdtable/inspect_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fdtable

func inspect(int) (ok, socket bool) { return false, false }

func forceNonblock(int) bool { return false }
