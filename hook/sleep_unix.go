//go:build unix

// File: hook/sleep_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hook

import (
	"context"

	"golang.org/x/sys/unix"
)

// Nanosleep pauses for req. Unhooked calls go to nanosleep(2) and fill rem.
func Nanosleep(ctx context.Context, req *unix.Timespec, rem *unix.Timespec) error {
	if _, _, ok := hooked(ctx); !ok {
		return unix.Nanosleep(req, rem)
	}
	ms := int64(req.Sec)*1000 + int64(req.Nsec)/1000/1000
	if ms < 0 {
		return unix.EINVAL
	}
	sleepMs(ctx, uint64(ms))
	return nil
}
