// File: hook/hook.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package hook is the non-blocking I/O facade of the runtime. Its functions
// look like the blocking syscalls they wrap; inside an IOManager fiber with
// hooking enabled they park the fiber on EAGAIN until the fd is ready or
// its timeout expires, and leave the worker thread free for other fibers.
// Elsewhere they delegate to the raw call.

package hook

import (
	"context"
	"sync/atomic"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/logging"
	"github.com/momentics/hioload-fiber/iomanager"
)

// DefaultConnectTimeout is the connect timeout in ms used by Connect.
const DefaultConnectTimeout int64 = 5000

var (
	log            = logging.Named("system")
	connectTimeout atomic.Int64
)

func init() {
	connectTimeout.Store(DefaultConnectTimeout)
}

// SetConnectTimeout changes the timeout in ms applied by Connect. A
// negative value disables it.
func SetConnectTimeout(ms int64) {
	log.Info().Int64("old", connectTimeout.Load()).Int64("new", ms).Msg("tcp connect timeout changed")
	connectTimeout.Store(ms)
}

// ConnectTimeout returns the timeout in ms applied by Connect.
func ConnectTimeout() int64 { return connectTimeout.Load() }

// IsEnabled reports whether hooking is on for the thread running ctx.
func IsEnabled(ctx context.Context) bool {
	l := fiber.LocalFromContext(ctx)
	return l != nil && l.HookEnabled()
}

// SetEnabled toggles hooking for the thread running ctx. Scheduler
// workers enable it at startup.
func SetEnabled(ctx context.Context, on bool) {
	if l := fiber.LocalFromContext(ctx); l != nil {
		l.SetHookEnabled(on)
	}
}

// hooked returns the IOManager that may park the fiber running in ctx.
func hooked(ctx context.Context) (*iomanager.IOManager, *fiber.Fiber, bool) {
	f := fiber.Current(ctx)
	if f == nil || f.IsMain() {
		return nil, nil, false
	}
	if l := f.Local(); l == nil || !l.HookEnabled() {
		return nil, nil, false
	}
	iom, ok := iomanager.FromContext(ctx)
	return iom, f, ok
}
