// File: hook/sleep.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hook

import (
	"context"
	"time"

	"github.com/momentics/hioload-fiber/scheduler"
)

// Sleep pauses for seconds. A hooked fiber is parked on a timer instead of
// blocking its thread.
func Sleep(ctx context.Context, seconds uint) {
	sleepMs(ctx, uint64(seconds)*1000)
}

// Usleep pauses for usec microseconds, at millisecond resolution when
// hooked.
func Usleep(ctx context.Context, usec uint64) {
	if _, _, ok := hooked(ctx); !ok {
		time.Sleep(time.Duration(usec) * time.Microsecond)
		return
	}
	sleepMs(ctx, usec/1000)
}

// SleepFor pauses for d.
func SleepFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	sleepMs(ctx, uint64(d.Milliseconds()))
}

func sleepMs(ctx context.Context, ms uint64) {
	iom, f, ok := hooked(ctx)
	if !ok {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return
	}
	iom.AddTimer(ms, func() {
		iom.ScheduleFiber(f, scheduler.AnyThread)
	}, false)
	f.YieldToHold()
}
