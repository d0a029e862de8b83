// File: api/executor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "context"

// Executor runs functions as fibers. ctx passed to fn carries the fiber.
type Executor interface {
	Go(fn func(ctx context.Context)) error
}
