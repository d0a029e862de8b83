// File: internal/logging/logging.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-wide structured logging for the fiber runtime. Components obtain a
// named child logger once at package init and log through it.

package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EnvLevel names the environment variable consulted for the initial level.
const EnvLevel = "HIOLOAD_LOG_LEVEL"

var (
	mu   sync.RWMutex
	root = newRoot(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	// gen counts root changes; a cached child older than gen is rebuilt.
	gen atomic.Uint64
)

func newRoot(w io.Writer) zerolog.Logger {
	return zerolog.New(w).Level(levelFromEnv()).With().Timestamp().Logger()
}

func levelFromEnv() zerolog.Level {
	switch strings.ToLower(os.Getenv(EnvLevel)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Named returns a component logger tagged with the given name.
// The returned logger follows later SetOutput/SetLevel calls.
func Named(name string) *Logger {
	return &Logger{name: name}
}

// Logger is a lazily bound component logger.
type Logger struct {
	name string
	cur  atomic.Pointer[child]
}

type child struct {
	gen uint64
	lg  zerolog.Logger
}

func (l *Logger) get() *zerolog.Logger {
	if c := l.cur.Load(); c != nil && c.gen == gen.Load() {
		return &c.lg
	}
	mu.RLock()
	c := &child{gen: gen.Load(), lg: root.With().Str("logger", l.name).Logger()}
	mu.RUnlock()
	l.cur.Store(c)
	return &c.lg
}

// Debug starts a debug level event.
func (l *Logger) Debug() *zerolog.Event { return l.get().Debug() }

// Info starts an info level event.
func (l *Logger) Info() *zerolog.Event { return l.get().Info() }

// Warn starts a warn level event.
func (l *Logger) Warn() *zerolog.Event { return l.get().Warn() }

// Error starts an error level event.
func (l *Logger) Error() *zerolog.Event { return l.get().Error() }

// SetOutput redirects the root logger, keeping the current level.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	root = root.Output(w)
	gen.Add(1)
}

// SetLevel changes the minimum level of the root logger.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	root = root.Level(level)
	gen.Add(1)
}
