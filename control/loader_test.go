package control

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-fiber/api"
)

func TestLoader_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "hioload.yaml")
	require.NoError(t, os.WriteFile(file, []byte("fiber:\n  stack_size: 65536\ntcp:\n  connect:\n    timeout: 1200\n"), 0o600))
	t.Setenv("HIOLOAD_IOMANAGER_MAX_TIMEOUT", "500")

	cs := NewConfigStore()
	stack, _ := Lookup(cs, "fiber.stack_size", uint32(1<<20), "")
	timeout, _ := Lookup(cs, "tcp.connect.timeout", 5000, "")
	maxTimeout, _ := Lookup(cs, "iomanager.max_timeout", 3000, "")

	require.NoError(t, NewLoader(cs, file).Load())
	assert.Equal(t, uint32(65536), stack.Value())
	assert.Equal(t, 1200, timeout.Value())
	assert.Equal(t, 500, maxTimeout.Value())
}

func TestLoader_EnvOnly(t *testing.T) {
	t.Setenv("HIOLOAD_TCP_CONNECT_TIMEOUT", "42")
	cs := NewConfigStore()
	timeout, _ := Lookup(cs, "tcp.connect.timeout", 5000, "")
	l := NewLoader(cs, "")
	require.NoError(t, l.Load())
	assert.Equal(t, 42, timeout.Value())
	assert.ErrorIs(t, l.Watch(), api.ErrInvalidArgument)
}

func TestLoader_MissingFile(t *testing.T) {
	l := NewLoader(NewConfigStore(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, l.Load())
}

func TestLoader_Watch(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "hioload.yaml")
	require.NoError(t, os.WriteFile(file, []byte("tcp:\n  connect:\n    timeout: 100\n"), 0o600))

	cs := NewConfigStore()
	timeout, _ := Lookup(cs, "tcp.connect.timeout", 5000, "")
	l := NewLoader(cs, file)
	require.NoError(t, l.Load())
	require.Equal(t, 100, timeout.Value())
	require.NoError(t, l.Watch())

	require.NoError(t, os.WriteFile(file, []byte("tcp:\n  connect:\n    timeout: 200\n"), 0o600))
	assert.Eventually(t, func() bool { return timeout.Value() == 200 }, 5*time.Second, 20*time.Millisecond)
}
