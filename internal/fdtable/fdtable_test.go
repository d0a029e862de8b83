//go:build unix

package fdtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTable_SocketIsForcedNonblocking(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	tbl := New()
	assert.Nil(t, tbl.Get(fds[0], false))

	c := tbl.Get(fds[0], true)
	require.NotNil(t, c)
	assert.True(t, c.IsInit())
	assert.True(t, c.IsSocket())
	assert.True(t, c.SysNonblock())
	assert.False(t, c.UserNonblock())
	assert.Same(t, c, tbl.Get(fds[0], true))

	flags, err := unix.FcntlInt(uintptr(fds[0]), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)

	assert.Equal(t, NoTimeout, c.Timeout(Recv))
	c.SetTimeout(Recv, 50)
	c.SetTimeout(Send, 70)
	assert.EqualValues(t, 50, c.Timeout(Recv))
	assert.EqualValues(t, 70, c.Timeout(Send))

	tbl.Del(fds[0])
	assert.True(t, c.IsClosed())
	assert.Nil(t, tbl.Get(fds[0], false))
}

func TestTable_PipeIsNotSocket(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	c := New().Get(p[0], true)
	assert.True(t, c.IsInit())
	assert.False(t, c.IsSocket())
	assert.False(t, c.SysNonblock())
}

func TestTable_GrowsForLargeFds(t *testing.T) {
	tbl := New()
	c := tbl.Get(1000, true)
	require.NotNil(t, c)
	assert.False(t, c.IsInit(), "fstat fails on an unopened fd")
	assert.Equal(t, 1, tbl.Len())
	assert.Nil(t, tbl.Get(-1, true))
	tbl.Del(5000)
}
