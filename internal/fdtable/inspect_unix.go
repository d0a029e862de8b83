//go:build unix

// File: internal/fdtable/inspect_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fdtable

import "golang.org/x/sys/unix"

func inspect(fd int) (ok, socket bool) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false, false
	}
	return true, st.Mode&unix.S_IFMT == unix.S_IFSOCK
}

func forceNonblock(fd int) bool {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false
	}
	if flags&unix.O_NONBLOCK == 0 {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
			return false
		}
	}
	return true
}
