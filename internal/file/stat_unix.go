//go:build unix

package file

import (
	"io/fs"
	"syscall"
)

// statOwner extracts uid/gid from a FileInfo's underlying stat data.
func statOwner(fi fs.FileInfo) (uint32, uint32) {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint32(st.Uid), uint32(st.Gid)
	}
	return 0, 0
}
