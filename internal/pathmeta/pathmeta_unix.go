//go:build unix

package pathmeta

import (
	"golang.org/x/sys/unix"
)

// fillPOSIX fills in the inode, mode, uid and gid fields by stat-ing path
// directly through x/sys/unix. os.FileInfo.Sys() on unix returns a
// *syscall.Stat_t, a different type from unix.Stat_t, so it can't be used
// here; a direct unix.Lstat call is what actually populates these fields.
func fillPOSIX(key *PathMetaKey, path string) {
	var stat unix.Stat_t
	if err := unix.Lstat(path, &stat); err != nil {
		return
	}
	key.Inode = stat.Ino
	key.Mode = uint32(stat.Mode)
	key.UID = stat.Uid
	key.GID = stat.Gid
}
