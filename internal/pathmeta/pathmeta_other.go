//go:build !unix

package pathmeta

// fillPOSIX is a no-op on non-POSIX systems; PathMetaKey only carries
// mtime and length there.
func fillPOSIX(key *PathMetaKey, path string) {}
