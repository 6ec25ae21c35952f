// Package pathmeta implements PathMetaKey, a compact summary of a file's
// identity on disk used to decide whether a file's content needs rehashing.
package pathmeta

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Key is an 8-byte digest of a PathMetaKey, suitable for use as a database key.
type Key [8]byte

// String returns the hex representation of the key.
func (k Key) String() string {
	return fmt.Sprintf("%x", [8]byte(k))
}

// PathMetaKey is the identity of a file on disk: its modification time and
// length, plus (on POSIX) its inode, mode, uid and gid. Identical metadata
// on the same filesystem is assumed to imply identical content; when that
// assumption is ever wrong, clearing the file_hashes table is the remedy.
type PathMetaKey struct {
	ModTime int64
	Length  uint64
	Inode   uint64
	Mode    uint32
	UID     uint32
	GID     uint32
}

// From builds a PathMetaKey from the metadata of the file at path.
func From(path string) (PathMetaKey, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return PathMetaKey{}, fmt.Errorf("could not stat %s: %w", path, err)
	}

	key := PathMetaKey{
		ModTime: info.ModTime().UnixNano(),
		Length:  uint64(info.Size()),
	}
	fillPOSIX(&key, path)

	return key, nil
}

// Digest folds the PathMetaKey's fields into a single 8-byte key.
func (p PathMetaKey) Digest() Key {
	var buf [40]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.ModTime))
	binary.LittleEndian.PutUint64(buf[8:16], p.Length)
	binary.LittleEndian.PutUint64(buf[16:24], p.Inode)
	binary.LittleEndian.PutUint32(buf[24:28], p.Mode)
	binary.LittleEndian.PutUint32(buf[28:32], p.UID)
	binary.LittleEndian.PutUint32(buf[32:36], p.GID)

	sum := xxhash.Sum64(buf[:36])

	var key Key
	binary.LittleEndian.PutUint64(key[:], sum)
	return key
}

// ToDBKey returns the key's bytes, ready to be used as a database key.
func (k Key) ToDBKey() []byte {
	return k[:]
}
