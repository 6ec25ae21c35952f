// Package filehash implements FileHashCache: a persistent mapping from
// PathMetaKey digests to file content hashes, backed by an embedded
// ordered key-value store. Skipping a rehash when a file's metadata is
// unchanged is what makes incremental rebuilds fast.
package filehash

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"go.followtheprocess.codes/rbt/internal/hash"
	"go.followtheprocess.codes/rbt/internal/pathmeta"
)

// prefix namespaces this cache's keys within the shared database so the
// store's final-key table (see internal/store) can't collide with it.
var prefix = []byte("file_hashes/")

// Cache wraps a badger.DB with the file_hashes table: PathMetaKey digest
// bytes in, content hash bytes out.
type Cache struct {
	db        *badger.DB
	forceMiss bool
}

// New wraps db as a FileHashCache. The caller owns db's lifecycle.
func New(db *badger.DB) *Cache {
	return &Cache{db: db}
}

// NewAlwaysMiss wraps db as a FileHashCache whose Get always reports a miss,
// forcing every declared input to be rehashed (the --force bypass). Put
// still writes through, so a subsequent non-forced run benefits normally.
func NewAlwaysMiss(db *badger.DB) *Cache {
	return &Cache{db: db, forceMiss: true}
}

func dbKey(meta pathmeta.Key) []byte {
	key := make([]byte, 0, len(prefix)+len(meta))
	key = append(key, prefix...)
	key = append(key, meta.ToDBKey()...)
	return key
}

// Get returns the content hash previously recorded for meta, if any.
func (c *Cache) Get(meta pathmeta.Key) (hash.Digest, bool, error) {
	if c.forceMiss {
		return hash.Digest{}, false, nil
	}

	var digest hash.Digest
	found := false

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey(meta))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) != hash.Size {
				return fmt.Errorf("corrupt file hash cache entry: expected %d bytes, got %d", hash.Size, len(val))
			}
			copy(digest[:], val)
			found = true
			return nil
		})
	})
	if err != nil {
		return hash.Digest{}, false, fmt.Errorf("could not read file hash cache: %w", err)
	}
	return digest, found, nil
}

// Put records the content hash for meta, overwriting any previous entry.
func (c *Cache) Put(meta pathmeta.Key, digest hash.Digest) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dbKey(meta), digest[:])
	})
	if err != nil {
		return fmt.Errorf("could not write file hash cache: %w", err)
	}
	return nil
}
