// Package store implements the content-addressed directory of immutable job
// outputs, plus the persistent Final-key to content-hash association that
// lets the Coordinator skip work it has already done.
package store

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	rbthash "go.followtheprocess.codes/rbt/internal/hash"
	"go.followtheprocess.codes/rbt/internal/job"
)

var tablePrefix = []byte("store/")

// Item is a read-only, published job output: the directory at Path is
// content-addressed by Hash and immutable from the moment commit returns.
type Item struct {
	Hash rbthash.Digest
	Path string
}

// Store owns the on-disk content-addressed directory tree and the
// final_key -> content_hash association table inside the shared database.
type Store struct {
	root string
	db   *badger.DB
}

// New returns a Store rooted at root (typically <root-dir>/store), backed by
// db for the persistent association table. The caller owns db's lifetime.
func New(root string, db *badger.DB) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("could not create store root %s: %w", root, err)
	}
	return &Store{root: root, db: db}, nil
}

func dbKey(final job.Key) []byte {
	buf := make([]byte, 0, len(tablePrefix)+8)
	buf = append(buf, tablePrefix...)
	var keyBytes [8]byte
	for i := 0; i < 8; i++ {
		keyBytes[i] = byte(uint64(final) >> (8 * i))
	}
	return append(buf, keyBytes[:]...)
}

// ItemForFinalKey looks up final in the association table. The second
// return value is false when there is no recorded association, which is the
// normal case for a job that hasn't been built before.
func (s *Store) ItemForFinalKey(final job.Key) (Item, bool, error) {
	var hexHash string
	err := s.db.View(func(txn *badger.Txn) error {
		entry, err := txn.Get(dbKey(final))
		if err != nil {
			return err
		}
		return entry.Value(func(val []byte) error {
			hexHash = string(val)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("could not read store association for %s: %w", final, err)
	}

	digest, err := digestFromHex(hexHash)
	if err != nil {
		return Item{}, false, fmt.Errorf("corrupt store association for %s: %w", final, err)
	}

	return Item{Hash: digest, Path: filepath.Join(s.root, hexHash)}, true, nil
}

// Commit hashes job j's outputs (rooted at workspaceBuild), publishes them
// into the store if they are not already present under that content hash,
// and records the final -> hash association. It is safe to call Commit with
// outputs that hash identically to a previous commit: publication is
// idempotent.
func (s *Store) Commit(final job.Key, j *job.Job, workspaceBuild string) (Item, error) {
	outputs := j.Outputs.Items()
	sort.Strings(outputs)

	digest, err := hashOutputs(workspaceBuild, outputs)
	if err != nil {
		return Item{}, err
	}

	hexHash := digest.String()
	dest := filepath.Join(s.root, hexHash)

	if _, statErr := os.Stat(dest); statErr != nil {
		if err := s.publish(workspaceBuild, outputs, hexHash, dest); err != nil {
			return Item{}, err
		}
	}

	if err := s.recordAssociation(final, hexHash); err != nil {
		return Item{}, err
	}

	return Item{Hash: digest, Path: dest}, nil
}

// hashOutputs computes the store item's identity hash: the relative path
// and content bytes of every output, in sorted order.
func hashOutputs(workspaceBuild string, outputs []string) (rbthash.Digest, error) {
	h := rbthash.NewMulti()
	for _, relPath := range outputs {
		h.WritePath(relPath)
		if err := h.WriteFileContents(filepath.Join(workspaceBuild, relPath)); err != nil {
			return rbthash.Digest{}, fmt.Errorf("could not hash output %q: %w", relPath, err)
		}
	}
	return h.Sum(), nil
}

// publish moves every output from the workspace into a temporary directory
// inside the store root, fixes permissions, then atomically renames the
// temporary directory into place. If another job publishes the same content
// hash concurrently, the losing temporary directory is discarded and the
// winner's directory is kept (idempotent publication).
func (s *Store) publish(workspaceBuild string, outputs []string, hexHash, dest string) error {
	tmp, err := os.MkdirTemp(s.root, "tmp-*")
	if err != nil {
		return fmt.Errorf("could not create temporary store directory: %w", err)
	}
	// A no-op once the rename below succeeds; otherwise discards whatever
	// was staged.
	defer os.RemoveAll(tmp)

	// Created directories are tracked relative to the item root, every
	// ancestor included, so MkdirAll runs once per subtree and each one
	// can be made read-only after the final rename: the losing side of a
	// publication race must still be able to remove its temp tree.
	createdDirs := make(map[string]bool)
	for _, relPath := range outputs {
		srcPath := filepath.Join(workspaceBuild, relPath)
		dstPath := filepath.Join(tmp, relPath)

		parent := filepath.Dir(relPath)
		if parent != "." && !createdDirs[parent] {
			if err := os.MkdirAll(filepath.Join(tmp, parent), 0o755); err != nil {
				return fmt.Errorf("could not create store parent directory for %q: %w", relPath, err)
			}
			for dir := parent; dir != "."; dir = filepath.Dir(dir) {
				createdDirs[dir] = true
			}
		}

		if err := os.Rename(srcPath, dstPath); err != nil {
			return fmt.Errorf("could not move output %q into the store: %w", relPath, err)
		}
		if err := os.Chmod(dstPath, 0o444); err != nil {
			return fmt.Errorf("could not make output %q read-only: %w", relPath, err)
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		if os.IsExist(err) {
			// Another job published hexHash between our stat and our
			// rename; keep the winner, our temp dir is cleaned up above.
			return nil
		}
		return fmt.Errorf("could not publish store item %s: %w", hexHash, err)
	}

	for dir := range createdDirs {
		if err := os.Chmod(filepath.Join(dest, dir), 0o555); err != nil {
			return fmt.Errorf("could not make store directory %q read-only: %w", dir, err)
		}
	}

	return os.Chmod(dest, 0o555)
}

func (s *Store) recordAssociation(final job.Key, hexHash string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dbKey(final), []byte(hexHash))
	})
	if err != nil {
		return fmt.Errorf("could not record store association for %s: %w", final, err)
	}
	return nil
}

func digestFromHex(s string) (rbthash.Digest, error) {
	var digest rbthash.Digest
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return digest, err
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("expected %d bytes, got %d", len(digest), len(decoded))
	}
	copy(digest[:], decoded)
	return digest, nil
}
