// Package hash implements the content hasher used to turn file bytes into
// the 256-bit digests that make up rbt's Final keys and store item
// identities, plus a concurrent worker pool for hashing many files at once.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"runtime"
	"sync"
)

// Size is the length in bytes of a content digest.
const Size = sha256.Size

// chunkSize is the read buffer size, chosen to be friendly to SIMD-accelerated
// sha256 implementations.
const chunkSize = 16 * 1024

// Digest is a 256-bit content hash.
type Digest [Size]byte

// String returns the lower-case hex representation of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// File streams the file at path through a SHA-256 hash in chunkSize-sized
// reads and returns the resulting digest.
func File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("could not open %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	// Wrapping f hides *os.File's WriterTo, so CopyBuffer really reads
	// through buf instead of falling back to its own buffer size.
	if _, err := io.CopyBuffer(h, struct{ io.Reader }{f}, buf); err != nil {
		return Digest{}, fmt.Errorf("could not hash %s: %w", path, err)
	}

	var digest Digest
	copy(digest[:], h.Sum(nil))
	return digest, nil
}

// Multi folds an ordered sequence of paths and file contents into a single
// digest, used by the store to compute an output set's identity hash from
// each output's relative path and bytes.
type Multi struct {
	h   hash.Hash
	err error
}

// NewMulti returns an empty Multi hasher.
func NewMulti() *Multi {
	return &Multi{h: sha256.New()}
}

// WritePath folds a relative path's bytes into the hash, followed by a NUL
// separator so that adjacent path/content writes can never collide.
func (m *Multi) WritePath(path string) {
	if m.err != nil {
		return
	}
	_, _ = m.h.Write([]byte(path))
	_, _ = m.h.Write([]byte{0})
}

// WriteFileContents streams path's bytes into the hash in chunkSize reads.
func (m *Multi) WriteFileContents(path string) error {
	if m.err != nil {
		return m.err
	}
	f, err := os.Open(path)
	if err != nil {
		m.err = fmt.Errorf("could not open %s for hashing: %w", path, err)
		return m.err
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(m.h, struct{ io.Reader }{f}, buf); err != nil {
		m.err = fmt.Errorf("could not hash %s: %w", path, err)
		return m.err
	}
	return nil
}

// Sum finalizes the hasher and returns the resulting digest.
func (m *Multi) Sum() Digest {
	var digest Digest
	copy(digest[:], m.h.Sum(nil))
	return digest
}

// fileResult is the outcome of hashing a single file, passed around on a
// channel by the concurrent worker pool below.
type fileResult struct {
	path   string
	digest Digest
	err    error
}

// Many hashes every file in paths concurrently, using a worker pool sized to
// min(NumCPU, len(paths)), and returns a map of path to digest. It is used by
// the graph builder's hash-resolution phase to chew through every file that
// missed the FileHashCache.
func Many(paths []string) (map[string]Digest, error) {
	if len(paths) == 0 {
		return map[string]Digest{}, nil
	}

	jobs := make(chan string)
	results := make(chan fileResult)

	nWorkers := runtime.NumCPU()
	if nWorkers > len(paths) {
		nWorkers = len(paths)
	}

	var wg sync.WaitGroup
	for i := 0; i < nWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				digest, err := File(path)
				results <- fileResult{path: path, digest: digest, err: err}
			}
		}()
	}

	go func() {
		for _, path := range paths {
			jobs <- path
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]Digest, len(paths))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		out[r.path] = r.digest
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
