// Package job implements rbt's in-memory job representation and its
// two-level cache keys: Base (structural identity) and Final (structural
// identity plus resolved inputs).
package job

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/FollowTheProcess/collections/set"

	rbthash "go.followtheprocess.codes/rbt/internal/hash"
)

// Key is a 64-bit digest tagged by phase (Base or Final). Both phases share
// the same representation; the phase only matters to the caller.
type Key uint64

// String returns the hex representation of the key.
func (k Key) String() string {
	return fmt.Sprintf("%016x", uint64(k))
}

// Ref identifies a producer job as configured, before it has a Base key.
// The configuration front-end is free to use whatever identity makes sense
// for it (a pointer, an index, a name); GraphBuilder only needs Ref to be
// comparable so it can dedupe shared subjobs via the glue map.
type Ref any

// Command is a job's tool and argument vector.
type Command struct {
	Tool string
	Args []string
}

// FileMapping is a (source, destination) pair of relative paths.
type FileMapping struct {
	Source      string
	Destination string
}

// Input is a tagged variant: either file mappings sourced from the project
// tree, or file mappings sourced from another job's outputs.
type Input struct {
	// Producer is nil for a FromProjectSource input.
	Producer Ref
	Files    []FileMapping
}

// IsFromJob reports whether this Input is sourced from another job's outputs.
func (i Input) IsFromJob() bool {
	return i.Producer != nil
}

// Configured is a job as supplied by the configuration front-end, before
// GraphBuilder has resolved its dependencies into Base keys.
type Configured struct {
	Ref     Ref
	Command Command
	Env     map[string]string
	Inputs  []Input
	Outputs []string
}

// Job is the Coordinator's internal representation of a configured job: its
// Base key, the project-source files it reads directly, and the mapping of
// producer Base key to the file mappings drawn from that producer.
type Job struct {
	BaseKey        Key
	Command        Command
	Env            map[string]string
	ProjectSources *set.Set[string]
	// ProjectMappings records every (source, destination) pair that must be
	// linked into a Workspace's build directory, deduplicated: declaring the
	// same mapping twice yields the union, and one source may legitimately
	// map to several destinations.
	ProjectMappings  []FileMapping
	FromProducer     map[Key][]FileMapping
	Outputs          *set.Set[string]
	DroppedDuplicate []string // outputs that were declared more than once
}

// Sanitize checks that path is relative, has no root/drive component, and
// contains no ".." components. It is a fatal configuration error otherwise.
func Sanitize(path string) error {
	if path == "" {
		return fmt.Errorf("path must not be empty")
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, `\`) {
		return fmt.Errorf("path %q must be relative", path)
	}
	if len(path) >= 2 && path[1] == ':' {
		// Drive-letter prefix, e.g. "C:\\foo".
		return fmt.Errorf("path %q must not have a drive component", path)
	}
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("path %q must not contain '..' components", path)
		}
	}
	return nil
}

// newHasher returns the hash.Hash64 used to fold Base/Final key material.
// FNV-1a is used rather than a cryptographic hash because these keys are an
// identity for deduplication and cache lookups, not a security boundary.
func newHasher() hash.Hash64 {
	return fnv.New64a()
}

func foldString(h hash.Hash64, s string) {
	_, _ = h.Write([]byte(s))
	_, _ = h.Write([]byte{0}) // separator so "ab","c" != "a","bc"
}

func foldBytes(h hash.Hash64, b []byte) {
	_, _ = h.Write(b)
	_, _ = h.Write([]byte{0})
}

func foldUint64(h hash.Hash64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = h.Write(buf[:])
}

func keyFromHasher(h hash.Hash64) Key {
	return Key(h.Sum64())
}

// sortedFileMappings returns files sorted by destination then source.
func sortedFileMappings(files []FileMapping) []FileMapping {
	out := make([]FileMapping, len(files))
	copy(out, files)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Destination != out[j].Destination {
			return out[i].Destination < out[j].Destination
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// BaseKeyOf computes c's Base key: command identity, sanitized input path
// structure, sorted outputs, and sorted env entries. It does not read any
// file content and does not fold in any producer's Base key, only the file
// mappings drawn from it: the Final key folds the producer's published
// content hash, a strictly stronger identity.
//
// baseKeys must already contain the Base key of every job c depends on via a
// FromJob input; GraphBuilder guarantees this by converting in leaf-first
// order.
func BaseKeyOf(c Configured, baseKeys map[Ref]Key) (Job, error) {
	h := newHasher()

	foldString(h, c.Command.Tool)
	for _, arg := range c.Command.Args {
		foldString(h, arg)
	}

	projectSources := set.New[string]()
	var projectMappings []FileMapping
	seenMappings := make(map[FileMapping]bool)
	fromProducer := make(map[Key][]FileMapping)
	seenFromProducer := make(map[Key]map[FileMapping]bool)

	for _, input := range c.Inputs {
		if !input.IsFromJob() {
			for _, fm := range sortedFileMappings(input.Files) {
				if err := Sanitize(fm.Source); err != nil {
					return Job{}, fmt.Errorf("project-source input: %w", err)
				}
				if err := Sanitize(fm.Destination); err != nil {
					return Job{}, fmt.Errorf("project-source input: %w", err)
				}
				foldString(h, fm.Destination)
				foldString(h, fm.Source)
				projectSources.Add(fm.Source)
				if !seenMappings[fm] {
					seenMappings[fm] = true
					projectMappings = append(projectMappings, fm)
				}
			}
			continue
		}

		producerKey, ok := baseKeys[input.Producer]
		if !ok {
			return Job{}, fmt.Errorf("input references a producer job that has not been resolved yet (internal ordering bug)")
		}

		seen := seenFromProducer[producerKey]
		if seen == nil {
			seen = make(map[FileMapping]bool)
			seenFromProducer[producerKey] = seen
		}
		for _, fm := range sortedFileMappings(input.Files) {
			if err := Sanitize(fm.Source); err != nil {
				return Job{}, fmt.Errorf("dependency input: %w", err)
			}
			if err := Sanitize(fm.Destination); err != nil {
				return Job{}, fmt.Errorf("dependency input: %w", err)
			}
			foldString(h, fm.Destination)
			foldString(h, fm.Source)
			if !seen[fm] {
				seen[fm] = true
				fromProducer[producerKey] = append(fromProducer[producerKey], fm)
			}
		}
	}

	outputs := set.New[string]()
	var dropped []string
	sortedOutputs := append([]string(nil), c.Outputs...)
	sort.Strings(sortedOutputs)
	for _, out := range sortedOutputs {
		if err := Sanitize(out); err != nil {
			return Job{}, fmt.Errorf("output: %w", err)
		}
		if outputs.Contains(out) {
			dropped = append(dropped, out)
			continue
		}
		outputs.Add(out)
		foldString(h, out)
	}

	envKeys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		foldString(h, k)
		foldString(h, c.Env[k])
	}

	return Job{
		BaseKey:          keyFromHasher(h),
		Command:          c.Command,
		Env:              c.Env,
		ProjectSources:   projectSources,
		ProjectMappings:  projectMappings,
		FromProducer:     fromProducer,
		Outputs:          outputs,
		DroppedDuplicate: dropped,
	}, nil
}

// FinalKey computes j's Final key: the Base key folded with the content
// hash of every project-source input and the published store-item hash of
// every producer, in producer-sorted order.
//
// pathHashes must contain a content hash for every path in
// j.ProjectSources. producerHashes must contain a store-item hash for every
// producer Base key in j.FromProducer. Both are internal invariant
// violations if missing.
func FinalKey(j Job, pathHashes map[string]rbthash.Digest, producerHashes map[Key]rbthash.Digest) (Key, error) {
	h := newHasher()
	foldUint64(h, uint64(j.BaseKey))

	// Iteration order here doesn't matter for correctness (only the content
	// hash matters, and paths were already folded into the Base key in
	// sorted order), but we sort anyway so the Final key is reproducible
	// across runs regardless of set iteration order.
	sortedPaths := j.ProjectSources.Items()
	sort.Strings(sortedPaths)
	for _, path := range sortedPaths {
		digest, ok := pathHashes[path]
		if !ok {
			return 0, fmt.Errorf("missing content hash for declared input %q (internal bug)", path)
		}
		foldBytes(h, digest[:])
	}

	producerKeys := make([]Key, 0, len(j.FromProducer))
	for k := range j.FromProducer {
		producerKeys = append(producerKeys, k)
	}
	sort.Slice(producerKeys, func(a, b int) bool { return producerKeys[a] < producerKeys[b] })

	for _, producer := range producerKeys {
		digest, ok := producerHashes[producer]
		if !ok {
			return 0, fmt.Errorf("missing store item hash for producer %s (internal ordering bug)", producer)
		}
		foldBytes(h, digest[:])
	}

	return keyFromHasher(h), nil
}
