package graph

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"go.followtheprocess.codes/rbt/internal/filehash"
	rbthash "go.followtheprocess.codes/rbt/internal/hash"
	"go.followtheprocess.codes/rbt/internal/job"
	"go.followtheprocess.codes/rbt/internal/pathmeta"
)

// Node is a job as supplied by the configuration front-end. Jobs compose
// recursively: a FromJob Input's Producer is the Node that produces the
// files it depends on. Node's own pointer identity is used as the job.Ref
// so that GraphBuilder can dedupe shared subjobs without back-references.
type Node struct {
	Name    string // Human-readable identity, used only in error messages.
	Command job.Command
	Env     map[string]string
	Inputs  []Input
	Outputs []string
}

// Input is a tagged variant: Producer is nil for a project-source input, or
// the Node whose outputs this input draws from.
type Input struct {
	Producer *Node
	Files    []job.FileMapping
}

// State is the fully populated result of a GraphBuilder run: the Coordinator
// consumes this directly.
type State struct {
	Jobs         map[job.Key]*job.Job
	Blocked      map[job.Key]map[job.Key]struct{}
	Ready        []job.Key
	PathToHash   map[string]rbthash.Digest
	RootBaseKeys []job.Key
}

// Builder converts a configured job graph into a State.
type Builder struct {
	// Root is the absolute path that declared project-source paths are
	// resolved against.
	Root  string
	Cache *filehash.Cache
}

// NewBuilder returns a Builder rooted at root, using cache to skip
// rehashing files whose metadata is unchanged.
func NewBuilder(root string, cache *filehash.Cache) *Builder {
	return &Builder{Root: root, Cache: cache}
}

// Build runs all five phases of graph construction over the given root jobs
// and returns the resulting State.
func (b *Builder) Build(roots []*Node) (*State, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("no root jobs given")
	}

	paths, dag, err := b.collectInputPaths(roots)
	if err != nil {
		return nil, err
	}

	metaKeys, err := b.scanMetadata(paths)
	if err != nil {
		return nil, err
	}

	pathToHash, err := b.resolveHashes(metaKeys)
	if err != nil {
		return nil, err
	}

	order, err := dag.Sort()
	if err != nil {
		return nil, err
	}

	jobs, blocked, ready, refKeys, err := b.convert(order)
	if err != nil {
		return nil, err
	}

	rootKeys := make([]job.Key, 0, len(roots))
	for _, r := range roots {
		key, ok := refKeys[r]
		if !ok {
			return nil, fmt.Errorf("internal error: root job %q was never converted", r.Name)
		}
		rootKeys = append(rootKeys, key)
	}

	return &State{
		Jobs:         jobs,
		Blocked:      blocked,
		Ready:        ready,
		PathToHash:   pathToHash,
		RootBaseKeys: rootKeys,
	}, nil
}

// collectInputPaths is Phase 1: walk every job reachable from the roots,
// accumulating the union of project-source input paths and building the
// DAG whose topological sort drives the conversion order in Phase 4.
func (b *Builder) collectInputPaths(roots []*Node) (map[string]struct{}, *DAG, error) {
	paths := make(map[string]struct{})
	dag := NewDAG()
	seen := make(map[*Node]bool)

	var walk func(n *Node) error
	walk = func(n *Node) error {
		dag.AddVertex(n)
		if seen[n] {
			return nil
		}
		seen[n] = true

		for _, in := range n.Inputs {
			if in.Producer == nil {
				for _, fm := range in.Files {
					paths[fm.Source] = struct{}{}
				}
				continue
			}
			if err := walk(in.Producer); err != nil {
				return err
			}
			if err := dag.AddEdge(in.Producer, n); err != nil {
				return err
			}
		}
		return nil
	}

	for _, r := range roots {
		if err := walk(r); err != nil {
			return nil, nil, err
		}
	}

	return paths, dag, nil
}

// scanMetadata is Phase 2: read filesystem metadata for every declared
// input path, failing if any of them turns out to be a directory.
func (b *Builder) scanMetadata(paths map[string]struct{}) (map[string]pathmeta.Key, error) {
	metaKeys := make(map[string]pathmeta.Key, len(paths))
	for relPath := range paths {
		if err := job.Sanitize(relPath); err != nil {
			return nil, fmt.Errorf("declared input: %w", err)
		}
		abs := filepath.Join(b.Root, relPath)
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("could not stat declared input %q: %w", relPath, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("declared input %q is a directory; only files are accepted as inputs", relPath)
		}
		meta, err := pathmeta.From(abs)
		if err != nil {
			return nil, fmt.Errorf("could not read metadata for %q: %w", relPath, err)
		}
		metaKeys[relPath] = meta.Digest()
	}
	return metaKeys, nil
}

// resolveHashes is Phase 3: for each path, reuse a cached content hash when
// its metadata key is a hit, otherwise hash it (in bulk, concurrently) and
// record the new (metadata, hash) pair in the FileHashCache.
func (b *Builder) resolveHashes(metaKeys map[string]pathmeta.Key) (map[string]rbthash.Digest, error) {
	pathToHash := make(map[string]rbthash.Digest, len(metaKeys))
	var toHash []string

	for relPath, meta := range metaKeys {
		digest, found, err := b.Cache.Get(meta)
		if err != nil {
			return nil, err
		}
		if found {
			pathToHash[relPath] = digest
			continue
		}
		toHash = append(toHash, relPath)
	}

	if len(toHash) == 0 {
		return pathToHash, nil
	}

	absPaths := make([]string, len(toHash))
	for i, relPath := range toHash {
		absPaths[i] = filepath.Join(b.Root, relPath)
	}

	hashed, err := rbthash.Many(absPaths)
	if err != nil {
		return nil, err
	}

	for i, relPath := range toHash {
		digest := hashed[absPaths[i]]
		pathToHash[relPath] = digest
		if err := b.Cache.Put(metaKeys[relPath], digest); err != nil {
			return nil, err
		}
	}

	return pathToHash, nil
}

// convert is the second half of Phase 4: each node in leaf-first order is
// turned into an internal Job using the already-computed Base keys of its
// dependencies, and the ready/blocked sets are populated. The returned
// refKeys is what Build uses for Phase 5's root table.
func (b *Builder) convert(order []*Node) (
	jobs map[job.Key]*job.Job,
	blocked map[job.Key]map[job.Key]struct{},
	ready []job.Key,
	refKeys map[job.Ref]job.Key,
	err error,
) {
	jobs = make(map[job.Key]*job.Job)
	blocked = make(map[job.Key]map[job.Key]struct{})
	refKeys = make(map[job.Ref]job.Key)

	names := make([]string, 0, len(order))
	for _, n := range order {
		names = append(names, n.Name)
	}

	for _, n := range order {
		configured := job.Configured{
			Ref:     n,
			Command: n.Command,
			Env:     n.Env,
			Outputs: n.Outputs,
		}

		blockers := make(map[job.Key]struct{})
		for _, in := range n.Inputs {
			var producerRef job.Ref
			if in.Producer != nil {
				key, ok := refKeys[in.Producer]
				if !ok {
					matches := fuzzy.RankFindNormalizedFold(in.Producer.Name, names)
					sort.Sort(matches)
					msg := fmt.Sprintf("job %q references producer %q which has not been resolved (unknown producer reference)", n.Name, in.Producer.Name)
					if len(matches) > 0 {
						msg = fmt.Sprintf("%s. Did you mean %q?", msg, matches[0].Target)
					}
					return nil, nil, nil, nil, errors.New(msg)
				}
				producerRef = in.Producer
				blockers[key] = struct{}{}
			}
			configured.Inputs = append(configured.Inputs, job.Input{Producer: producerRef, Files: in.Files})
		}

		j, convErr := job.BaseKeyOf(configured, refKeys)
		if convErr != nil {
			return nil, nil, nil, nil, fmt.Errorf("job %q: %w", n.Name, convErr)
		}

		refKeys[n] = j.BaseKey

		if _, exists := jobs[j.BaseKey]; exists {
			// Structurally identical job reached via a different node
			// pointer (a shared subjob) — already scheduled once.
			continue
		}
		jobs[j.BaseKey] = &j

		if len(blockers) == 0 {
			ready = append(ready, j.BaseKey)
		} else {
			blocked[j.BaseKey] = blockers
		}
	}

	sort.Slice(ready, func(i, k int) bool { return ready[i] < ready[k] })

	return jobs, blocked, ready, refKeys, nil
}
