// Package coordinator implements the scheduler that drives a built job graph
// to completion: it owns the ready/blocked bookkeeping, dispatches ready
// jobs to a Runner under bounded concurrency, and publishes their outputs to
// the Store.
package coordinator

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	rbthash "go.followtheprocess.codes/rbt/internal/hash"
	"go.followtheprocess.codes/rbt/internal/job"
	"go.followtheprocess.codes/rbt/internal/runner"
	"go.followtheprocess.codes/rbt/internal/store"
	"go.followtheprocess.codes/rbt/internal/workspace"
)

// Stats counts what happened to each job over the course of a run, for the
// CLI's --stats summary.
type Stats struct {
	Ran             atomic.Int64
	CacheHit        atomic.Int64
	SkippedUpstream atomic.Int64
	Failed          atomic.Int64
}

// Coordinator drives a graph.State to completion.
type Coordinator struct {
	jobs         map[job.Key]*job.Job
	blocked      map[job.Key]map[job.Key]struct{}
	ready        []job.Key
	pathToHash   map[string]rbthash.Digest
	jobToItem    map[job.Key]store.Item
	failed       map[job.Key]bool
	rootBaseKeys []job.Key

	store         *store.Store
	runner        runner.Runner
	workspaceRoot string
	projectRoot   string

	maxParallelism int64
	log            *zap.Logger

	mu    sync.Mutex
	Stats Stats
}

// Options configures a Coordinator.
type Options struct {
	Jobs           map[job.Key]*job.Job
	Blocked        map[job.Key]map[job.Key]struct{}
	Ready          []job.Key
	PathToHash     map[string]rbthash.Digest
	RootBaseKeys   []job.Key
	Store          *store.Store
	Runner         runner.Runner
	WorkspaceRoot  string
	ProjectRoot    string
	MaxParallelism int
	Logger         *zap.Logger
}

// New builds a Coordinator from a GraphBuilder's State plus the runtime
// collaborators it needs to actually execute jobs.
func New(opts Options) *Coordinator {
	maxParallelism := opts.MaxParallelism
	if maxParallelism < 1 {
		maxParallelism = runtime.NumCPU()
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ready := make([]job.Key, len(opts.Ready))
	copy(ready, opts.Ready)

	return &Coordinator{
		jobs:           opts.Jobs,
		blocked:        opts.Blocked,
		ready:          ready,
		pathToHash:     opts.PathToHash,
		jobToItem:      make(map[job.Key]store.Item),
		failed:         make(map[job.Key]bool),
		rootBaseKeys:   opts.RootBaseKeys,
		store:          opts.Store,
		runner:         opts.Runner,
		workspaceRoot:  opts.WorkspaceRoot,
		projectRoot:    opts.ProjectRoot,
		maxParallelism: int64(maxParallelism),
		log:            logger,
	}
}

// completion is what a spawned job task reports back to the run loop.
type completion struct {
	key  job.Key
	item store.Item
	ran  bool // false when satisfied by a store hit (or when err is set)
	err  error
}

// Run drives the graph to completion and returns a combined error for every
// job that failed. A nil error means every reachable job either ran
// successfully or was satisfied by the store.
func (c *Coordinator) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(c.maxParallelism)
	group, groupCtx := errgroup.WithContext(ctx)

	completions := make(chan completion)
	inFlight := 0
	buildFailed := false

	startJob := func(key job.Key) {
		inFlight++
		c.log.Debug("starting job",
			zap.String("job", key.String()),
			zap.Int("in_flight", inFlight),
			zap.Int("ready", len(c.ready)),
			zap.Int("blocked", len(c.blocked)),
		)
		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				completions <- completion{key: key, err: err}
				return nil
			}
			defer sem.Release(1)

			comp := c.runJob(groupCtx, key)
			completions <- comp
			return nil
		})
	}

	topUp := func() {
		for len(c.ready) > 0 && int64(inFlight) < c.maxParallelism {
			if buildFailed {
				break
			}
			key := c.ready[0]
			c.ready = c.ready[1:]
			startJob(key)
		}
	}

	topUp()

	var combined error
	for inFlight > 0 {
		comp := <-completions
		inFlight--

		if comp.err != nil {
			buildFailed = true
			c.failed[comp.key] = true
			combined = multierr.Append(combined, c.describeFailure(comp.key, comp.err))
			c.Stats.Failed.Inc()
			c.skipDependents(comp.key)
		} else {
			c.mu.Lock()
			c.jobToItem[comp.key] = comp.item
			c.mu.Unlock()
			if comp.ran {
				c.Stats.Ran.Inc()
			} else {
				c.Stats.CacheHit.Inc()
			}
			c.unblockDependents(comp.key)
		}

		topUp()
	}

	if err := group.Wait(); err != nil {
		combined = multierr.Append(combined, err)
	}

	return combined
}

// runJob starts (or skips) a single ready job and returns its completion.
func (c *Coordinator) runJob(ctx context.Context, key job.Key) completion {
	j, ok := c.jobs[key]
	if !ok {
		return completion{key: key, err: fmt.Errorf("internal error: ready job %s has no Job record", key)}
	}

	c.mu.Lock()
	producerHashes := make(map[job.Key]rbthash.Digest, len(j.FromProducer))
	for producerKey := range j.FromProducer {
		item, ok := c.jobToItem[producerKey]
		if !ok {
			c.mu.Unlock()
			return completion{key: key, err: fmt.Errorf("missing store item for producer %s (internal ordering bug)", producerKey)}
		}
		producerHashes[producerKey] = item.Hash
	}
	c.mu.Unlock()

	final, err := job.FinalKey(*j, c.pathToHash, producerHashes)
	if err != nil {
		return completion{key: key, err: err}
	}

	if item, found, err := c.store.ItemForFinalKey(final); err != nil {
		return completion{key: key, err: err}
	} else if found {
		c.log.Debug("store hit, skipping execution", zap.String("job", key.String()), zap.String("item", item.Hash.String()))
		return completion{key: key, item: item, ran: false}
	}

	ws, err := workspace.Create(c.workspaceRoot, key)
	if err != nil {
		return completion{key: key, err: err}
	}
	defer func() {
		if err := ws.Cleanup(); err != nil {
			c.log.Warn("could not clean up workspace", zap.String("job", key.String()), zap.Error(err))
		}
	}()

	c.mu.Lock()
	producers := make(map[job.Key]store.Item, len(j.FromProducer))
	for producerKey := range j.FromProducer {
		producers[producerKey] = c.jobToItem[producerKey]
	}
	c.mu.Unlock()

	if err := ws.SetUpFiles(j, c.projectRoot, producers); err != nil {
		return completion{key: key, err: err}
	}

	result, err := c.runner.Run(ctx, j, ws)
	if err != nil {
		return completion{key: key, err: err}
	}
	if !result.Ok() {
		return completion{key: key, err: fmt.Errorf("command exited with status %d: %s %v\nstderr: %s", result.Status, j.Command.Tool, j.Command.Args, result.Stderr)}
	}

	item, err := c.store.Commit(final, j, ws.Build)
	if err != nil {
		return completion{key: key, err: err}
	}

	return completion{key: key, item: item, ran: true}
}

// unblockDependents removes producer from every blocked job's dependency
// set; a set that becomes empty is promoted to ready.
func (c *Coordinator) unblockDependents(producer job.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var promoted []job.Key
	for key, deps := range c.blocked {
		if _, ok := deps[producer]; !ok {
			continue
		}
		delete(deps, producer)
		if len(deps) == 0 {
			promoted = append(promoted, key)
			delete(c.blocked, key)
		}
	}
	sort.Slice(promoted, func(i, k int) bool { return promoted[i] < promoted[k] })
	c.ready = append(c.ready, promoted...)
}

// skipDependents recursively marks every job that (transitively) depends on
// a failed producer as skipped, so its Final key is never computed against
// a producer that never published a StoreItem.
func (c *Coordinator) skipDependents(failedProducer job.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := []job.Key{failedProducer}
	for len(queue) > 0 {
		producer := queue[0]
		queue = queue[1:]

		for key, deps := range c.blocked {
			if _, ok := deps[producer]; !ok {
				continue
			}
			delete(c.blocked, key)
			c.failed[key] = true
			c.Stats.SkippedUpstream.Inc()
			c.log.Info("skipping job: upstream failure", zap.String("job", key.String()), zap.String("producer", producer.String()))
			queue = append(queue, key)
		}
	}
}

func (c *Coordinator) describeFailure(key job.Key, err error) error {
	j, ok := c.jobs[key]
	if !ok {
		return fmt.Errorf("job %s: %w", key, err)
	}
	argvPreview := j.Command.Args
	if len(argvPreview) > 3 {
		argvPreview = argvPreview[:3]
	}
	return fmt.Errorf("job %s (%s %v...): %w", key, j.Command.Tool, argvPreview, err)
}

// RootItems returns the published StoreItem for every root job, in the
// order the roots were declared. It is only meaningful to call after a
// successful Run.
func (c *Coordinator) RootItems() ([]store.Item, error) {
	items := make([]store.Item, 0, len(c.rootBaseKeys))
	for _, key := range c.rootBaseKeys {
		item, ok := c.jobToItem[key]
		if !ok {
			return nil, fmt.Errorf("root job %s was not completed", key)
		}
		items = append(items, item)
	}
	return items, nil
}

// Failed reports whether any job in the run failed, or was skipped due to an
// upstream failure.
func (c *Coordinator) Failed() bool {
	return len(c.failed) > 0
}
