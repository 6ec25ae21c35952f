// Package rbt wires together the graph builder, store, and coordinator
// behind a single entry point, so the CLI (and tests) have one call that
// turns a configured job graph into a finished build.
package rbt

import (
	"context"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"go.followtheprocess.codes/rbt/internal/config"
	"go.followtheprocess.codes/rbt/internal/coordinator"
	"go.followtheprocess.codes/rbt/internal/filehash"
	"go.followtheprocess.codes/rbt/internal/graph"
	"go.followtheprocess.codes/rbt/internal/runner"
	"go.followtheprocess.codes/rbt/internal/store"
)

// Result is what a completed build reports back to the CLI.
type Result struct {
	RootItems []store.Item
	Stats     coordinator.Stats
	Failed    bool
}

// Build opens (or creates) the database at layout.DBDir, builds the job
// graph rooted at roots, and drives it to completion. projectRoot is the
// directory that project-source input paths are resolved against.
func Build(ctx context.Context, projectRoot string, layout config.Layout, opts config.Options, roots []*graph.Node, log *zap.Logger) (Result, error) {
	if len(roots) == 0 {
		return Result{}, fmt.Errorf("no root jobs given")
	}
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(layout.DBDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("could not create database directory %s: %w", layout.DBDir, err)
	}

	badgerOpts := badger.DefaultOptions(layout.DBDir)
	if !opts.Verbose {
		badgerOpts = badgerOpts.WithLoggingLevel(badger.WARNING)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return Result{}, fmt.Errorf("could not open database at %s: %w", layout.DBDir, err)
	}
	defer db.Close()

	cache := filehash.New(db)
	if opts.Force {
		cache = filehash.NewAlwaysMiss(db)
	}

	builder := graph.NewBuilder(projectRoot, cache)
	state, err := builder.Build(roots)
	if err != nil {
		return Result{}, fmt.Errorf("could not build job graph: %w", err)
	}

	for _, j := range state.Jobs {
		for _, dup := range j.DroppedDuplicate {
			log.Warn("duplicate output declared, dropped", zap.String("job", j.BaseKey.String()), zap.String("output", dup))
		}
	}

	st, err := store.New(layout.StoreDir, db)
	if err != nil {
		return Result{}, err
	}

	var run runner.Runner = runner.Exec{}
	if opts.Runner == config.RunnerShell {
		run = runner.NewShell()
	}

	coord := coordinator.New(coordinator.Options{
		Jobs:           state.Jobs,
		Blocked:        state.Blocked,
		Ready:          state.Ready,
		PathToHash:     state.PathToHash,
		RootBaseKeys:   state.RootBaseKeys,
		Store:          st,
		Runner:         run,
		WorkspaceRoot:  layout.Workspaces,
		ProjectRoot:    projectRoot,
		MaxParallelism: opts.ResolvedParallelism(),
		Logger:         log,
	})

	runErr := coord.Run(ctx)

	result := Result{Stats: coord.Stats, Failed: coord.Failed()}
	if !coord.Failed() {
		items, err := coord.RootItems()
		if err != nil {
			return result, err
		}
		result.RootItems = items
	}

	return result, runErr
}

// Clean removes stale workspace directories left behind by a killed process,
// without touching the store or the database.
func Clean(layout config.Layout) error {
	if err := os.RemoveAll(layout.Workspaces); err != nil {
		return fmt.Errorf("could not remove workspace directory %s: %w", layout.Workspaces, err)
	}
	return nil
}
