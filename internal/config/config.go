// Package config resolves rbt's on-disk layout: the root directory holding
// the content-addressed store, transient workspaces, and the embedded
// database, plus the small set of options the CLI exposes over it.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// DefaultRootDir is the directory rbt uses when --root-dir is not given.
const DefaultRootDir = ".rbt"

// Layout resolves the absolute paths that make up a root directory.
type Layout struct {
	Root       string
	StoreDir   string
	Workspaces string
	DBDir      string
}

// NewLayout resolves root (made absolute) into a Layout.
func NewLayout(root string) (Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("could not resolve root directory %q: %w", root, err)
	}
	return Layout{
		Root:       abs,
		StoreDir:   filepath.Join(abs, "store"),
		Workspaces: filepath.Join(abs, "workspaces"),
		DBDir:      filepath.Join(abs, "db"),
	}, nil
}

// RunnerKind selects which Runner implementation the Coordinator uses.
type RunnerKind string

const (
	RunnerExec  RunnerKind = "exec"
	RunnerShell RunnerKind = "shell"
)

// Options holds the resolved CLI flags the rest of the program consumes.
type Options struct {
	RootDir              string
	MaxLocalJobs         int
	Force                bool
	Runner               RunnerKind
	PrintRootOutputPaths bool
	Stats                bool
	Verbose              bool
	DoClean              bool
}

// ResolvedParallelism returns MaxLocalJobs if set (>=1), otherwise the
// number of logical CPUs on the host.
func (o Options) ResolvedParallelism() int {
	if o.MaxLocalJobs >= 1 {
		return o.MaxLocalJobs
	}
	return runtime.NumCPU()
}
