// Package workspace implements the per-job scratch directory a Job executes
// in: a build subtree populated with symlinked inputs, and a fake home
// directory so commands have somewhere writable that isn't observable in
// the final output.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"go.followtheprocess.codes/rbt/internal/job"
	"go.followtheprocess.codes/rbt/internal/store"
)

// Workspace is a transient, exclusively owned directory tree a single job
// executes in.
type Workspace struct {
	Root  string // <workspaces-dir>/<key>
	Build string // Root/build, the job's working directory
	Home  string // Root/home, exposed to the job as $HOME
}

// Create makes the build and home subdirectories for key under root, the
// directory holding every transient workspace (typically <root-dir>/workspaces).
func Create(root string, key job.Key) (*Workspace, error) {
	ws := &Workspace{
		Root:  filepath.Join(root, key.String()),
		Build: filepath.Join(root, key.String(), "build"),
		Home:  filepath.Join(root, key.String(), "home"),
	}

	for _, dir := range []string{ws.Build, ws.Home} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create workspace directory %s: %w", dir, err)
		}
	}

	return ws, nil
}

// SetUpFiles installs every declared input as a symlink in the build
// subtree: project-source files are linked from their absolute path under
// projectRoot, and dependency files are linked from the producer's
// published StoreItem.
func (w *Workspace) SetUpFiles(j *job.Job, projectRoot string, producers map[job.Key]store.Item) error {
	for _, fm := range j.ProjectMappings {
		absSource := filepath.Join(projectRoot, fm.Source)
		if err := w.link(absSource, fm.Destination); err != nil {
			return err
		}
	}

	for producerKey, mappings := range j.FromProducer {
		item, ok := producers[producerKey]
		if !ok {
			return fmt.Errorf("no published store item for producer %s (internal ordering bug)", producerKey)
		}
		for _, fm := range mappings {
			absSource := filepath.Join(item.Path, fm.Source)
			if err := w.link(absSource, fm.Destination); err != nil {
				return err
			}
		}
	}

	return nil
}

// link creates any missing parent directories inside the build subtree,
// then symlinks dest (relative to Build) to the absolute source path.
func (w *Workspace) link(absSource, dest string) error {
	info, err := os.Lstat(absSource)
	if err != nil {
		return fmt.Errorf("workspace input %s does not exist: %w", absSource, err)
	}
	if info.IsDir() {
		return fmt.Errorf("workspace input %s is a directory, only files may be declared as inputs", absSource)
	}

	absDest := filepath.Join(w.Build, dest)
	if err := os.MkdirAll(filepath.Dir(absDest), 0o755); err != nil {
		return fmt.Errorf("could not create parent directory for %s: %w", dest, err)
	}

	if err := os.Symlink(absSource, absDest); err != nil {
		return fmt.Errorf("could not symlink %s -> %s: %w", absDest, absSource, err)
	}

	return nil
}

// Cleanup removes the workspace's root directory. Failure is logged by the
// caller, not propagated, so a cleanup error never changes the build
// outcome.
func (w *Workspace) Cleanup() error {
	return os.RemoveAll(w.Root)
}
