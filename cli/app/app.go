// Package app implements rbt's CLI functionality, the CLI defers
// execution to the exported methods in this package.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/FollowTheProcess/msg"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/juju/ansiterm/tabwriter"
	"go.uber.org/zap"

	"go.followtheprocess.codes/rbt/internal/config"
	"go.followtheprocess.codes/rbt/internal/coordinator"
	"go.followtheprocess.codes/rbt/internal/graphfile"
	"go.followtheprocess.codes/rbt/internal/rbt"
	"go.followtheprocess.codes/rbt/internal/store"
)

// App represents the rbt program.
type App struct {
	stdout  io.Writer
	stderr  io.Writer
	Options *config.Options
	logger  *zap.Logger
	printer msg.Printer
}

// New creates and returns a new App.
func New(stdout, stderr io.Writer) *App {
	printer := msg.Default()
	printer.Stdout = stdout
	printer.Stderr = stderr

	return &App{
		stdout:  stdout,
		stderr:  stderr,
		Options: &config.Options{RootDir: config.DefaultRootDir, Runner: config.RunnerExec},
		printer: printer,
	}
}

// Run is rbt's entry point. graphFile names the JSON file describing the job
// graph to build (see internal/graphfile). When --clean was given, the
// graph file is not required: rbt only removes stale workspaces and exits.
func (a *App) Run(ctx context.Context, graphFile string) error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.logger.Sync() // nolint: errcheck

	if a.Options.MaxLocalJobs == 0 {
		if raw := os.Getenv("RBT_MAX_LOCAL_JOBS"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				return fmt.Errorf("RBT_MAX_LOCAL_JOBS must be a positive integer, got %q", raw)
			}
			a.Options.MaxLocalJobs = n
		}
	}

	layout, err := config.NewLayout(a.Options.RootDir)
	if err != nil {
		return err
	}

	if a.Options.DoClean {
		if err := rbt.Clean(layout); err != nil {
			return err
		}
		a.printer.Good("Removed stale workspaces")
		return nil
	}

	if graphFile == "" {
		return fmt.Errorf("no graph file given; pass one as the first argument")
	}

	projectRoot, err := filepath.Abs(filepath.Dir(graphFile))
	if err != nil {
		return err
	}
	roots, err := graphfile.Load(graphFile)
	if err != nil {
		return err
	}

	a.logger.Debug("building graph", zap.Int("roots", len(roots)))

	result, runErr := rbt.Build(ctx, projectRoot, layout, *a.Options, roots, a.logger)
	if a.Options.PrintRootOutputPaths {
		a.showRootOutputPaths(result.RootItems)
	}
	if a.Options.Stats {
		a.showStats(result.Stats)
	}

	if runErr != nil {
		a.printer.Failf("%s", runErr)
	}
	if result.Failed {
		return fmt.Errorf("build failed")
	}
	if runErr != nil {
		return runErr
	}

	a.printer.Good("Build succeeded")
	return nil
}

// setup configures the logger and loads an optional .env file inside the
// root directory. This only affects the CLI process's own environment, it
// never leaks into job environments.
func (a *App) setup() error {
	level := zap.InfoLevel
	if a.Options.Verbose {
		level = zap.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.DisableCaller = true
	logger, err := cfg.Build(zap.IncreaseLevel(level))
	if err != nil {
		return err
	}
	a.logger = logger

	dotenvPath := filepath.Join(a.Options.RootDir, ".env")
	if _, err := os.Stat(dotenvPath); err != nil {
		return nil
	}
	if err := godotenv.Load(dotenvPath); err != nil {
		return fmt.Errorf("could not load .env file: %w", err)
	}
	a.logger.Debug("loaded .env file", zap.String("path", dotenvPath))
	return nil
}

// showRootOutputPaths prints the absolute store path of each root job's
// output, one per line, in declared order.
func (a *App) showRootOutputPaths(items []store.Item) {
	for _, item := range items {
		fmt.Fprintln(a.stdout, item.Path)
	}
}

// showStats prints a per-run summary table.
func (a *App) showStats(stats coordinator.Stats) {
	writer := tabwriter.NewWriter(a.stdout, 0, 8, 1, '\t', tabwriter.AlignRight)
	titleStyle := color.New(color.FgHiWhite, color.Bold)

	titleStyle.Fprintln(writer, "Outcome\tCount")
	fmt.Fprintf(writer, "Ran\t%d\n", stats.Ran.Load())
	fmt.Fprintf(writer, "Cache hit\t%d\n", stats.CacheHit.Load())
	fmt.Fprintf(writer, "Skipped (upstream failure)\t%d\n", stats.SkippedUpstream.Load())
	fmt.Fprintf(writer, "Failed\t%d\n", stats.Failed.Load())
	writer.Flush()
}
