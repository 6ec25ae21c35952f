// Package cmd implements rbt's CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"go.followtheprocess.codes/rbt/cli/app"
	"go.followtheprocess.codes/rbt/internal/config"
)

var (
	version = "dev" // rbt's version, set at compile time by ldflags
	commit  = ""    // rbt's commit hash, set at compile time by ldflags

	headerStyle = color.New(color.FgWhite, color.Bold)
)

// BuildRootCmd builds and returns the root rbt CLI command.
func BuildRootCmd() *cobra.Command {
	rbtApp := app.New(os.Stdout, os.Stderr)

	rootCmd := &cobra.Command{
		Use:           "rbt <graph-file>",
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "A build coordinator, but not as we know it!",
		Long: heredoc.Doc(`

		A build coordinator, but not as we know it!

		rbt turns a configured job graph into built artifacts: it computes a
		structural identity for every job, hashes declared inputs, skips any
		job whose content-addressed output already exists in the store, and
		runs everything else in parallel up to its job limit.

		The job graph itself is a plain JSON file; rbt doesn't come with a
		configuration language of its own.
		`),
		Example: heredoc.Doc(`

		# Build the graph described in graph.json
		$ rbt graph.json

		# Print the store path of every root job's output afterwards
		$ rbt --print-root-output-paths graph.json

		# Show a summary of what ran vs. what was cached
		$ rbt --stats graph.json

		# Bypass the file hash cache and rehash every input
		$ rbt --force graph.json

		# Remove stale workspaces left behind by a killed run
		$ rbt --clean
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("max-local-jobs") && rbtApp.Options.MaxLocalJobs < 1 {
				return fmt.Errorf("--max-local-jobs must be >= 1, got %d", rbtApp.Options.MaxLocalJobs)
			}
			var graphFile string
			if len(args) == 1 {
				graphFile = args[0]
			}
			return rbtApp.Run(cmd.Context(), graphFile)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&rbtApp.Options.RootDir, "root-dir", config.DefaultRootDir, "Directory holding the store, workspaces and database.")
	flags.IntVarP(&rbtApp.Options.MaxLocalJobs, "max-local-jobs", "j", 0, "Maximum number of jobs to run in parallel (default: number of CPUs).")
	flags.BoolVar(&rbtApp.Options.Force, "force", false, "Bypass the file hash cache and rehash every declared input.")
	flags.StringVar((*string)(&rbtApp.Options.Runner), "runner", string(config.RunnerExec), `Runner to execute jobs with ("exec" or "shell").`)
	flags.BoolVar(&rbtApp.Options.PrintRootOutputPaths, "print-root-output-paths", false, "Print the store path of each root job's output after a successful build.")
	flags.BoolVar(&rbtApp.Options.Stats, "stats", false, "Print a summary of jobs run, cache hits and skips.")
	flags.BoolVar(&rbtApp.Options.DoClean, "clean", false, "Remove stale workspace directories and exit.")
	flags.BoolVarP(&rbtApp.Options.Verbose, "verbose", "v", false, "Enable debug logging.")

	rootCmd.SetVersionTemplate(fmt.Sprintf(`{{printf "%s %s\n%s %s\n"}}`, headerStyle.Sprint("Version:"), version, headerStyle.Sprint("Commit:"), commit))

	return rootCmd
}
