// Package runner implements the narrow process-execution contract the
// Coordinator depends on: given a prepared Workspace and a Job, launch the
// command and report how it finished.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"go.followtheprocess.codes/rbt/internal/job"
	"go.followtheprocess.codes/rbt/internal/workspace"
)

// Result holds the outcome of running a job's command.
type Result struct {
	Stdout string
	Stderr string
	Status int
}

// Ok reports whether the command exited zero.
func (r Result) Ok() bool {
	return r.Status == 0
}

// Runner is the contract the Coordinator uses to execute a job's command in
// a prepared Workspace. Implementations never inherit the calling process's
// environment: the only variables a job sees are its own declared env plus
// HOME.
type Runner interface {
	Run(ctx context.Context, j *job.Job, ws *workspace.Workspace) (Result, error)
}

// jobEnviron builds the exact environment a job is allowed to see: its own
// declared key/value pairs, plus HOME pointed at the workspace's home
// subdirectory. No other host variable leaks through.
func jobEnviron(j *job.Job, ws *workspace.Workspace) []string {
	env := make([]string, 0, len(j.Env)+1)
	for k, v := range j.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env, "HOME="+ws.Home)
	return env
}

// Exec is the default Runner: it launches the job's tool directly via
// os/exec, with no shell interposed. This is the narrow subprocess runner
// the coordinator treats as an out-of-scope collaborator.
type Exec struct{}

// Run implements Runner for Exec.
func (Exec) Run(ctx context.Context, j *job.Job, ws *workspace.Workspace) (Result, error) {
	cmd := exec.CommandContext(ctx, j.Command.Tool, j.Command.Args...)
	cmd.Dir = ws.Build
	cmd.Env = jobEnviron(j, ws)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.Status = 0
	case errors.As(err, &exitErr):
		result.Status = exitErr.ExitCode()
	default:
		return result, fmt.Errorf("could not run %s: %w", j.Command.Tool, err)
	}

	return result, nil
}

// Shell is an alternate Runner, selected with --runner=shell, that
// interprets the job's argv as a POSIX shell script using a pure Go shell
// interpreter, giving rbt a self-contained runner with no dependency on an
// external shell binary. Only jobs whose tool is "sh" are accepted; anything
// else falls back to Exec's behavior via ExecFallback.
type Shell struct {
	// ExecFallback runs any command whose tool isn't "sh". It defaults to
	// Exec{} when left unset.
	ExecFallback Runner
}

// NewShell returns a Shell runner with no external dependency.
func NewShell() *Shell {
	return &Shell{ExecFallback: Exec{}}
}

// scriptFromArgs extracts the script from a job's argv. The conventional
// form ["-c", "<script>"] is honored; otherwise the argv is the script
// itself, joined on spaces.
func scriptFromArgs(args []string) (string, error) {
	if len(args) > 0 && args[0] == "-c" {
		if len(args) != 2 {
			return "", fmt.Errorf(`"-c" requires exactly one script argument, got %d`, len(args)-1)
		}
		return args[1], nil
	}
	return strings.Join(args, " "), nil
}

// Run implements Runner for Shell. The Coordinator calls Run from multiple
// job tasks at once, so the parser is built fresh per call rather than
// shared: syntax.Parser is not safe for concurrent use.
func (s *Shell) Run(ctx context.Context, j *job.Job, ws *workspace.Workspace) (Result, error) {
	if j.Command.Tool != "sh" {
		fallback := s.ExecFallback
		if fallback == nil {
			fallback = Exec{}
		}
		return fallback.Run(ctx, j, ws)
	}

	script, err := scriptFromArgs(j.Command.Args)
	if err != nil {
		return Result{}, err
	}
	prog, err := syntax.NewParser().Parse(strings.NewReader(script), "")
	if err != nil {
		return Result{}, fmt.Errorf("command %q is not valid shell syntax: %w", script, err)
	}

	var stdout, stderr strings.Builder
	env := jobEnviron(j, ws)

	interpreter, err := interp.New(
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, &stdout, &stderr),
		interp.Dir(ws.Build),
	)
	if err != nil {
		return Result{}, fmt.Errorf("could not build shell interpreter: %w", err)
	}

	result := Result{}
	runErr := interpreter.Run(ctx, prog)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if runErr != nil {
		status, ok := interp.IsExitStatus(runErr)
		if !ok {
			return result, fmt.Errorf("could not run %q: %w", script, runErr)
		}
		result.Status = int(status)
	}

	return result, nil
}
