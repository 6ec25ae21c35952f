package runner_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.followtheprocess.codes/rbt/internal/job"
	"go.followtheprocess.codes/rbt/internal/runner"
	"go.followtheprocess.codes/rbt/internal/workspace"
)

func newJob(t *testing.T, tool string, args []string, env map[string]string) *job.Job {
	t.Helper()
	configured := job.Configured{
		Ref:     "n",
		Command: job.Command{Tool: tool, Args: args},
		Env:     env,
	}
	j, err := job.BaseKeyOf(configured, map[job.Ref]job.Key{})
	if err != nil {
		t.Fatal(err)
	}
	return &j
}

func newWorkspace(t *testing.T, key job.Key) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Create(t.TempDir(), key)
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

func TestExecRunSuccess(t *testing.T) {
	t.Parallel()
	j := newJob(t, "true", nil, nil)
	ws := newWorkspace(t, j.BaseKey)

	result, err := runner.Exec{}.Run(context.Background(), j, ws)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Ok() {
		t.Errorf("expected exit 0, got %d", result.Status)
	}
}

func TestExecRunNonZeroExit(t *testing.T) {
	t.Parallel()
	j := newJob(t, "false", nil, nil)
	ws := newWorkspace(t, j.BaseKey)

	result, err := runner.Exec{}.Run(context.Background(), j, ws)
	if err != nil {
		t.Fatal(err)
	}
	if result.Ok() {
		t.Error("expected a nonzero exit status")
	}
}

func TestExecRunEnvIsolation(t *testing.T) {
	t.Parallel()
	j := newJob(t, "sh", []string{"-c", "echo -n $GREETING-$HOME"}, map[string]string{"GREETING": "hi"})
	ws := newWorkspace(t, j.BaseKey)

	result, err := runner.Exec{}.Run(context.Background(), j, ws)
	if err != nil {
		t.Fatal(err)
	}
	want := "hi-" + ws.Home
	if result.Stdout != want {
		t.Errorf("got %q, wanted %q", result.Stdout, want)
	}
}

func TestShellRunnerInterpretsShScripts(t *testing.T) {
	t.Parallel()
	j := newJob(t, "sh", []string{"echo -n hello"}, nil)
	ws := newWorkspace(t, j.BaseKey)

	result, err := runner.NewShell().Run(context.Background(), j, ws)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Ok() {
		t.Fatalf("expected success, got status %d stderr %q", result.Status, result.Stderr)
	}
	if result.Stdout != "hello" {
		t.Errorf("got %q, wanted %q", result.Stdout, "hello")
	}
}

func TestShellRunnerHonorsDashC(t *testing.T) {
	t.Parallel()
	j := newJob(t, "sh", []string{"-c", "echo -n hello"}, nil)
	ws := newWorkspace(t, j.BaseKey)

	result, err := runner.NewShell().Run(context.Background(), j, ws)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Ok() {
		t.Fatalf("expected success, got status %d stderr %q", result.Status, result.Stderr)
	}
	if result.Stdout != "hello" {
		t.Errorf("got %q, wanted %q", result.Stdout, "hello")
	}
}

func TestShellRunnerDashCWithoutScriptIsAnError(t *testing.T) {
	t.Parallel()
	j := newJob(t, "sh", []string{"-c"}, nil)
	ws := newWorkspace(t, j.BaseKey)

	if _, err := runner.NewShell().Run(context.Background(), j, ws); err == nil {
		t.Error(`expected an error for "-c" with no script`)
	}
}

func TestShellRunnerIsSafeForConcurrentUse(t *testing.T) {
	t.Parallel()
	shell := runner.NewShell()

	const n = 8
	jobs := make([]*job.Job, n)
	workspaces := make([]*workspace.Workspace, n)
	for i := 0; i < n; i++ {
		jobs[i] = newJob(t, "sh", []string{"-c", fmt.Sprintf("echo -n %d", i)}, nil)
		workspaces[i] = newWorkspace(t, jobs[i].BaseKey)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := shell.Run(context.Background(), jobs[i], workspaces[i])
			if err != nil {
				t.Errorf("concurrent run %d: %s", i, err)
				return
			}
			if result.Stdout != fmt.Sprintf("%d", i) {
				t.Errorf("concurrent run %d: got %q", i, result.Stdout)
			}
		}(i)
	}
	wg.Wait()
}

func TestShellRunnerFallsBackForNonShTools(t *testing.T) {
	t.Parallel()
	j := newJob(t, "true", nil, nil)
	ws := newWorkspace(t, j.BaseKey)

	result, err := runner.NewShell().Run(context.Background(), j, ws)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Ok() {
		t.Errorf("expected fallback exec to succeed, got %d", result.Status)
	}
}
