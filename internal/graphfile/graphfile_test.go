package graphfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.followtheprocess.codes/rbt/internal/graphfile"
	"go.followtheprocess.codes/rbt/internal/job"
)

func writeGraphFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSingleRoot(t *testing.T) {
	t.Parallel()
	path := writeGraphFile(t, `{
		"jobs": [
			{"name": "greet", "tool": "bash", "args": ["-c", "echo hi > out"], "outputs": ["out"]}
		],
		"roots": ["greet"]
	}`)

	roots, err := graphfile.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 1 {
		t.Fatalf("expected 1 root, got %d", len(roots))
	}
	if roots[0].Name != "greet" {
		t.Errorf("got root %q, wanted %q", roots[0].Name, "greet")
	}
}

func TestLoadResolvesProducerReferences(t *testing.T) {
	t.Parallel()
	path := writeGraphFile(t, `{
		"jobs": [
			{"name": "a", "tool": "bash", "args": ["-c", "a"], "outputs": ["a-out"]},
			{
				"name": "b",
				"tool": "bash",
				"args": ["-c", "b"],
				"inputs": [{"producer": "a", "files": [{"source": "a-out", "destination": "a-out"}]}],
				"outputs": ["b-out"]
			}
		],
		"roots": ["b"]
	}`)

	roots, err := graphfile.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	b := roots[0]
	if len(b.Inputs) != 1 || b.Inputs[0].Producer == nil {
		t.Fatalf("expected b to have one producer-backed input, got %+v", b.Inputs)
	}
	if b.Inputs[0].Producer.Name != "a" {
		t.Errorf("got producer %q, wanted %q", b.Inputs[0].Producer.Name, "a")
	}

	wantFiles := []job.FileMapping{{Source: "a-out", Destination: "a-out"}}
	if diff := cmp.Diff(wantFiles, b.Inputs[0].Files); diff != "" {
		t.Errorf("resolved file mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadUnknownProducerIsAnError(t *testing.T) {
	t.Parallel()
	path := writeGraphFile(t, `{
		"jobs": [
			{"name": "b", "tool": "bash", "args": ["-c", "b"], "inputs": [{"producer": "missing", "files": []}]}
		],
		"roots": ["b"]
	}`)

	if _, err := graphfile.Load(path); err == nil {
		t.Error("expected an error for an unknown producer reference")
	}
}

func TestLoadNoRootsIsAnError(t *testing.T) {
	t.Parallel()
	path := writeGraphFile(t, `{"jobs": []}`)

	if _, err := graphfile.Load(path); err == nil {
		t.Error("expected an error when no roots are declared")
	}
}
