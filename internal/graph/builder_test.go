package graph_test

import (
	"os"
	"path/filepath"
	"testing"

	badger "github.com/dgraph-io/badger/v4"

	"go.followtheprocess.codes/rbt/internal/filehash"
	"go.followtheprocess.codes/rbt/internal/graph"
	"go.followtheprocess.codes/rbt/internal/job"
)

func newBuilder(t *testing.T, root string) *graph.Builder {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("could not open badger db: %s", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return graph.NewBuilder(root, filehash.New(db))
}

func writeFile(t *testing.T, root, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBuildSingleJobNoInputs(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	b := newBuilder(t, root)

	n := &graph.Node{
		Name:    "echo",
		Command: job.Command{Tool: "bash", Args: []string{"-c", "echo hi > out"}},
		Outputs: []string{"out"},
	}

	state, err := b.Build([]*graph.Node{n})
	if err != nil {
		t.Fatal(err)
	}

	if len(state.Jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(state.Jobs))
	}
	if len(state.Ready) != 1 {
		t.Fatalf("expected 1 ready job, got %d", len(state.Ready))
	}
	if len(state.Blocked) != 0 {
		t.Fatalf("expected 0 blocked jobs, got %d", len(state.Blocked))
	}
	if len(state.RootBaseKeys) != 1 {
		t.Fatalf("expected 1 root key, got %d", len(state.RootBaseKeys))
	}
}

func TestBuildProjectSourceInputsAreHashed(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello\n")
	b := newBuilder(t, root)

	n := &graph.Node{
		Name:    "cat",
		Command: job.Command{Tool: "bash", Args: []string{"-c", "cat a.txt > out"}},
		Inputs: []graph.Input{
			{Files: []job.FileMapping{{Source: "a.txt", Destination: "a.txt"}}},
		},
		Outputs: []string{"out"},
	}

	state, err := b.Build([]*graph.Node{n})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := state.PathToHash["a.txt"]; !ok {
		t.Error("expected a.txt to have a resolved content hash")
	}
}

func TestBuildRejectsDirectoryInput(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "adir"), 0o755); err != nil {
		t.Fatal(err)
	}
	b := newBuilder(t, root)

	n := &graph.Node{
		Name:    "bad",
		Command: job.Command{Tool: "bash", Args: []string{"-c", "true"}},
		Inputs: []graph.Input{
			{Files: []job.FileMapping{{Source: "adir", Destination: "adir"}}},
		},
	}

	if _, err := b.Build([]*graph.Node{n}); err == nil {
		t.Error("expected an error when a declared input is a directory")
	}
}

func TestBuildSharedDependencyDedupes(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	b := newBuilder(t, root)

	a := &graph.Node{Name: "A", Command: job.Command{Tool: "bash", Args: []string{"-c", "a"}}, Outputs: []string{"a-out"}}
	bNode := &graph.Node{
		Name:    "B",
		Command: job.Command{Tool: "bash", Args: []string{"-c", "b"}},
		Inputs:  []graph.Input{{Producer: a, Files: []job.FileMapping{{Source: "a-out", Destination: "a-out"}}}},
		Outputs: []string{"b-out"},
	}
	c := &graph.Node{
		Name:    "C",
		Command: job.Command{Tool: "bash", Args: []string{"-c", "c"}},
		Inputs:  []graph.Input{{Producer: bNode, Files: []job.FileMapping{{Source: "b-out", Destination: "b-out"}}}},
	}
	d := &graph.Node{
		Name:    "D",
		Command: job.Command{Tool: "bash", Args: []string{"-c", "d"}},
		Inputs:  []graph.Input{{Producer: bNode, Files: []job.FileMapping{{Source: "b-out", Destination: "b-out"}}}},
	}

	state, err := b.Build([]*graph.Node{c, d})
	if err != nil {
		t.Fatal(err)
	}

	// A, B, C, D are four distinct structural jobs: B must appear exactly
	// once despite being referenced from both C and D.
	if len(state.Jobs) != 4 {
		t.Fatalf("expected 4 distinct jobs, got %d", len(state.Jobs))
	}
	if len(state.Ready) != 1 {
		t.Fatalf("expected only A to be ready initially, got %d ready jobs", len(state.Ready))
	}
}

func TestBuildDetectsCycle(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	b := newBuilder(t, root)

	a := &graph.Node{Name: "A", Command: job.Command{Tool: "bash", Args: []string{"-c", "a"}}}
	cycleB := &graph.Node{Name: "B", Command: job.Command{Tool: "bash", Args: []string{"-c", "b"}}}
	a.Inputs = []graph.Input{{Producer: cycleB}}
	cycleB.Inputs = []graph.Input{{Producer: a}}

	if _, err := b.Build([]*graph.Node{a}); err == nil {
		t.Error("expected a cycle error")
	}
}

func TestBuildRejectsUnsanitizedPath(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	b := newBuilder(t, root)

	n := &graph.Node{
		Name:    "bad",
		Command: job.Command{Tool: "bash", Args: []string{"-c", "true"}},
		Inputs: []graph.Input{
			{Files: []job.FileMapping{{Source: "../escape.txt", Destination: "escape.txt"}}},
		},
	}

	if _, err := b.Build([]*graph.Node{n}); err == nil {
		t.Error("expected an error for an unsanitized input path")
	}
}
