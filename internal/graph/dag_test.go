package graph_test

import (
	"strings"
	"testing"

	"go.followtheprocess.codes/rbt/internal/graph"
)

func TestDAGAddVertexAndEdge(t *testing.T) {
	t.Parallel()
	a := &graph.Node{Name: "a"}
	b := &graph.Node{Name: "b"}

	dag := graph.NewDAG()
	dag.AddVertex(a)
	dag.AddVertex(b)

	if dag.Size() != 2 {
		t.Fatalf("expected 2 vertices, got %d", dag.Size())
	}

	if err := dag.AddEdge(a, b); err != nil {
		t.Fatal(err)
	}

	va, ok := dag.Vertex(a)
	if !ok {
		t.Fatal("expected to find vertex a")
	}
	if va.OutDegree() != 1 {
		t.Errorf("expected vertex a to have out-degree 1, got %d", va.OutDegree())
	}

	vb, ok := dag.Vertex(b)
	if !ok {
		t.Fatal("expected to find vertex b")
	}
	if vb.InDegree() != 1 {
		t.Errorf("expected vertex b to have in-degree 1, got %d", vb.InDegree())
	}
}

func TestDAGAddEdgeUnknownVertex(t *testing.T) {
	t.Parallel()
	a := &graph.Node{Name: "a"}
	missing := &graph.Node{Name: "missing"}

	dag := graph.NewDAG()
	dag.AddVertex(a)

	if err := dag.AddEdge(a, missing); err == nil {
		t.Error("expected an error for an edge to an unknown vertex")
	}
	if err := dag.AddEdge(missing, a); err == nil {
		t.Error("expected an error for an edge from an unknown vertex")
	}
}

func TestDAGAddVertexIsIdempotent(t *testing.T) {
	t.Parallel()
	a := &graph.Node{Name: "a"}

	dag := graph.NewDAG()
	dag.AddVertex(a)
	dag.AddVertex(a)

	if dag.Size() != 1 {
		t.Errorf("expected adding the same vertex twice to be a no-op, got size %d", dag.Size())
	}
}

func TestDAGSortIsLeafFirst(t *testing.T) {
	t.Parallel()
	a := &graph.Node{Name: "a"}
	b := &graph.Node{Name: "b"}
	c := &graph.Node{Name: "c"}
	d := &graph.Node{Name: "d"}

	dag := graph.NewDAG()
	for _, n := range []*graph.Node{a, b, c, d} {
		dag.AddVertex(n)
	}

	// A diamond: b consumes a, c and d both consume b.
	if err := dag.AddEdge(a, b); err != nil {
		t.Fatal(err)
	}
	if err := dag.AddEdge(b, c); err != nil {
		t.Fatal(err)
	}
	if err := dag.AddEdge(b, d); err != nil {
		t.Fatal(err)
	}

	order, err := dag.Sort()
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 4 {
		t.Fatalf("expected 4 sorted jobs, got %d", len(order))
	}

	position := make(map[*graph.Node]int, len(order))
	for i, n := range order {
		position[n] = i
	}

	if position[a] > position[b] {
		t.Error("expected a to sort before b")
	}
	if position[b] > position[c] {
		t.Error("expected b to sort before c")
	}
	if position[b] > position[d] {
		t.Error("expected b to sort before d")
	}
}

func TestDAGSortCycleIsAnError(t *testing.T) {
	t.Parallel()
	a := &graph.Node{Name: "a"}
	b := &graph.Node{Name: "b"}

	dag := graph.NewDAG()
	dag.AddVertex(a)
	dag.AddVertex(b)

	if err := dag.AddEdge(a, b); err != nil {
		t.Fatal(err)
	}
	if err := dag.AddEdge(b, a); err != nil {
		t.Fatal(err)
	}

	_, err := dag.Sort()
	if err == nil {
		t.Fatal("expected a cycle error, got nil")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("expected the error to mention the cycle, got %q", err)
	}
	if !strings.Contains(err.Error(), "a") || !strings.Contains(err.Error(), "b") {
		t.Errorf("expected the error to name the jobs in the cycle, got %q", err)
	}
}
