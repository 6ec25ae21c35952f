// Package graph implements the directed acyclic graph of configured jobs,
// and GraphBuilder, which converts that graph into the Coordinator's ready
// and blocked job sets.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Vertex is a single node in the DAG, carrying the configured job it
// represents. Vertices are keyed by the Node's pointer identity: a job's
// Base key does not exist until it has been converted, and job names may
// repeat.
type Vertex struct {
	Node     *Node
	parents  map[*Node]struct{}
	children map[*Node]struct{}
}

// InDegree returns the number of incoming edges to this vertex.
func (v *Vertex) InDegree() int {
	return len(v.parents)
}

// OutDegree returns the number of outgoing edges from this vertex.
func (v *Vertex) OutDegree() int {
	return len(v.children)
}

// DAG is a directed acyclic graph of configured jobs, an edge recording
// that a producer's outputs feed a consumer.
type DAG struct {
	vertices map[*Node]*Vertex
}

// NewDAG constructs and returns an empty DAG.
func NewDAG() *DAG {
	return &DAG{vertices: make(map[*Node]*Vertex)}
}

// AddVertex adds n to the graph if it is not already present.
func (g *DAG) AddVertex(n *Node) {
	if _, ok := g.vertices[n]; ok {
		return
	}
	g.vertices[n] = &Vertex{
		Node:     n,
		parents:  make(map[*Node]struct{}),
		children: make(map[*Node]struct{}),
	}
}

// Vertex returns the vertex for n, if any.
func (g *DAG) Vertex(n *Node) (*Vertex, bool) {
	v, ok := g.vertices[n]
	return v, ok
}

// AddEdge records that parent's outputs feed child, i.e. parent must be
// converted (and later run) before child.
func (g *DAG) AddEdge(parent, child *Node) error {
	parentVertex, ok := g.vertices[parent]
	if !ok {
		return fmt.Errorf("parent vertex %q not in graph", parent.Name)
	}
	childVertex, ok := g.vertices[child]
	if !ok {
		return fmt.Errorf("child vertex %q not in graph", child.Name)
	}
	parentVertex.children[child] = struct{}{}
	childVertex.parents[parent] = struct{}{}
	return nil
}

// Size returns the number of vertices in the DAG.
func (g *DAG) Size() int {
	return len(g.vertices)
}

// Sort topologically sorts the DAG, returning the jobs in leaf-first
// order: every producer appears before any job that consumes its outputs.
// A cyclic graph has no such order, and the returned error names the jobs
// caught in the cycle.
func (g *DAG) Sort() ([]*Node, error) {
	inDegree := make(map[*Node]int, len(g.vertices))
	var queue []*Node
	for n, v := range g.vertices {
		inDegree[n] = v.InDegree()
		if v.InDegree() == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]*Node, 0, len(g.vertices))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		for child := range g.vertices[n].children {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(order) != len(g.vertices) {
		var stuck []string
		for n, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, n.Name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("jobs do not form a DAG: dependency cycle involving %s", strings.Join(stuck, ", "))
	}

	return order, nil
}
