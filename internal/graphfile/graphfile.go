// Package graphfile is the thin JSON adapter the CLI uses in place of a
// real configuration front-end: it decodes a file describing named jobs and
// their producer references into the graph.Node values GraphBuilder
// consumes. A real deployment of rbt would replace this with whatever
// language or tool actually produces the job graph; this package exists
// only so the CLI has something to run end to end.
package graphfile

import (
	"encoding/json"
	"fmt"
	"os"

	"go.followtheprocess.codes/rbt/internal/graph"
	"go.followtheprocess.codes/rbt/internal/job"
)

// fileMapping mirrors job.FileMapping for JSON decoding.
type fileMapping struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// input is a tagged variant decoded from JSON: Producer is empty for a
// project-source input, or names another job in the same file.
type input struct {
	Producer string        `json:"producer"`
	Files    []fileMapping `json:"files"`
}

// jobSpec is one named job as written in a graph file.
type jobSpec struct {
	Name    string            `json:"name"`
	Tool    string            `json:"tool"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	Inputs  []input           `json:"inputs"`
	Outputs []string          `json:"outputs"`
}

// document is the top-level shape of a graph file.
type document struct {
	Jobs  []jobSpec `json:"jobs"`
	Roots []string  `json:"roots"`
}

// Load reads and decodes the graph file at path, returning the Nodes named
// in its "roots" list in declared order.
func Load(path string) ([]*graph.Node, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read graph file %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("could not parse graph file %s: %w", path, err)
	}

	if len(doc.Roots) == 0 {
		return nil, fmt.Errorf("graph file %s declares no root jobs", path)
	}

	nodes := make(map[string]*graph.Node, len(doc.Jobs))
	for _, spec := range doc.Jobs {
		if spec.Name == "" {
			return nil, fmt.Errorf("graph file %s: job with empty name", path)
		}
		if _, exists := nodes[spec.Name]; exists {
			return nil, fmt.Errorf("graph file %s: job %q declared more than once", path, spec.Name)
		}
		nodes[spec.Name] = &graph.Node{
			Name:    spec.Name,
			Command: job.Command{Tool: spec.Tool, Args: spec.Args},
			Env:     spec.Env,
			Outputs: spec.Outputs,
		}
	}

	for _, spec := range doc.Jobs {
		n := nodes[spec.Name]
		for _, in := range spec.Inputs {
			files := make([]job.FileMapping, len(in.Files))
			for i, fm := range in.Files {
				files[i] = job.FileMapping{Source: fm.Source, Destination: fm.Destination}
			}

			if in.Producer == "" {
				n.Inputs = append(n.Inputs, graph.Input{Files: files})
				continue
			}

			producer, ok := nodes[in.Producer]
			if !ok {
				return nil, fmt.Errorf("graph file %s: job %q references unknown producer %q", path, spec.Name, in.Producer)
			}
			n.Inputs = append(n.Inputs, graph.Input{Producer: producer, Files: files})
		}
	}

	roots := make([]*graph.Node, 0, len(doc.Roots))
	for _, name := range doc.Roots {
		n, ok := nodes[name]
		if !ok {
			return nil, fmt.Errorf("graph file %s: root job %q is not declared", path, name)
		}
		roots = append(roots, n)
	}

	return roots, nil
}
