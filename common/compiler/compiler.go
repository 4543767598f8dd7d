// Package compiler validates a WorkflowDefinition's node/edge graph and
// derives the structural facts (entry nodes, terminal nodes, adjacency, a
// topological order) the executor needs to schedule it.
//
// The cycle check is a strict DAG check with no carve-outs: iteration is
// expressed through the loop node TYPE (models.NodeLoop), never through a
// graph-level back-edge, so a loop node's own edges to its body and its
// exit must still form a DAG.
package compiler

import (
	"fmt"
	"sort"

	"github.com/lyzr/workflows/common/models"
)

// Graph is the compiled, validated structural view of a WorkflowDefinition.
type Graph struct {
	Definition   *models.WorkflowDefinition
	NodesByID    map[string]*models.Node
	Dependencies map[string][]string // nodeID -> nodes it depends on
	Dependents   map[string][]string // nodeID -> nodes that depend on it
	Edges        map[string][]models.Edge // nodeID -> outgoing edges (with labels)
	EntryNodes   []string
	TerminalNodes []string
	TopoOrder    []string
}

// Compile validates def's graph and returns its compiled structural view.
// A definition with zero nodes, a dangling edge reference, no entry node,
// no terminal node, or a cycle is rejected.
func Compile(def *models.WorkflowDefinition) (*Graph, error) {
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("compiler: workflow has no nodes")
	}

	g := &Graph{
		Definition:   def,
		NodesByID:    make(map[string]*models.Node, len(def.Nodes)),
		Dependencies: make(map[string][]string),
		Dependents:   make(map[string][]string),
		Edges:        make(map[string][]models.Edge),
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if _, dup := g.NodesByID[n.ID]; dup {
			return nil, fmt.Errorf("compiler: duplicate node id %q", n.ID)
		}
		g.NodesByID[n.ID] = n
	}

	for _, e := range def.Edges {
		if _, ok := g.NodesByID[e.Source]; !ok {
			return nil, fmt.Errorf("compiler: edge references non-existent source node %q", e.Source)
		}
		if _, ok := g.NodesByID[e.Target]; !ok {
			return nil, fmt.Errorf("compiler: edge references non-existent target node %q", e.Target)
		}
		g.Dependencies[e.Target] = append(g.Dependencies[e.Target], e.Source)
		g.Dependents[e.Source] = append(g.Dependents[e.Source], e.Target)
		g.Edges[e.Source] = append(g.Edges[e.Source], e)
	}

	g.EntryNodes = computeEntryNodes(g)
	g.TerminalNodes = computeTerminalNodes(g)

	if len(g.EntryNodes) == 0 {
		return nil, fmt.Errorf("compiler: workflow has no entry nodes (no place to start)")
	}
	if err := checkInputNode(g); err != nil {
		return nil, err
	}
	if len(g.TerminalNodes) == 0 {
		return nil, fmt.Errorf("compiler: workflow has no terminal nodes (would run forever)")
	}

	if err := checkCycles(g); err != nil {
		return nil, err
	}

	order, err := topoSort(g)
	if err != nil {
		return nil, err
	}
	g.TopoOrder = order

	return g, nil
}

// checkInputNode requires exactly one "input"-type node as the run's root.
// A stray non-input node with no incoming edges satisfies EntryNodes but
// must still be rejected here.
func checkInputNode(g *Graph) error {
	var inputNodes []string
	for id, n := range g.NodesByID {
		if n.Type == models.NodeInput {
			inputNodes = append(inputNodes, id)
		}
	}
	sort.Strings(inputNodes)
	switch len(inputNodes) {
	case 0:
		return fmt.Errorf("compiler: workflow has no input node (exactly one is required)")
	case 1:
		return nil
	default:
		return fmt.Errorf("compiler: workflow has multiple input nodes %v (exactly one is required)", inputNodes)
	}
}

func computeEntryNodes(g *Graph) []string {
	var entries []string
	for id := range g.NodesByID {
		if len(g.Dependencies[id]) == 0 {
			entries = append(entries, id)
		}
	}
	sort.Strings(entries)
	return entries
}

func computeTerminalNodes(g *Graph) []string {
	var terminals []string
	for id := range g.NodesByID {
		if len(g.Dependents[id]) == 0 {
			terminals = append(terminals, id)
		}
	}
	sort.Strings(terminals)
	return terminals
}

// checkCycles runs a DFS cycle check with no loop-node carve-out: every
// node's dependents must form a strict DAG.
func checkCycles(g *Graph) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.NodesByID))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range g.Dependents[id] {
			switch color[next] {
			case white:
				if err := visit(next); err != nil {
					return err
				}
			case gray:
				return fmt.Errorf("compiler: workflow contains a cycle through node %q", next)
			}
		}
		color[id] = black
		return nil
	}

	ids := make([]string, 0, len(g.NodesByID))
	for id := range g.NodesByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoSort returns a deterministic topological order via Kahn's algorithm,
// breaking ties by node id so the same definition always compiles to the
// same order.
func topoSort(g *Graph) ([]string, error) {
	indegree := make(map[string]int, len(g.NodesByID))
	for id := range g.NodesByID {
		indegree[id] = len(g.Dependencies[id])
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.NodesByID))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := append([]string(nil), g.Dependents[id]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(g.NodesByID) {
		return nil, fmt.Errorf("compiler: workflow contains a cycle (topological sort incomplete)")
	}
	return order, nil
}

// Ready returns, sorted, the ids of nodes not yet in completed whose
// dependencies are all present in completed (a set of node ids already
// resolved, whether by completion or by being skipped).
func (g *Graph) Ready(completed map[string]bool) []string {
	var ready []string
	for id := range g.NodesByID {
		if completed[id] {
			continue
		}
		deps := g.Dependencies[id]
		allDone := true
		for _, d := range deps {
			if !completed[d] {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// OutgoingByLabel returns the edges leaving nodeID whose Label matches, or
// all outgoing edges if label is empty.
func (g *Graph) OutgoingByLabel(nodeID, label string) []models.Edge {
	var out []models.Edge
	for _, e := range g.Edges[nodeID] {
		if label == "" || e.Label == label {
			out = append(out, e)
		}
	}
	return out
}
