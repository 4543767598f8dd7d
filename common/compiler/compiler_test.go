package compiler

import (
	"testing"

	"github.com/lyzr/workflows/common/models"
)

func node(id, typ string) models.Node {
	return models.Node{ID: id, Type: typ, Data: map[string]any{}}
}

func linearDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID: "wf-1",
		Nodes: []models.Node{
			node("in", models.NodeInput),
			node("step", models.NodeTool),
			node("out", models.NodeOutput),
		},
		Edges: []models.Edge{
			{Source: "in", Target: "step"},
			{Source: "step", Target: "out"},
		},
	}
}

func TestCompile_Linear(t *testing.T) {
	g, err := Compile(linearDefinition())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(g.EntryNodes) != 1 || g.EntryNodes[0] != "in" {
		t.Fatalf("unexpected entry nodes: %v", g.EntryNodes)
	}
	if len(g.TerminalNodes) != 1 || g.TerminalNodes[0] != "out" {
		t.Fatalf("unexpected terminal nodes: %v", g.TerminalNodes)
	}
	wantOrder := []string{"in", "step", "out"}
	for i, id := range g.TopoOrder {
		if id != wantOrder[i] {
			t.Fatalf("topo order[%d] = %s, want %s", i, id, wantOrder[i])
		}
	}
}

func TestCompile_NoNodes(t *testing.T) {
	if _, err := Compile(&models.WorkflowDefinition{}); err == nil {
		t.Fatal("expected error for empty definition")
	}
}

func TestCompile_DanglingEdge(t *testing.T) {
	def := linearDefinition()
	def.Edges = append(def.Edges, models.Edge{Source: "step", Target: "ghost"})
	if _, err := Compile(def); err == nil {
		t.Fatal("expected error for edge referencing non-existent node")
	}
}

func TestCompile_NoInputNode(t *testing.T) {
	def := &models.WorkflowDefinition{
		Nodes: []models.Node{
			node("step", models.NodeTool),
			node("out", models.NodeOutput),
		},
		Edges: []models.Edge{
			{Source: "step", Target: "out"},
		},
	}
	if _, err := Compile(def); err == nil {
		t.Fatal("expected error: workflow has no input node")
	}
}

func TestCompile_MultipleInputNodes(t *testing.T) {
	def := &models.WorkflowDefinition{
		Nodes: []models.Node{
			node("in1", models.NodeInput),
			node("in2", models.NodeInput),
			node("out", models.NodeOutput),
		},
		Edges: []models.Edge{
			{Source: "in1", Target: "out"},
			{Source: "in2", Target: "out"},
		},
	}
	if _, err := Compile(def); err == nil {
		t.Fatal("expected error: workflow has more than one input node")
	}
}

func TestCompile_NoEntryNodes(t *testing.T) {
	def := &models.WorkflowDefinition{
		Nodes: []models.Node{node("a", models.NodeTool), node("b", models.NodeTool)},
		Edges: []models.Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	}
	if _, err := Compile(def); err == nil {
		t.Fatal("expected error: a cycle between the only two nodes leaves no entry node")
	}
}

func TestCompile_Cycle(t *testing.T) {
	def := &models.WorkflowDefinition{
		Nodes: []models.Node{
			node("a", models.NodeTool),
			node("b", models.NodeTool),
			node("c", models.NodeTool),
		},
		Edges: []models.Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "c"},
			{Source: "c", Target: "a"},
		},
	}
	if _, err := Compile(def); err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestCompile_LoopNodeIsNotACycleCarveOut(t *testing.T) {
	// A "loop" node type still must not participate in a graph-level cycle:
	// its back-edge belongs to the loop handler's internal iteration, not
	// to the DAG itself.
	def := &models.WorkflowDefinition{
		Nodes: []models.Node{
			node("in", models.NodeInput),
			node("loop", models.NodeLoop),
			node("body", models.NodeTool),
			node("out", models.NodeOutput),
		},
		Edges: []models.Edge{
			{Source: "in", Target: "loop"},
			{Source: "loop", Target: "body", Label: models.LabelBody},
			{Source: "body", Target: "loop"},
			{Source: "loop", Target: "out"},
		},
	}
	if _, err := Compile(def); err == nil {
		t.Fatal("expected strict DAG check to reject a loop-node back-edge even with an exit node")
	}
}

func TestGraph_Ready(t *testing.T) {
	g, err := Compile(linearDefinition())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ready := g.Ready(map[string]bool{})
	if len(ready) != 1 || ready[0] != "in" {
		t.Fatalf("expected only entry node ready initially, got %v", ready)
	}
	ready = g.Ready(map[string]bool{"in": true})
	if len(ready) != 1 || ready[0] != "step" {
		t.Fatalf("expected step ready after in completes, got %v", ready)
	}
}

func TestGraph_OutgoingByLabel(t *testing.T) {
	def := &models.WorkflowDefinition{
		Nodes: []models.Node{
			node("in", models.NodeInput),
			node("cond", models.NodeCondition),
			node("t", models.NodeTool),
			node("f", models.NodeTool),
		},
		Edges: []models.Edge{
			{Source: "in", Target: "cond"},
			{Source: "cond", Target: "t", Label: models.LabelTrue},
			{Source: "cond", Target: "f", Label: models.LabelFalse},
		},
	}
	g, err := Compile(def)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	trueEdges := g.OutgoingByLabel("cond", models.LabelTrue)
	if len(trueEdges) != 1 || trueEdges[0].Target != "t" {
		t.Fatalf("unexpected true-labeled edges: %v", trueEdges)
	}
}
