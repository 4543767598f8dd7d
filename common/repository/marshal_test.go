package repository

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflows/common/models"
)

// The JSON columns are the unit of durability: a run's decoded step
// results, compensation plan and status must survive a write/read cycle
// byte-identically (the round-trip law). These tests exercise the
// marshal/unmarshal halves the pgx queries sit between.

func TestRunBody_RoundTrip(t *testing.T) {
	orig := &models.WorkflowRun{
		ID:     "run-1",
		Status: models.RunSuspended,
		Input:  map[string]any{"id": "42", "nested": map[string]any{"k": float64(7)}},
		Output: map[string]any{"result": "Alice"},
		Error:  &models.RunError{Code: "tool-failure", Message: "boom", Context: map[string]any{"tool": "lookup"}},
		EngineState: models.EngineState{
			StepResults: map[string]any{
				"input": map[string]any{"id": "42"},
				"t1":    map[string]any{"name": "Alice"},
			},
			CompensationPlan: []models.CompensationEntry{
				{NodeID: "t1", ToolName: "book", CompensateAction: "undo-book", CompensateArgs: map[string]any{"id": "b-1"}},
			},
			PendingApprovalID: "appr-1",
			SuspendedNodeID:   "gate",
			CompletedNodes:    []string{"input", "t1"},
			SkippedNodes:      []string{"t2"},
		},
	}

	inputJSON, err := json.Marshal(orig.Input)
	require.NoError(t, err)
	outputJSON, err := json.Marshal(orig.Output)
	require.NoError(t, err)
	errorJSON, err := json.Marshal(orig.Error)
	require.NoError(t, err)
	engineStateJSON, err := json.Marshal(orig.EngineState)
	require.NoError(t, err)

	decoded := &models.WorkflowRun{ID: orig.ID, Status: orig.Status}
	require.NoError(t, unmarshalRunBody(decoded, inputJSON, outputJSON, errorJSON, engineStateJSON))

	require.Equal(t, orig.Input, decoded.Input)
	require.Equal(t, orig.Output, decoded.Output)
	require.Equal(t, orig.Error, decoded.Error)
	require.Equal(t, orig.EngineState, decoded.EngineState)
}

func TestRunBody_NullColumnsDecodeToZeroValues(t *testing.T) {
	decoded := &models.WorkflowRun{}
	require.NoError(t, unmarshalRunBody(decoded, nil, nil, nil, nil))
	require.Nil(t, decoded.Input)
	require.Nil(t, decoded.Output)
	require.Nil(t, decoded.Error)
	require.Empty(t, decoded.EngineState.StepResults)
}

func TestDefinitionBody_RoundTrip(t *testing.T) {
	orig := &models.WorkflowDefinition{
		Nodes: []models.Node{
			{ID: "in", Type: models.NodeInput, Data: map[string]any{}},
			{ID: "t1", Type: models.NodeTool, Data: map[string]any{"toolName": "lookup"}},
		},
		Edges:       []models.Edge{{Source: "in", Target: "t1"}},
		InputSchema: map[string]any{"properties": map[string]any{"id": map[string]any{"type": "string"}}},
	}

	nodesJSON, err := json.Marshal(orig.Nodes)
	require.NoError(t, err)
	edgesJSON, err := json.Marshal(orig.Edges)
	require.NoError(t, err)
	schemaJSON, err := json.Marshal(orig.InputSchema)
	require.NoError(t, err)

	decoded := &models.WorkflowDefinition{}
	require.NoError(t, unmarshalDefinitionBody(decoded, nodesJSON, edgesJSON, schemaJSON))

	require.Equal(t, orig.Nodes, decoded.Nodes)
	require.Equal(t, orig.Edges, decoded.Edges)
	require.Equal(t, orig.InputSchema, decoded.InputSchema)
}
