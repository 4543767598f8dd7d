package executor

import (
	"context"

	"github.com/lyzr/workflows/common/compiler"
	"github.com/lyzr/workflows/common/engineerrors"
	"github.com/lyzr/workflows/common/models"
)

// runDispatcher implements handlers.NodeExecutor so loop and parallel node
// handlers can invoke another node's handler (a "body" node) without
// importing the executor package themselves. Each call goes back through
// invokeWithRetry, so a body node gets the same retry policy and
// compensation recording as a top-level node.
type runDispatcher struct {
	exec       *Executor
	graph      *compiler.Graph
	runID      string
	compensate func(models.CompensationEntry)
}

func (d *runDispatcher) ExecuteNode(ctx context.Context, nodeID string, stepResults map[string]any) (any, error) {
	node, ok := d.graph.NodesByID[nodeID]
	if !ok {
		return nil, engineerrors.NewValidation("body node not found in graph: " + nodeID)
	}
	return d.exec.invokeWithRetry(ctx, d.runID, *node, stepResults, d, d.compensate, nil)
}
