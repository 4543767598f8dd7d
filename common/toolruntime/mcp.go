package toolruntime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPAdapter implements ExecuteTool over a connected MCP client, dispatching
// every call as a single mcp.CallToolRequest and flattening the result's
// content blocks into Result.
type MCPAdapter struct {
	client client.MCPClient
}

// NewMCPAdapter wraps an already-initialized MCP client. Callers are
// responsible for the client's transport setup (stdio or HTTP) and for
// calling client.Initialize before the adapter's first Execute.
func NewMCPAdapter(c client.MCPClient) *MCPAdapter {
	return &MCPAdapter{client: c}
}

// Execute sends call as an MCP tool call and converts the response.
func (a *MCPAdapter) Execute(ctx context.Context, call Call) (Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = call.Name
	req.Params.Arguments = call.Arguments

	resp, err := a.client.CallTool(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("toolruntime: mcp call %s: %w", call.Name, err)
	}

	result := Result{Output: map[string]any{}, IsError: resp.IsError}
	var textParts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			textParts = append(textParts, tc.Text)
		}
	}
	if len(textParts) > 0 {
		joined := textParts[0]
		for _, p := range textParts[1:] {
			joined += "\n" + p
		}
		var parsed map[string]any
		if json.Unmarshal([]byte(joined), &parsed) == nil {
			result.Output = parsed
		} else {
			result.Message = joined
		}
	}
	return result, nil
}
