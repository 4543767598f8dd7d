package handlers

import (
	"context"
	"time"

	"github.com/lyzr/workflows/common/engineerrors"
	"github.com/lyzr/workflows/common/models"
	"github.com/lyzr/workflows/common/toolruntime"
)

// ToolHandler interpolates its arguments, dispatches through the circuit
// breaker registry (one breaker per tool name) to the injected ExecuteTool
// collaborator, and — on success, when the node declares a compensation
// action — appends an undo entry to the run's compensation plan.
//
// A node with requiresConfirmation set suspends the run before ever
// calling the tool, the same way ApprovalHandler suspends — it registers a
// PendingApproval
// keyed by RunID/NodeID/ToolCallID and returns Suspended. The executor
// re-invokes this handler once the decision arrives, this time with
// hc.Confirmed set, so a rejected confirmation fails the node instead of
// calling the tool, and an approved one falls through to the normal
// execution path below.
type ToolHandler struct{}

func (ToolHandler) Handle(ctx context.Context, hc *HandlerContext) (any, error) {
	data := hc.data()
	name := stringField(data, "toolName")
	if name == "" {
		return nil, engineerrors.NewValidation("tool node missing toolName")
	}

	args, _ := hc.Resolver.ResolveConfig(mapField(data, "args")).(map[string]any)

	if boolField(data, "requiresConfirmation") {
		toolCallID := hc.RunID + ":" + hc.Node.ID
		if hc.Confirmed == nil && hc.Approvals.Consume(toolCallID, name) {
			// A decision recorded ahead of the call authorizes it without
			// suspending the run.
			hc.Confirmed = &models.ApprovalDecision{Approved: true, ApprovedAt: hc.Clock.NowUTC()}
		}
		if hc.Confirmed == nil {
			timeout := hc.ApprovalDefaultTimeout
			if minutes := intField(data, "confirmationTimeoutMinutes", 0); minutes > 0 {
				timeout = time.Duration(minutes) * time.Minute
			}
			pending := hc.Approvals.Request(models.PendingApproval{
				RunID:      hc.RunID,
				NodeID:     hc.Node.ID,
				ToolCallID: toolCallID,
				ToolName:   name,
				Arguments:  args,
			})
			return nil, &Suspended{ApprovalID: pending.ID, Timeout: timeout}
		}
		if !hc.Confirmed.Approved {
			return nil, engineerrors.NewApprovalRejected("tool call " + name + " was not confirmed").
				WithContext(map[string]any{"nodeId": hc.Node.ID, "toolName": name})
		}
	}

	raw, err := hc.Breakers.Do(ctx, "tool:"+name, func(ctx context.Context) (any, error) {
		return hc.Tools.Execute(ctx, toolruntime.Call{Name: name, Arguments: args})
	})
	if err != nil {
		return nil, engineerrors.NewToolFailure("tool execution failed: "+name, err)
	}

	result := raw.(toolruntime.Result)
	if result.IsError {
		return nil, engineerrors.NewToolFailure("tool "+name+" returned an error: "+result.Message, nil)
	}

	if action := stringField(data, "compensateAction"); action != "" && hc.Compensate != nil {
		compArgs, _ := hc.Resolver.ResolveConfig(mapField(data, "compensateArgs")).(map[string]any)
		hc.Compensate(models.CompensationEntry{
			NodeID:           hc.Node.ID,
			ToolName:         name,
			CompensateAction: action,
			CompensateArgs:   compArgs,
		})
	}

	return result.Output, nil
}
