package handlers

import (
	"context"
	"time"

	"github.com/lyzr/workflows/common/models"
)

// Suspended is the sentinel a node handler returns (as its error) to ask
// the executor to suspend the entire run rather than treat the invocation
// as failed. ApprovalHandler always returns it; ToolHandler returns it for a
// node configured with requiresConfirmation. The executor recognizes this
// type (as opposed to any other error) and persists a suspended snapshot
// instead of running the node's retry policy against it: durable
// suspension requires the snapshot land before anything blocks on the
// decision signal.
type Suspended struct {
	ApprovalID string
	Timeout    time.Duration
}

func (s *Suspended) Error() string {
	return "suspended pending approval " + s.ApprovalID
}

// ApprovalHandler registers a pending approval through the coordinator and
// immediately returns Suspended so the executor can persist a suspended
// snapshot and let the run's goroutine unwind. It never blocks: resolution
// (a real decision or a timeout) is handled entirely by the executor once
// the decision arrives, via ResumeRun or the coordinator's timeout path.
type ApprovalHandler struct{}

func (ApprovalHandler) Handle(ctx context.Context, hc *HandlerContext) (any, error) {
	data := hc.data()

	message := stringField(data, "message")
	approvers := stringSliceField(data, "approvers")
	approvalCtx, _ := hc.Resolver.ResolveConfig(mapField(data, "context")).(map[string]any)

	timeout := hc.ApprovalDefaultTimeout
	if minutes := intField(data, "timeoutMinutes", 0); minutes > 0 {
		timeout = time.Duration(minutes) * time.Minute
	}

	pending := hc.Approvals.Request(models.PendingApproval{
		RunID:     hc.RunID,
		NodeID:    hc.Node.ID,
		Message:   message,
		Arguments: approvalCtx,
		Approvers: approvers,
	})

	return nil, &Suspended{ApprovalID: pending.ID, Timeout: timeout}
}
