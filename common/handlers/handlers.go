// Package handlers implements the per-node-type behaviors of the workflow
// engine: input, output, ai-step, tool, condition, loop, parallel,
// approval, delay and webhook. Each handler is a pure function of its node
// configuration and the current step-results snapshot, plus a narrow set
// of injected collaborators (model provider, tool runtime, approval
// coordinator, circuit breakers) so the executor never constructs a
// concrete collaborator itself.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/workflows/common/approval"
	"github.com/lyzr/workflows/common/breaker"
	"github.com/lyzr/workflows/common/clock"
	"github.com/lyzr/workflows/common/engineerrors"
	"github.com/lyzr/workflows/common/handlers/security"
	"github.com/lyzr/workflows/common/interpolate"
	"github.com/lyzr/workflows/common/logger"
	"github.com/lyzr/workflows/common/models"
	"github.com/lyzr/workflows/common/modelprovider"
	"github.com/lyzr/workflows/common/toolruntime"
)

// NodeExecutor invokes another node's handler and returns its output. The
// loop and parallel handlers use it to run body nodes; the executor is the
// only implementation, injected here to avoid handlers importing executor
// (which imports handlers).
type NodeExecutor interface {
	ExecuteNode(ctx context.Context, nodeID string, stepResults map[string]any) (any, error)
}

// Handler is the contract every node-type implementation satisfies.
type Handler interface {
	Handle(ctx context.Context, hc *HandlerContext) (any, error)
}

// HandlerContext carries everything one node invocation needs: the node's
// own definition, a resolver bound to the step-results visible to it, and
// the collaborators required by some (not all) node types.
type HandlerContext struct {
	RunID  string
	Node   models.Node
	Clock  clock.Clock
	Log    *logger.Logger

	Resolver *interpolate.Resolver

	Dispatch   NodeExecutor
	Compensate func(models.CompensationEntry)

	Approvals *approval.Coordinator
	Breakers  *breaker.Registry
	Models    modelprovider.GenerateText
	Tools     toolruntime.ExecuteTool
	URLGuard  *security.URLValidator

	// Confirmed carries the human decision for a node that previously
	// suspended the run requesting confirmation (a tool call gated on a
	// human). nil on a node's first invocation; set
	// by the executor when re-invoking a handler after its confirmation
	// decision arrives, so the handler can skip straight to execution
	// instead of requesting confirmation again.
	Confirmed *models.ApprovalDecision

	ApprovalDefaultTimeout time.Duration
	WebhookRequestTimeout  time.Duration
}

// data returns the node's config map, never nil.
func (hc *HandlerContext) data() map[string]any {
	if hc.Node.Data == nil {
		return map[string]any{}
	}
	return hc.Node.Data
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func boolField(data map[string]any, key string) bool {
	if v, ok := data[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func intField(data map[string]any, key string, fallback int) int {
	if v, ok := data[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return fallback
}

func floatField(data map[string]any, key string, fallback float64) float64 {
	if v, ok := data[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return fallback
}

func mapField(data map[string]any, key string) map[string]any {
	if v, ok := data[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

func sliceField(data map[string]any, key string) []any {
	if v, ok := data[key]; ok {
		if s, ok := v.([]any); ok {
			return s
		}
	}
	return nil
}

func stringSliceField(data map[string]any, key string) []string {
	raw := sliceField(data, key)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Registry resolves a node type to its handler.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry wires the default handler for every node type named in
// models.Node* constants.
func NewRegistry() *Registry {
	return &Registry{
		handlers: map[string]Handler{
			models.NodeInput:     InputHandler{},
			models.NodeOutput:    OutputHandler{},
			models.NodeAIStep:    AIStepHandler{},
			models.NodeTool:      ToolHandler{},
			models.NodeCondition: ConditionHandler{},
			models.NodeLoop:      LoopHandler{},
			models.NodeParallel:  ParallelHandler{},
			models.NodeApproval:  ApprovalHandler{},
			models.NodeDelay:     DelayHandler{},
			models.NodeWebhook:   WebhookHandler{},
		},
	}
}

// For resolves the handler for a node type, or a validation error when no
// handler is registered for it.
func (r *Registry) For(nodeType string) (Handler, error) {
	h, ok := r.handlers[nodeType]
	if !ok {
		return nil, engineerrors.NewValidation(fmt.Sprintf("no handler registered for node type %q", nodeType))
	}
	return h, nil
}
