// Package approval coordinates human-in-the-loop suspension and resumption
// for approval nodes and tool-call confirmation.
//
// The registry is in-process: one executor owns each run, so a
// mutex-guarded map of single-assignment channels is sufficient, and the
// durable record of the pending state lives in the run's engine-state
// snapshot — cross-process resume reconstructs the decision from there
// instead of from this registry.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/workflows/common/clock"
	"github.com/lyzr/workflows/common/engineerrors"
	"github.com/lyzr/workflows/common/models"
)

// Coordinator tracks outstanding approval requests for in-flight runs and
// delivers decisions to whichever goroutine is waiting on them. It also
// keeps a registry of pre-recorded approvals: a decision posted ahead of
// the tool call it authorizes (Record), consumed exactly once when that
// call arrives (Consume), so an operator can grant a known-upcoming
// confirmation without the run ever suspending.
type Coordinator struct {
	mu       sync.Mutex
	pending  map[string]*waiter // approval id -> waiter
	recorded map[string]bool    // toolCallID "\x00" toolName -> approved ahead of the call
	clock    clock.Clock
}

type waiter struct {
	approval *models.PendingApproval
	ch       chan models.ApprovalDecision
	done     bool
}

// New builds an empty Coordinator.
func New(c clock.Clock) *Coordinator {
	return &Coordinator{
		pending:  make(map[string]*waiter),
		recorded: make(map[string]bool),
		clock:    c,
	}
}

func recordKey(toolCallID, toolName string) string {
	return toolCallID + "\x00" + toolName
}

// Record marks (toolCallID, toolName) as approved ahead of the call.
func (c *Coordinator) Record(toolCallID, toolName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorded[recordKey(toolCallID, toolName)] = true
}

// Consume atomically checks for a recorded approval for the pair and
// removes it, reporting whether one had been recorded. A recorded approval
// authorizes exactly one call.
func (c *Coordinator) Consume(toolCallID, toolName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := recordKey(toolCallID, toolName)
	if !c.recorded[key] {
		return false
	}
	delete(c.recorded, key)
	return true
}

// Request registers a new pending approval and returns it. Calling Request
// twice for the same (RunID, NodeID, ToolCallID) is idempotent: the first
// registration wins and subsequent calls return the existing approval.
func (c *Coordinator) Request(approval models.PendingApproval) *models.PendingApproval {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, w := range c.pending {
		if w.approval.RunID == approval.RunID && w.approval.NodeID == approval.NodeID &&
			w.approval.ToolCallID == approval.ToolCallID {
			return w.approval
		}
	}

	if approval.ID == "" {
		approval.ID = c.clock.NewID()
	}
	approval.CreatedAt = c.clock.NowUTC()
	a := approval
	c.pending[a.ID] = &waiter{approval: &a, ch: make(chan models.ApprovalDecision, 1)}
	return &a
}

// Await blocks until approvalID is decided, ctx is cancelled, or timeout
// elapses — whichever comes first. A timeout resolves to a rejection with
// reason "timeout": an approval node that never hears back fails closed
// rather than hanging the run forever.
func (c *Coordinator) Await(ctx context.Context, approvalID string, timeout time.Duration) (models.ApprovalDecision, error) {
	c.mu.Lock()
	w, ok := c.pending[approvalID]
	c.mu.Unlock()
	if !ok {
		return models.ApprovalDecision{}, engineerrors.NewNotFound("no pending approval with that id").
			WithContext(map[string]any{"approvalId": approvalID})
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case decision := <-w.ch:
		return decision, nil
	case <-timeoutCh:
		decision := models.ApprovalDecision{Approved: false, ApprovedAt: c.clock.NowUTC(), ApprovalReason: "timeout"}
		c.deliver(approvalID, decision)
		return decision, engineerrors.NewApprovalTimeout("approval timed out").
			WithContext(map[string]any{"approvalId": approvalID})
	case <-ctx.Done():
		return models.ApprovalDecision{}, engineerrors.NewCancelled("approval wait cancelled")
	}
}

// Decide resolves a pending approval exactly once; a second call for the
// same id is a no-op success, so a duplicate response cannot flip an
// already-delivered decision.
func (c *Coordinator) Decide(approvalID string, decision models.ApprovalDecision) error {
	c.mu.Lock()
	w, ok := c.pending[approvalID]
	if !ok {
		c.mu.Unlock()
		return engineerrors.NewNotFound("no pending approval with that id").
			WithContext(map[string]any{"approvalId": approvalID})
	}
	if w.done {
		c.mu.Unlock()
		return nil
	}
	w.done = true
	c.mu.Unlock()

	select {
	case w.ch <- decision:
	default:
	}
	return nil
}

func (c *Coordinator) deliver(approvalID string, decision models.ApprovalDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.pending[approvalID]
	if !ok || w.done {
		return
	}
	w.done = true
	select {
	case w.ch <- decision:
	default:
	}
}

// Get returns the pending approval record for approvalID, if any.
func (c *Coordinator) Get(approvalID string) (*models.PendingApproval, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.pending[approvalID]
	if !ok {
		return nil, false
	}
	return w.approval, true
}

// Forget removes a resolved approval from the registry. Callers invoke
// this once the run has durably recorded the decision, so the registry
// does not grow unbounded across a long-lived process.
func (c *Coordinator) Forget(approvalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, approvalID)
}
