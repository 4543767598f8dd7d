// Package executor implements the engine's public API surface (CreateRun,
// StartRun, ResumeRun, CancelRun, GetRun) and the run scheduling loop:
// validate, initialize, schedule, persist, retry, suspend, resume,
// terminate. Scheduling is an in-process topological walk over
// compiler.Graph; there is no cross-instance coordination — one executor
// owns each run.
package executor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/lyzr/workflows/common/approval"
	"github.com/lyzr/workflows/common/breaker"
	"github.com/lyzr/workflows/common/clock"
	"github.com/lyzr/workflows/common/compensation"
	"github.com/lyzr/workflows/common/compiler"
	"github.com/lyzr/workflows/common/concurrency"
	"github.com/lyzr/workflows/common/engineerrors"
	"github.com/lyzr/workflows/common/handlers"
	"github.com/lyzr/workflows/common/handlers/security"
	"github.com/lyzr/workflows/common/interpolate"
	"github.com/lyzr/workflows/common/logger"
	"github.com/lyzr/workflows/common/models"
	"github.com/lyzr/workflows/common/modelprovider"
	"github.com/lyzr/workflows/common/toolruntime"
)

// DefinitionStore is the slice of DefinitionRepository the executor needs.
type DefinitionStore interface {
	GetByIDForOwner(ctx context.Context, id string, scope models.OwnerScope) (*models.WorkflowDefinition, error)
}

// RunStore is the slice of RunRepository the executor needs.
type RunStore interface {
	Create(ctx context.Context, run *models.WorkflowRun) error
	GetByIDForOwner(ctx context.Context, id string, scope models.OwnerScope) (*models.WorkflowRun, error)
	Save(ctx context.Context, run *models.WorkflowRun) error
}

// StepStore is the slice of StepRepository the executor needs.
type StepStore interface {
	Create(ctx context.Context, step *models.WorkflowStep) error
}

// Limiter bounds simultaneous active runs.
type Limiter interface {
	Acquire(ctx context.Context) (*concurrency.Result, error)
	Release(ctx context.Context) error
}

// Executor runs workflow definitions against their compiled graph.
type Executor struct {
	Definitions DefinitionStore
	Runs        RunStore
	Steps       StepStore
	Registry    *handlers.Registry

	Approvals *approval.Coordinator
	Breakers  *breaker.Registry
	Models    modelprovider.GenerateText
	Tools     toolruntime.ExecuteTool
	URLGuard  *security.URLValidator
	Limiter   Limiter

	Clock clock.Clock
	Log   *logger.Logger

	ApprovalDefaultTimeout time.Duration
	WebhookRequestTimeout  time.Duration
	DefaultNodeTimeout     time.Duration

	mu      sync.Mutex
	cancels map[string]*cancelToken
	waits   map[string]chan struct{}
}

// cancelToken identifies one registerCancel call so a later unregisterCancel
// only removes the map entry it itself installed. Without this, a run that
// suspends races its own unwinding StartRun/ResumeRun call (which defers an
// unregister) against the background goroutine that takes over the run's
// cancellation on suspend (see suspendForApproval/awaitApprovalAndContinue);
// a plain delete-by-key could remove the *new* registration.
type cancelToken struct {
	cancel context.CancelFunc
}

// CreateRun loads def (must be published) and inserts a new run in
// "pending" status. It does not begin execution; call StartRun for that.
func (e *Executor) CreateRun(ctx context.Context, definitionID string, scope models.OwnerScope, input map[string]any) (*models.WorkflowRun, error) {
	def, err := e.Definitions.GetByIDForOwner(ctx, definitionID, scope)
	if err != nil {
		return nil, err
	}
	if def.Status != models.DefinitionPublished {
		return nil, engineerrors.NewConflict("only published definitions may be run").
			WithContext(map[string]any{"definitionId": definitionID, "status": string(def.Status)})
	}

	run := &models.WorkflowRun{
		DefinitionID:    def.ID,
		WorkflowVersion: def.Version,
		UserID:          scope.UserID,
		OrgID:           scope.OrgID,
		Status:          models.RunPending,
		Input:           input,
		EngineState: models.EngineState{
			StepResults: map[string]any{"input": input},
		},
	}
	if err := e.Runs.Create(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun returns a run scoped to the caller's tenant.
func (e *Executor) GetRun(ctx context.Context, runID string, scope models.OwnerScope) (*models.WorkflowRun, error) {
	return e.Runs.GetByIDForOwner(ctx, runID, scope)
}

// StartRun transitions a pending run to running and executes its
// definition to completion, suspension, or failure. It blocks while nodes
// execute, but a run that reaches an approval (or a tool awaiting
// confirmation) returns the suspended outcome immediately — the wait for
// the decision happens on a background goroutine, not on this call.
func (e *Executor) StartRun(ctx context.Context, runID string, scope models.OwnerScope) (*models.WorkflowRun, error) {
	run, err := e.Runs.GetByIDForOwner(ctx, runID, scope)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunPending {
		return nil, engineerrors.NewConflict("run is not pending").
			WithContext(map[string]any{"runId": runID, "status": string(run.Status)})
	}

	def, err := e.Definitions.GetByIDForOwner(ctx, run.DefinitionID, scope)
	if err != nil {
		return nil, err
	}

	if e.Limiter != nil {
		if err := e.acquireRunSlot(ctx); err != nil {
			return nil, err
		}
		defer e.Limiter.Release(context.Background())
	}

	runCtx, cancel := context.WithCancel(ctx)
	cancelTok := e.registerCancel(run.ID, cancel)
	defer e.unregisterCancel(run.ID, cancelTok)

	now := e.Clock.NowUTC()
	run.Status = models.RunRunning
	run.StartedAt = &now
	if err := e.Runs.Save(runCtx, run); err != nil {
		return nil, err
	}

	return e.run(runCtx, run, def)
}

// acquireRunSlot blocks until the limiter grants a concurrency slot, or
// until ctx is cancelled. Excess run-start requests queue here rather than
// fail.
func (e *Executor) acquireRunSlot(ctx context.Context) error {
	for {
		res, err := e.Limiter.Acquire(ctx)
		if err != nil {
			return engineerrors.NewInternal("run concurrency limiter unavailable", err)
		}
		if res.Allowed {
			return nil
		}
		if e.Log != nil {
			e.Log.Debug("active-run limit reached, queueing start", "current", res.Current, "limit", res.Limit)
		}
		if err := sleepWithContext(ctx, e.Clock, 250*time.Millisecond); err != nil {
			return err
		}
	}
}

// ResumeRun delivers a decision payload to a suspended run's pending
// approval.
//
// If the process that called StartRun is still alive, the approval node's
// suspension spawned a background goroutine waiting on exactly this
// approval id (see awaitApprovalAndContinue); Decide unblocks it and
// ResumeRun waits for it to fold the decision back into the run and drive
// the walk to its next stopping point (completion, failure, or a further
// suspension) before returning the run's resulting state. If no such
// goroutine exists (the executor restarted since suspension), ResumeRun
// reconstructs the decision directly and resumes the topological walk
// itself, synchronously, in this call.
func (e *Executor) ResumeRun(ctx context.Context, runID string, scope models.OwnerScope, decision models.ApprovalDecision) (*models.WorkflowRun, error) {
	run, err := e.Runs.GetByIDForOwner(ctx, runID, scope)
	if err != nil {
		return nil, err
	}
	// Resuming an already-terminal run is a no-op that returns the terminal
	// outcome rather than erroring — it must never double-execute —
	// mirroring CancelRun's already-terminal handling below.
	if run.Status.IsTerminal() {
		return run, nil
	}
	if run.Status != models.RunSuspended {
		return nil, engineerrors.NewConflict("run is not suspended").
			WithContext(map[string]any{"runId": runID, "status": string(run.Status)})
	}

	pendingID := run.EngineState.PendingApprovalID
	if pendingID == "" {
		return nil, engineerrors.NewInternal("suspended run has no pending approval id recorded", nil)
	}

	if _, ok := e.Approvals.Get(pendingID); ok {
		if err := e.Approvals.Decide(pendingID, decision); err != nil {
			return nil, err
		}
		e.mu.Lock()
		done := e.waits[runID]
		e.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return nil, engineerrors.NewCancelled("resume wait cancelled")
			}
		}
		return e.Runs.GetByIDForOwner(ctx, runID, scope)
	}

	// Crash-resume path: no in-process waiter. Find the node the run is
	// suspended at (an approval node, or a tool node awaiting confirmation)
	// and continue traversal from its successors with the supplied decision.
	def, err := e.Definitions.GetByIDForOwner(ctx, run.DefinitionID, scope)
	if err != nil {
		return nil, err
	}
	graph, err := compiler.Compile(def)
	if err != nil {
		return nil, engineerrors.NewValidation("workflow definition failed validation: " + err.Error())
	}

	suspendedNodeID, err := findSuspendedApprovalNode(graph, run.EngineState)
	if err != nil {
		return nil, err
	}

	completed, skipped := restoreNodeSets(run.EngineState)
	stepResults := run.EngineState.StepResults
	node := *graph.NodesByID[suspendedNodeID]
	run.EngineState.PendingApprovalID = ""
	run.EngineState.SuspendedNodeID = ""

	runCtx, cancel := context.WithCancel(ctx)
	cancelTok := e.registerCancel(run.ID, cancel)
	defer e.unregisterCancel(run.ID, cancelTok)

	resumedAt := e.Clock.NowUTC()
	run.ResumedAt = &resumedAt
	run.Status = models.RunRunning

	nodeErr := e.resumeNodeWithDecision(runCtx, run, graph, node, decision, stepResults, completed, skipped)
	if err := e.Runs.Save(runCtx, run); err != nil {
		return nil, err
	}
	if nodeErr != nil {
		return e.failRunWithCompensation(runCtx, run, nodeErr, run.EngineState.CompensationPlan)
	}

	return e.runLoop(runCtx, run, graph, stepResults, completed, skipped)
}

// resumeNodeWithDecision folds a delivered approval/confirmation decision
// into node's step outcome and mutates run.EngineState.CompensationPlan to
// match, but does not persist run — the caller saves it. An approval
// node's output is the decision itself; any other node type (a tool node
// that requested human confirmation mid-call) re-invokes its handler with
// the decision attached, so a rejection fails the node and an approval
// executes the tool for real.
func (e *Executor) resumeNodeWithDecision(ctx context.Context, run *models.WorkflowRun, graph *compiler.Graph, node models.Node, decision models.ApprovalDecision, stepResults map[string]any, completed, skipped map[string]bool) error {
	startedAt := e.Clock.NowUTC()

	if node.Type == models.NodeApproval {
		output := approvalOutput(decision)
		stepResults[node.ID] = output
		completed[node.ID] = true
		durationMs := e.Clock.NowUTC().Sub(derefTime(run.SuspendedAt, startedAt)).Milliseconds()
		e.persistStep(ctx, run.ID, node, len(completed)+len(skipped), models.StepCompleted, output, nil, &durationMs)
		run.EngineState = models.EngineState{
			StepResults:      stepResults,
			CompensationPlan: run.EngineState.CompensationPlan,
			CompletedNodes:   setKeys(completed),
			SkippedNodes:     setKeys(skipped),
		}
		return nil
	}

	dispatcher := &runDispatcher{exec: e, graph: graph, runID: run.ID}
	compensationPlan := append([]models.CompensationEntry(nil), run.EngineState.CompensationPlan...)
	compensate := func(entry models.CompensationEntry) {
		compensationPlan = append(compensationPlan, entry)
	}
	dispatcher.compensate = compensate

	output, err := e.invokeWithRetryConfirmed(ctx, run.ID, node, stepResults, dispatcher, compensate, &decision)
	durationMs := e.Clock.NowUTC().Sub(startedAt).Milliseconds()
	if err != nil {
		e.persistStep(ctx, run.ID, node, len(completed)+len(skipped)+1, models.StepFailed, nil, toRunError(err), &durationMs)
		run.EngineState = models.EngineState{
			StepResults:      stepResults,
			CompensationPlan: compensationPlan,
			CompletedNodes:   setKeys(completed),
			SkippedNodes:     setKeys(skipped),
		}
		return err
	}

	stepResults[node.ID] = output
	completed[node.ID] = true
	e.persistStep(ctx, run.ID, node, len(completed)+len(skipped), models.StepCompleted, output, nil, &durationMs)
	run.EngineState = models.EngineState{
		StepResults:      stepResults,
		CompensationPlan: compensationPlan,
		CompletedNodes:   setKeys(completed),
		SkippedNodes:     setKeys(skipped),
	}
	return nil
}

func approvalOutput(decision models.ApprovalDecision) map[string]any {
	return map[string]any{
		"approved":       decision.Approved,
		"approvedBy":     decision.ApprovedBy,
		"approvedAt":     decision.ApprovedAt,
		"approvalReason": decision.ApprovalReason,
		"approvalData":   decision.ApprovalData,
	}
}

func derefTime(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}

// CancelRun propagates cancellation to an in-flight run's context and, if
// no in-process execution is running (process restart since start),
// records the run as cancelled directly.
func (e *Executor) CancelRun(ctx context.Context, runID string, scope models.OwnerScope) (*models.WorkflowRun, error) {
	run, err := e.Runs.GetByIDForOwner(ctx, runID, scope)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	e.mu.Lock()
	token, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		token.cancel()
		return e.Runs.GetByIDForOwner(ctx, runID, scope)
	}

	// Compensation still runs on this path: a suspended run whose process
	// restarted may have recorded side-effects before it suspended.
	e.runCompensation(context.Background(), run.EngineState.CompensationPlan)

	now := e.Clock.NowUTC()
	run.Status = models.RunCancelled
	run.CompletedAt = &now
	run.Error = &models.RunError{Code: string(engineerrors.Cancelled), Message: "run cancelled"}
	if err := e.Runs.Save(ctx, run); err != nil {
		return nil, err
	}
	e.clearWait(run.ID)
	return run, nil
}

func (e *Executor) registerCancel(runID string, cancel context.CancelFunc) *cancelToken {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancels == nil {
		e.cancels = make(map[string]*cancelToken)
	}
	t := &cancelToken{cancel: cancel}
	e.cancels[runID] = t
	return t
}

// unregisterCancel removes runID's map entry only if it still holds the
// exact token this call was given — see cancelToken's doc comment.
func (e *Executor) unregisterCancel(runID string, token *cancelToken) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancels[runID] == token {
		delete(e.cancels, runID)
	}
}

// run drives a freshly started run from scratch through the compiled graph.
func (e *Executor) run(ctx context.Context, run *models.WorkflowRun, def *models.WorkflowDefinition) (*models.WorkflowRun, error) {
	graph, err := compiler.Compile(def)
	if err != nil {
		return e.failRun(ctx, run, engineerrors.NewValidation("workflow definition failed validation: "+err.Error()))
	}

	stepResults := map[string]any{"input": run.Input}
	completed := map[string]bool{}
	skipped := map[string]bool{}

	return e.runLoop(ctx, run, graph, stepResults, completed, skipped)
}

// bodyNodeIDs returns every node id declared in some loop/parallel node's
// "body" list — these are executed by their parent handler via
// handlers.NodeExecutor, never scheduled independently at the top level.
func bodyNodeIDs(graph *compiler.Graph) map[string]bool {
	out := map[string]bool{}
	for _, node := range graph.NodesByID {
		if node.Type != models.NodeLoop && node.Type != models.NodeParallel {
			continue
		}
		raw, _ := node.Data["body"].([]any)
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out[s] = true
			}
		}
	}
	return out
}

// runLoop walks graph's topology to completion, suspension or failure,
// starting from the given (possibly already partially populated) state.
func (e *Executor) runLoop(ctx context.Context, run *models.WorkflowRun, graph *compiler.Graph, stepResults map[string]any, completed, skipped map[string]bool) (*models.WorkflowRun, error) {
	bodyIDs := bodyNodeIDs(graph)
	compensationPlan := append([]models.CompensationEntry(nil), run.EngineState.CompensationPlan...)
	stepNumber := len(completed) + len(skipped)

	for {
		resolved := map[string]bool{}
		for id := range completed {
			resolved[id] = true
		}
		for id := range skipped {
			resolved[id] = true
		}

		ready := graph.Ready(resolved)
		var pending []string
		for _, id := range ready {
			if !bodyIDs[id] {
				pending = append(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}

		for _, nodeID := range pending {
			select {
			case <-ctx.Done():
				return e.cancelRunWithCompensation(ctx, run, compensationPlan)
			default:
			}

			node := *graph.NodesByID[nodeID]

			if skip, label := e.shouldSkip(graph, node, stepResults); skip {
				stepResults[nodeID] = nil
				skipped[nodeID] = true
				stepNumber++
				e.persistStep(ctx, run.ID, node, stepNumber, models.StepSkipped, nil, nil, nil)
				_ = label
				e.saveSnapshot(ctx, run, stepResults, completed, skipped, compensationPlan, "")
				continue
			}

			dispatcher := &runDispatcher{exec: e, graph: graph, runID: run.ID}
			var compensate func(models.CompensationEntry)
			compensate = func(entry models.CompensationEntry) {
				compensationPlan = append(compensationPlan, entry)
			}
			dispatcher.compensate = compensate

			startedAt := e.Clock.NowUTC()
			output, stepErr := e.invokeWithRetry(ctx, run.ID, node, stepResults, dispatcher, compensate, nil)
			durationMs := e.Clock.NowUTC().Sub(startedAt).Milliseconds()

			if susp, ok := stepErr.(*handlers.Suspended); ok {
				return e.suspendForApproval(ctx, run, graph, node, susp, stepResults, completed, skipped, compensationPlan)
			}

			if stepErr != nil {
				stepNumber++
				e.persistStep(ctx, run.ID, node, stepNumber, models.StepFailed, nil, toRunError(stepErr), &durationMs)
				run.EngineState = models.EngineState{
					StepResults:      stepResults,
					CompensationPlan: compensationPlan,
					CompletedNodes:   setKeys(completed),
					SkippedNodes:     setKeys(skipped),
				}
				return e.failRunWithCompensation(ctx, run, stepErr, compensationPlan)
			}

			stepResults[nodeID] = output
			completed[nodeID] = true
			stepNumber++
			e.persistStep(ctx, run.ID, node, stepNumber, models.StepCompleted, output, nil, &durationMs)
			e.saveSnapshot(ctx, run, stepResults, completed, skipped, compensationPlan, "")
		}
	}

	outputNodeID := findOutputNode(graph)
	var output any
	if outputNodeID != "" {
		output = stepResults[outputNodeID]
	}

	now := e.Clock.NowUTC()
	run.Status = models.RunCompleted
	run.CompletedAt = &now
	if m, ok := output.(map[string]any); ok {
		run.Output = m
	}
	run.EngineState = models.EngineState{
		StepResults:      stepResults,
		CompensationPlan: nil,
		CompletedNodes:   setKeys(completed),
		SkippedNodes:     setKeys(skipped),
	}
	if err := e.Runs.Save(ctx, run); err != nil {
		return nil, err
	}
	e.clearWait(run.ID)
	return run, nil
}

// clearWait drops runID's done-channel once the run reaches a terminal
// status, so ResumeRun's wait lookup and the waits map itself don't grow
// unbounded across a long-lived process.
func (e *Executor) clearWait(runID string) {
	e.mu.Lock()
	delete(e.waits, runID)
	e.mu.Unlock()
}

func findOutputNode(graph *compiler.Graph) string {
	for id, node := range graph.NodesByID {
		if node.Type == models.NodeOutput {
			return id
		}
	}
	return ""
}

// shouldSkip reports whether node must be skipped because an inbound edge
// from a condition-type source carries a label that does not match the
// branch that source actually produced.
func (e *Executor) shouldSkip(graph *compiler.Graph, node models.Node, stepResults map[string]any) (bool, string) {
	for sourceID, edges := range graph.Edges {
		source := graph.NodesByID[sourceID]
		if source == nil || source.Type != models.NodeCondition {
			continue
		}
		for _, edge := range edges {
			if edge.Target != node.ID || edge.Label == "" {
				continue
			}
			out, ok := stepResults[sourceID].(map[string]any)
			if !ok {
				continue
			}
			branch, _ := out["branch"].(string)
			if branch != edge.Label {
				return true, edge.Label
			}
		}
	}
	return false, ""
}

// invokeWithRetryConfirmed re-invokes node's handler with a delivered
// confirmation/approval decision attached (resumeNodeWithDecision's path
// for a non-approval node that suspended requesting human confirmation).
// The retry loop still applies: a confirmed tool call can still fail with
// a retryable tool-failure.
func (e *Executor) invokeWithRetryConfirmed(ctx context.Context, runID string, node models.Node, stepResults map[string]any, dispatcher handlers.NodeExecutor, compensate func(models.CompensationEntry), confirmed *models.ApprovalDecision) (any, error) {
	return e.invokeWithRetry(ctx, runID, node, stepResults, dispatcher, compensate, confirmed)
}

func (e *Executor) invokeWithRetry(ctx context.Context, runID string, node models.Node, stepResults map[string]any, dispatcher handlers.NodeExecutor, compensate func(models.CompensationEntry), confirmed *models.ApprovalDecision) (any, error) {
	policy := retryPolicyFor(node)

	timeout := e.nodeTimeoutFor(node)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		hc := e.buildHandlerContext(runID, node, stepResults, dispatcher, compensate, confirmed)
		handler, err := e.Registry.For(node.Type)
		if err != nil {
			return nil, err
		}

		out, err := e.invokeOnce(ctx, timeout, handler, hc)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if _, ok := err.(*handlers.Suspended); ok {
			return nil, err
		}

		if !engineerrors.KindOf(err).Retryable() || attempt == policy.MaxAttempts {
			return nil, err
		}

		delay := backoffDelay(policy, attempt)
		if sleepErr := sleepWithContext(ctx, e.Clock, delay); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, lastErr
}

// invokeOnce runs one handler attempt under the node's timeout ceiling.
// A deadline hit is surfaced as an internal, non-retryable error distinct
// from a caller
// cancellation — the run's own context being done always wins.
func (e *Executor) invokeOnce(ctx context.Context, timeout time.Duration, handler handlers.Handler, hc *handlers.HandlerContext) (any, error) {
	if timeout <= 0 {
		return handler.Handle(ctx, hc)
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := handler.Handle(nodeCtx, hc)
	if err != nil && nodeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, engineerrors.NewInternal("node execution exceeded its timeout", err).
			WithContext(map[string]any{"nodeId": hc.Node.ID, "timeoutMs": timeout.Milliseconds()})
	}
	return out, err
}

// nodeTimeoutFor returns the node's own timeoutMs override, or the
// executor-wide default ceiling. Approval nodes are exempt: their handler
// never blocks (suspension is handled by the executor), and their own
// timeoutMinutes governs the wait for a decision instead.
func (e *Executor) nodeTimeoutFor(node models.Node) time.Duration {
	if node.Type == models.NodeApproval {
		return 0
	}
	if v, ok := node.Data["timeoutMs"].(float64); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return e.DefaultNodeTimeout
}

func retryPolicyFor(node models.Node) models.RetryPolicy {
	base := models.DefaultRetryPolicy()
	raw, ok := node.Data["retryPolicy"].(map[string]any)
	if !ok {
		return base
	}
	override := &models.RetryPolicy{}
	if v, ok := raw["maxAttempts"].(float64); ok {
		override.MaxAttempts = int(v)
	}
	if v, ok := raw["backoffMs"].(float64); ok {
		override.BackoffMs = int(v)
	}
	if v, ok := raw["backoffMultiplier"].(float64); ok {
		override.BackoffMultiplier = v
	}
	if v, ok := raw["maxBackoffMs"].(float64); ok {
		override.MaxBackoffMs = int(v)
	}
	return base.Merge(override)
}

// backoffDelay computes min(backoffMs * multiplier^(attempt-1), maxBackoffMs)
// with +/-20% jitter.
func backoffDelay(policy models.RetryPolicy, attempt int) time.Duration {
	delay := float64(policy.BackoffMs)
	for i := 1; i < attempt; i++ {
		delay *= policy.BackoffMultiplier
	}
	if max := float64(policy.MaxBackoffMs); delay > max {
		delay = max
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(delay*jitter) * time.Millisecond
}

func sleepWithContext(ctx context.Context, c clock.Clock, d time.Duration) error {
	done := make(chan struct{})
	go func() {
		c.Sleep(d)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return engineerrors.NewCancelled("retry backoff cancelled")
	}
}

func (e *Executor) buildHandlerContext(runID string, node models.Node, stepResults map[string]any, dispatcher handlers.NodeExecutor, compensate func(models.CompensationEntry), confirmed *models.ApprovalDecision) *handlers.HandlerContext {
	return &handlers.HandlerContext{
		RunID:                  runID,
		Node:                   node,
		Clock:                  e.Clock,
		Log:                    e.Log,
		Resolver:               interpolate.New(stepResults),
		Dispatch:               dispatcher,
		Compensate:             compensate,
		Approvals:              e.Approvals,
		Breakers:               e.Breakers,
		Models:                 e.Models,
		Tools:                  e.Tools,
		URLGuard:               e.URLGuard,
		Confirmed:              confirmed,
		ApprovalDefaultTimeout: e.ApprovalDefaultTimeout,
		WebhookRequestTimeout:  e.WebhookRequestTimeout,
	}
}

func (e *Executor) persistStep(ctx context.Context, runID string, node models.Node, stepNumber int, status models.StepStatus, output any, runErr *models.RunError, durationMs *int64) {
	step := &models.WorkflowStep{
		RunID:      runID,
		NodeID:     node.ID,
		NodeType:   node.Type,
		StepNumber: stepNumber,
		Status:     status,
		Output:     output,
		Error:      runErr,
		StartedAt:  e.Clock.NowUTC(),
	}
	if durationMs != nil {
		step.DurationMs = *durationMs
	}
	now := e.Clock.NowUTC()
	step.CompletedAt = &now
	if err := e.Steps.Create(ctx, step); err != nil && e.Log != nil {
		e.Log.ErrorContext(ctx, "failed to persist workflow step", "runId", runID, "nodeId", node.ID, "error", err)
	}
}

func (e *Executor) saveSnapshot(ctx context.Context, run *models.WorkflowRun, stepResults map[string]any, completed, skipped map[string]bool, compensationPlan []models.CompensationEntry, pendingApprovalID string) {
	run.EngineState = models.EngineState{
		StepResults:       stepResults,
		CompensationPlan:  compensationPlan,
		PendingApprovalID: pendingApprovalID,
		CompletedNodes:    setKeys(completed),
		SkippedNodes:      setKeys(skipped),
	}
	if err := e.Runs.Save(ctx, run); err != nil && e.Log != nil {
		e.Log.ErrorContext(ctx, "failed to save run snapshot", "runId", run.ID, "error", err)
	}
}

// suspendForApproval persists a suspended snapshot for run at node (an
// approval node whose handler returned susp instead of an output) and hands
// off the wait for its decision to a background goroutine, so the calling
// goroutine — StartRun's or a prior awaitApprovalAndContinue's — can return
// the "suspended" outcome immediately.
func (e *Executor) suspendForApproval(ctx context.Context, run *models.WorkflowRun, graph *compiler.Graph, node models.Node, susp *handlers.Suspended, stepResults map[string]any, completed, skipped map[string]bool, compensationPlan []models.CompensationEntry) (*models.WorkflowRun, error) {
	now := e.Clock.NowUTC()
	run.Status = models.RunSuspended
	run.SuspendedAt = &now
	run.EngineState = models.EngineState{
		StepResults:       stepResults,
		CompensationPlan:  compensationPlan,
		PendingApprovalID: susp.ApprovalID,
		SuspendedNodeID:   node.ID,
		CompletedNodes:    setKeys(completed),
		SkippedNodes:      setKeys(skipped),
	}
	if err := e.Runs.Save(ctx, run); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	e.mu.Lock()
	if e.waits == nil {
		e.waits = make(map[string]chan struct{})
	}
	e.waits[run.ID] = done
	e.mu.Unlock()

	go e.awaitApprovalAndContinue(run, graph, node, susp.ApprovalID, susp.Timeout, stepResults, completed, skipped, done)

	return run, nil
}

// awaitApprovalAndContinue blocks (in its own goroutine, detached from the
// StartRun/ResumeRun call that reached the suspension) on the coordinator
// resolving the pending approval — by an explicit decision or by its own
// timeout — and then folds the outcome back into the run, continuing the
// topological walk from the approval node's successors. It closes done when
// it stops, whether because the run reached a terminal state or because it
// hit a further suspension (which arms its own goroutine and its own done
// channel via a nested call to suspendForApproval).
func (e *Executor) awaitApprovalAndContinue(run *models.WorkflowRun, graph *compiler.Graph, node models.Node, approvalID string, timeout time.Duration, stepResults map[string]any, completed, skipped map[string]bool, done chan struct{}) {
	defer close(done)

	bgCtx, cancel := context.WithCancel(context.Background())
	cancelTok := e.registerCancel(run.ID, cancel)
	defer e.unregisterCancel(run.ID, cancelTok)

	decision, err := e.Approvals.Await(bgCtx, approvalID, timeout)
	e.Approvals.Forget(approvalID)

	// Terminal transitions are single-writer: if the run was already
	// resolved out from under this goroutine (a crash-path ResumeRun on a
	// fresh executor sharing the store, or a direct cancel that persisted
	// first), the decision here is stale and must not overwrite it.
	scope := models.OwnerScope{UserID: run.UserID, OrgID: run.OrgID}
	if stored, loadErr := e.Runs.GetByIDForOwner(context.Background(), run.ID, scope); loadErr == nil && stored.Status.IsTerminal() {
		return
	}

	if err != nil {
		switch engineerrors.KindOf(err) {
		case engineerrors.Cancelled:
			e.cancelRunWithCompensation(context.Background(), run, run.EngineState.CompensationPlan)
		default:
			// Approval-timeout is a non-retryable terminal failure.
			e.failRunWithCompensation(context.Background(), run, err, run.EngineState.CompensationPlan)
		}
		return
	}

	now := e.Clock.NowUTC()
	run.ResumedAt = &now
	run.Status = models.RunRunning
	run.EngineState.PendingApprovalID = ""
	run.EngineState.SuspendedNodeID = ""

	nodeErr := e.resumeNodeWithDecision(bgCtx, run, graph, node, decision, stepResults, completed, skipped)
	if err := e.Runs.Save(bgCtx, run); err != nil {
		if e.Log != nil {
			e.Log.ErrorContext(bgCtx, "failed to persist resumed run", "runId", run.ID, "error", err)
		}
		return
	}
	if nodeErr != nil {
		if _, err := e.failRunWithCompensation(bgCtx, run, nodeErr, run.EngineState.CompensationPlan); err != nil && e.Log != nil {
			e.Log.ErrorContext(bgCtx, "failed to persist run failure after approval resumed", "runId", run.ID, "error", err)
		}
		return
	}

	if _, err := e.runLoop(bgCtx, run, graph, stepResults, completed, skipped); err != nil && e.Log != nil {
		e.Log.ErrorContext(bgCtx, "run failed after approval resumed", "runId", run.ID, "error", err)
	}
}

func (e *Executor) failRun(ctx context.Context, run *models.WorkflowRun, err error) (*models.WorkflowRun, error) {
	return e.failRunWithCompensation(ctx, run, err, run.EngineState.CompensationPlan)
}

func (e *Executor) failRunWithCompensation(ctx context.Context, run *models.WorkflowRun, runErr error, plan []models.CompensationEntry) (*models.WorkflowRun, error) {
	e.runCompensation(ctx, plan)

	now := e.Clock.NowUTC()
	run.Status = models.RunFailed
	run.CompletedAt = &now
	run.Error = toRunError(runErr)
	if err := e.Runs.Save(ctx, run); err != nil {
		return nil, err
	}
	e.clearWait(run.ID)
	return run, runErr
}

func (e *Executor) cancelRunWithCompensation(ctx context.Context, run *models.WorkflowRun, plan []models.CompensationEntry) (*models.WorkflowRun, error) {
	// Compensation runs to completion regardless of cancellation: a run
	// that has registered side-effects still gets best-effort rollback.
	e.runCompensation(context.Background(), plan)

	now := e.Clock.NowUTC()
	run.Status = models.RunCancelled
	run.CompletedAt = &now
	run.Error = &models.RunError{Code: string(engineerrors.Cancelled), Message: "run cancelled"}
	if err := e.Runs.Save(context.Background(), run); err != nil {
		return nil, err
	}
	e.clearWait(run.ID)
	return run, engineerrors.NewCancelled("run cancelled")
}

func (e *Executor) runCompensation(ctx context.Context, plan []models.CompensationEntry) compensation.Summary {
	return compensation.Run(ctx, plan, func(ctx context.Context, entry models.CompensationEntry) error {
		_, err := e.Tools.Execute(ctx, toolruntime.Call{Name: entry.CompensateAction, Arguments: entry.CompensateArgs})
		return err
	})
}

func toRunError(err error) *models.RunError {
	if err == nil {
		return nil
	}
	if ee, ok := engineerrors.As(err); ok {
		return &models.RunError{Code: string(ee.Kind), Message: ee.Message, Context: ee.Context}
	}
	return &models.RunError{Code: string(engineerrors.Internal), Message: err.Error()}
}

func setKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func restoreNodeSets(state models.EngineState) (completed, skipped map[string]bool) {
	completed = map[string]bool{}
	skipped = map[string]bool{}
	for _, id := range state.CompletedNodes {
		completed[id] = true
	}
	for _, id := range state.SkippedNodes {
		skipped[id] = true
	}
	return completed, skipped
}

// findSuspendedApprovalNode returns the node a suspended run is waiting at.
// SuspendedNodeID is authoritative when present; the scan over
// NodeApproval-typed, not-yet-resolved nodes is a fallback for snapshots
// persisted before SuspendedNodeID existed.
func findSuspendedApprovalNode(graph *compiler.Graph, state models.EngineState) (string, error) {
	if state.SuspendedNodeID != "" {
		if _, ok := graph.NodesByID[state.SuspendedNodeID]; ok {
			return state.SuspendedNodeID, nil
		}
	}
	completed, skipped := restoreNodeSets(state)
	for id, node := range graph.NodesByID {
		if node.Type != models.NodeApproval {
			continue
		}
		if completed[id] || skipped[id] {
			continue
		}
		return id, nil
	}
	return "", engineerrors.NewInternal("no outstanding approval node found for suspended run", nil)
}
