package handlers

import (
	"context"
	"sync"
	"testing"
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

func newTestContext(t *testing.T, stepResults map[string]any) *HandlerContext {
	t.Helper()
	log := logger.New("error", "json")
	return &HandlerContext{
		RunID:                  "run-1",
		Clock:                  clock.NewFake(time.Unix(0, 0)),
		Log:                    log,
		Resolver:               interpolate.New(stepResults),
		Approvals:              approval.New(clock.NewFake(time.Unix(0, 0))),
		Breakers:               breaker.NewRegistry(log),
		Models:                 &modelprovider.Fake{},
		Tools:                  toolruntime.NewFake(),
		URLGuard:               security.NewURLValidator(false),
		ApprovalDefaultTimeout: 50 * time.Millisecond,
		WebhookRequestTimeout:  time.Second,
	}
}

func TestInputHandler_ReturnsRunInput(t *testing.T) {
	hc := newTestContext(t, map[string]any{"input": map[string]any{"a": 1}})
	hc.Node = models.Node{ID: "in", Type: models.NodeInput}

	out, err := InputHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok || m["a"] != 1 {
		t.Fatalf("unexpected output: %#v", out)
	}
}

func TestOutputHandler_ResolvesBindings(t *testing.T) {
	hc := newTestContext(t, map[string]any{"steps": map[string]any{"a": map[string]any{"x": 5}}})
	hc.Node = models.Node{ID: "out", Type: models.NodeOutput, Data: map[string]any{
		"result": "{{steps.a.x}}",
	}}

	out, err := OutputHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if m["result"] != "5" {
		t.Fatalf("expected resolved binding \"5\", got %#v", m["result"])
	}
}

func TestToolHandler_SuccessAppendsCompensation(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	fake := hc.Tools.(*toolruntime.Fake)
	fake.Results["send_email"] = toolruntime.Result{Output: map[string]any{"sent": true}}

	var recorded []models.CompensationEntry
	hc.Compensate = func(e models.CompensationEntry) { recorded = append(recorded, e) }
	hc.Node = models.Node{ID: "t1", Type: models.NodeTool, Data: map[string]any{
		"toolName":         "send_email",
		"args":             map[string]any{"to": "a@b.com"},
		"compensateAction": "unsend",
	}}

	out, err := ToolHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]any)["sent"] != true {
		t.Fatalf("unexpected output: %#v", out)
	}
	if len(recorded) != 1 || recorded[0].CompensateAction != "unsend" {
		t.Fatalf("expected one compensation entry, got %#v", recorded)
	}
}

func TestToolHandler_FailureIsToolFailureKind(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	hc.Node = models.Node{ID: "t1", Type: models.NodeTool, Data: map[string]any{"toolName": "missing"}}
	fake := hc.Tools.(*toolruntime.Fake)
	fake.Errs["missing"] = errStub{}

	_, err := ToolHandler{}.Handle(context.Background(), hc)
	if engineerrors.KindOf(err) != engineerrors.ToolFailure {
		t.Fatalf("expected ToolFailure, got %v", err)
	}
}

type errStub struct{}

func (errStub) Error() string { return "boom" }

func TestToolHandler_ConsumesPreRecordedApproval(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	fake := hc.Tools.(*toolruntime.Fake)
	fake.Results["delete-vm"] = toolruntime.Result{Output: map[string]any{"deleted": true}}
	hc.Node = models.Node{ID: "t1", Type: models.NodeTool, Data: map[string]any{
		"toolName":             "delete-vm",
		"requiresConfirmation": true,
	}}

	// A decision recorded ahead of the call authorizes it without the run
	// ever suspending.
	hc.Approvals.Record(hc.RunID+":t1", "delete-vm")

	out, err := ToolHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("expected pre-recorded approval to let the call through, got %v", err)
	}
	if out.(map[string]any)["deleted"] != true {
		t.Fatalf("unexpected output: %#v", out)
	}

	// The recorded approval is single-use: a second invocation suspends.
	hc.Confirmed = nil
	_, err = ToolHandler{}.Handle(context.Background(), hc)
	if _, ok := err.(*Suspended); !ok {
		t.Fatalf("expected second call to suspend for confirmation, got %v", err)
	}
}

func TestConditionHandler_ExpressionTrueFalse(t *testing.T) {
	hc := newTestContext(t, map[string]any{"steps": map[string]any{"a": map[string]any{"n": 5}}})
	hc.Node = models.Node{ID: "c1", Type: models.NodeCondition, Data: map[string]any{
		"expression": "{{steps.a.n}} > 3",
	}}

	out, err := ConditionHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]any)["branch"] != models.LabelTrue {
		t.Fatalf("expected true branch, got %#v", out)
	}
}

func TestConditionHandler_MalformedExpressionIsFatal(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	hc.Node = models.Node{ID: "c1", Type: models.NodeCondition, Data: map[string]any{
		"expression": "{{x}} ===",
	}}

	_, err := ConditionHandler{}.Handle(context.Background(), hc)
	if err == nil {
		t.Fatal("expected malformed predicate to be a fatal error")
	}
}

func TestConditionHandler_CasesFallsThroughToDefault(t *testing.T) {
	hc := newTestContext(t, map[string]any{"steps": map[string]any{"a": map[string]any{"n": 1}}})
	hc.Node = models.Node{ID: "c1", Type: models.NodeCondition, Data: map[string]any{
		"cases": []any{
			map[string]any{"expression": "{{steps.a.n}} > 100", "label": "big"},
		},
	}}

	out, err := ConditionHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]any)["branch"] != models.LabelDefault {
		t.Fatalf("expected default branch, got %#v", out)
	}
}

func TestDelayHandler_ZeroMsReturnsImmediately(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	hc.Node = models.Node{ID: "d1", Type: models.NodeDelay, Data: map[string]any{"ms": 0}}

	out, err := DelayHandler{}.Handle(context.Background(), hc)
	if err != nil || out != nil {
		t.Fatalf("expected no-op, got %#v %v", out, err)
	}
}

func TestDelayHandler_CancellationSurfacesCancelledError(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	hc.Node = models.Node{ID: "d1", Type: models.NodeDelay, Data: map[string]any{"ms": 10000}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DelayHandler{}.Handle(ctx, hc)
	if engineerrors.KindOf(err) != engineerrors.Cancelled {
		t.Fatalf("expected Cancelled kind, got %v", err)
	}
}

func TestAIStepHandler_PlainTextMode(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	hc.Models = &modelprovider.Fake{Responses: []modelprovider.GenerateResult{{Text: "hello there"}}}
	hc.Node = models.Node{ID: "ai1", Type: models.NodeAIStep, Data: map[string]any{
		"prompt": "say hi",
	}}

	out, err := AIStepHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]any)["text"] != "hello there" {
		t.Fatalf("unexpected output: %#v", out)
	}
}

func TestAIStepHandler_JSONModeValidatesFields(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	hc.Models = &modelprovider.Fake{Responses: []modelprovider.GenerateResult{{Text: `{"sentiment":"positive"}`}}}
	hc.Node = models.Node{ID: "ai1", Type: models.NodeAIStep, Data: map[string]any{
		"prompt": "classify",
		"outputSchema": map[string]any{
			"properties": map[string]any{
				"sentiment": map[string]any{"type": "string"},
			},
		},
	}}

	out, err := AIStepHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]any)["sentiment"] != "positive" {
		t.Fatalf("unexpected output: %#v", out)
	}
}

func TestAIStepHandler_JSONModeRejectsMissingField(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	hc.Models = &modelprovider.Fake{Responses: []modelprovider.GenerateResult{{Text: `{}`}}}
	hc.Node = models.Node{ID: "ai1", Type: models.NodeAIStep, Data: map[string]any{
		"prompt": "classify",
		"outputSchema": map[string]any{
			"properties": map[string]any{
				"sentiment": map[string]any{"type": "string"},
			},
		},
	}}

	_, err := AIStepHandler{}.Handle(context.Background(), hc)
	if engineerrors.KindOf(err) != engineerrors.ModelFailure {
		t.Fatalf("expected ModelFailure for schema mismatch, got %v", err)
	}
}

func TestAIStepHandler_ThreadsModelConfigAndReturnsUsage(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	fake := &modelprovider.Fake{Responses: []modelprovider.GenerateResult{{
		Text:  "hi",
		Usage: modelprovider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}}
	hc.Models = fake
	hc.Node = models.Node{ID: "ai1", Type: models.NodeAIStep, Data: map[string]any{
		"prompt":      "say hi",
		"model":       "claude-opus-4",
		"temperature": 0.2,
		"maxTokens":   512,
	}}

	out, err := AIStepHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.Calls) != 1 {
		t.Fatalf("expected exactly one Generate call, got %d", len(fake.Calls))
	}
	req := fake.Calls[0]
	if req.Model != "claude-opus-4" || req.Temperature != 0.2 || req.MaxTokens != 512 {
		t.Fatalf("model config not threaded into request: %#v", req)
	}
	usage, ok := out.(map[string]any)["usage"].(map[string]any)
	if !ok {
		t.Fatalf("expected usage map in output, got %#v", out)
	}
	if usage["totalTokens"] != 15 {
		t.Fatalf("unexpected usage: %#v", usage)
	}
}

func TestWebhookHandler_BlocksSSRFTarget(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	hc.Node = models.Node{ID: "w1", Type: models.NodeWebhook, Data: map[string]any{
		"url":    "http://127.0.0.1:9999/internal",
		"method": "GET",
	}}

	_, err := WebhookHandler{}.Handle(context.Background(), hc)
	if engineerrors.KindOf(err) != engineerrors.Validation {
		t.Fatalf("expected Validation (ssrf rejection), got %v", err)
	}
}

type fakeDispatcher struct {
	mu      sync.Mutex
	outputs map[string]any
	errs    map[string]error
	calls   []string
}

func (d *fakeDispatcher) ExecuteNode(_ context.Context, nodeID string, _ map[string]any) (any, error) {
	d.mu.Lock()
	d.calls = append(d.calls, nodeID)
	d.mu.Unlock()
	if err, ok := d.errs[nodeID]; ok {
		return nil, err
	}
	return d.outputs[nodeID], nil
}

func TestParallelHandler_GathersByNodeID(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	dispatch := &fakeDispatcher{outputs: map[string]any{"a": 1, "b": 2}}
	hc.Dispatch = dispatch
	hc.Node = models.Node{ID: "p1", Type: models.NodeParallel, Data: map[string]any{
		"body": []any{"a", "b"},
	}}

	out, err := ParallelHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if m["a"] != 1 || m["b"] != 2 {
		t.Fatalf("unexpected gather: %#v", m)
	}
}

func TestParallelHandler_FailFastPropagatesError(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	dispatch := &fakeDispatcher{errs: map[string]error{"a": errStub{}}}
	hc.Dispatch = dispatch
	hc.Node = models.Node{ID: "p1", Type: models.NodeParallel, Data: map[string]any{
		"body":     []any{"a", "b"},
		"failFast": true,
	}}

	_, err := ParallelHandler{}.Handle(context.Background(), hc)
	if err == nil {
		t.Fatal("expected propagated error")
	}
}

func TestLoopHandler_SequentialBindsIterationAndIndex(t *testing.T) {
	hc := newTestContext(t, map[string]any{"items": []any{"x", "y", "z"}})
	dispatch := &fakeDispatcher{outputs: map[string]any{"body1": "ok"}}
	hc.Dispatch = dispatch
	hc.Node = models.Node{ID: "l1", Type: models.NodeLoop, Data: map[string]any{
		"iteratorExpression": "{{items}}",
		"iterationVariable":  "item",
		"indexVariable":      "idx",
		"body":               []any{"body1"},
	}}

	out, err := LoopHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if m["totalIterations"] != 3 {
		t.Fatalf("expected 3 iterations, got %#v", m["totalIterations"])
	}
	if len(dispatch.calls) != 3 {
		t.Fatalf("expected body dispatched 3 times, got %d", len(dispatch.calls))
	}
}

func TestLoopHandler_MaxIterationsCapsExecution(t *testing.T) {
	hc := newTestContext(t, map[string]any{"items": []any{1, 2, 3, 4, 5}})
	dispatch := &fakeDispatcher{outputs: map[string]any{"body1": "ok"}}
	hc.Dispatch = dispatch
	hc.Node = models.Node{ID: "l1", Type: models.NodeLoop, Data: map[string]any{
		"iteratorExpression": "{{items}}",
		"body":               []any{"body1"},
		"maxIterations":      2,
	}}

	out, err := LoopHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(map[string]any)["totalIterations"] != 2 {
		t.Fatalf("expected iterations capped at 2, got %#v", out)
	}
}

func TestLoopHandler_BreakConditionStopsEarly(t *testing.T) {
	hc := newTestContext(t, map[string]any{"items": []any{1, 3, 6, 8, 10}})
	dispatch := &fakeDispatcher{outputs: map[string]any{"body1": "ok"}}
	hc.Dispatch = dispatch
	hc.Node = models.Node{ID: "l1", Type: models.NodeLoop, Data: map[string]any{
		"iteratorExpression": "{{items}}",
		"iterationVariable":  "n",
		"breakCondition":     "{{n}} > 5",
		"body":               []any{"body1"},
	}}

	out, err := LoopHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if m["totalIterations"] != 2 {
		t.Fatalf("expected items 1 and 3 executed before the break, got %#v", m["totalIterations"])
	}
	if m["breakTriggered"] != true {
		t.Fatalf("expected breakTriggered, got %#v", m["breakTriggered"])
	}
	if len(dispatch.calls) != 2 {
		t.Fatalf("expected body dispatched twice, got %d", len(dispatch.calls))
	}
}

func TestLoopHandler_BreakBeforeFirstIterationRunsNothing(t *testing.T) {
	hc := newTestContext(t, map[string]any{"items": []any{9, 1, 2}})
	dispatch := &fakeDispatcher{outputs: map[string]any{"body1": "ok"}}
	hc.Dispatch = dispatch
	hc.Node = models.Node{ID: "l1", Type: models.NodeLoop, Data: map[string]any{
		"iteratorExpression": "{{items}}",
		"iterationVariable":  "n",
		"breakCondition":     "{{n}} > 5",
		"body":               []any{"body1"},
	}}

	out, err := LoopHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if m["totalIterations"] != 0 {
		t.Fatalf("expected zero iterations, got %#v", m["totalIterations"])
	}
	if m["breakTriggered"] != true {
		t.Fatalf("expected breakTriggered before the first iteration, got %#v", m["breakTriggered"])
	}
	if len(dispatch.calls) != 0 {
		t.Fatalf("expected no body dispatch, got %d", len(dispatch.calls))
	}
}

func TestLoopHandler_ParallelModeHonorsBreakCondition(t *testing.T) {
	hc := newTestContext(t, map[string]any{"items": []any{1, 3, 6, 8, 10}})
	dispatch := &fakeDispatcher{outputs: map[string]any{"body1": "ok"}}
	hc.Dispatch = dispatch
	hc.Node = models.Node{ID: "l1", Type: models.NodeLoop, Data: map[string]any{
		"iteratorExpression": "{{items}}",
		"iterationVariable":  "n",
		"breakCondition":     "{{n}} > 5",
		"executionMode":      "parallel",
		"body":               []any{"body1"},
	}}

	out, err := LoopHandler{}.Handle(context.Background(), hc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if m["totalIterations"] != 2 {
		t.Fatalf("expected the batch truncated at the first break match, got %#v", m["totalIterations"])
	}
	if m["breakTriggered"] != true {
		t.Fatalf("expected breakTriggered in parallel mode, got %#v", m["breakTriggered"])
	}
	if len(dispatch.calls) != 2 {
		t.Fatalf("expected only the surviving prefix dispatched, got %d", len(dispatch.calls))
	}
}

func TestLoopHandler_NonArrayIteratorIsValidationError(t *testing.T) {
	hc := newTestContext(t, map[string]any{"items": "not-an-array"})
	hc.Dispatch = &fakeDispatcher{}
	hc.Node = models.Node{ID: "l1", Type: models.NodeLoop, Data: map[string]any{
		"iteratorExpression": "{{items}}",
		"body":               []any{},
	}}

	_, err := LoopHandler{}.Handle(context.Background(), hc)
	if engineerrors.KindOf(err) != engineerrors.Validation {
		t.Fatalf("expected Validation kind, got %v", err)
	}
}

func TestApprovalHandler_NeverBlocksAndReturnsSuspended(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	hc.ApprovalDefaultTimeout = time.Hour
	hc.Node = models.Node{ID: "a1", Type: models.NodeApproval, Data: map[string]any{
		"message":        "needs a human",
		"timeoutMinutes": float64(5),
	}}

	out, err := ApprovalHandler{}.Handle(context.Background(), hc)
	if out != nil {
		t.Fatalf("expected nil output, got %#v", out)
	}
	susp, ok := err.(*Suspended)
	if !ok {
		t.Fatalf("expected *Suspended, got %T (%v)", err, err)
	}
	if susp.ApprovalID == "" {
		t.Fatal("expected a non-empty approval id")
	}
	if susp.Timeout != 5*time.Minute {
		t.Fatalf("expected node-level timeoutMinutes to override the default, got %v", susp.Timeout)
	}

	if _, ok := hc.Approvals.Get(susp.ApprovalID); !ok {
		t.Fatal("expected the approval to be registered with the coordinator")
	}
}

func TestApprovalHandler_RequestIsIdempotentAcrossRetries(t *testing.T) {
	hc := newTestContext(t, map[string]any{})
	hc.Node = models.Node{ID: "a1", Type: models.NodeApproval, Data: map[string]any{
		"message": "needs a human",
	}}

	_, err1 := ApprovalHandler{}.Handle(context.Background(), hc)
	_, err2 := ApprovalHandler{}.Handle(context.Background(), hc)

	susp1 := err1.(*Suspended)
	susp2 := err2.(*Suspended)
	if susp1.ApprovalID != susp2.ApprovalID {
		t.Fatalf("expected the same pending approval to be reused, got %s vs %s", susp1.ApprovalID, susp2.ApprovalID)
	}
}
