package approval

import (
	"context"
	"testing"
	"time"

	"github.com/lyzr/workflows/common/clock"
	"github.com/lyzr/workflows/common/engineerrors"
	"github.com/lyzr/workflows/common/models"
)

func TestRequest_IsIdempotentPerRunNodeToolCall(t *testing.T) {
	c := New(clock.NewFake(time.Unix(0, 0)))
	a1 := c.Request(models.PendingApproval{RunID: "r1", NodeID: "n1"})
	a2 := c.Request(models.PendingApproval{RunID: "r1", NodeID: "n1"})
	if a1.ID != a2.ID {
		t.Fatalf("expected second Request to return the same approval, got %s vs %s", a1.ID, a2.ID)
	}
}

func TestDecide_DeliversToAwait(t *testing.T) {
	c := New(clock.NewFake(time.Unix(0, 0)))
	a := c.Request(models.PendingApproval{RunID: "r1", NodeID: "n1"})

	resultCh := make(chan models.ApprovalDecision, 1)
	go func() {
		d, err := c.Await(context.Background(), a.ID, time.Minute)
		if err != nil {
			t.Errorf("await: %v", err)
		}
		resultCh <- d
	}()

	// Give the goroutine a moment to start waiting.
	time.Sleep(10 * time.Millisecond)
	if err := c.Decide(a.ID, models.ApprovalDecision{Approved: true, ApprovedBy: "alice"}); err != nil {
		t.Fatalf("decide: %v", err)
	}

	select {
	case d := <-resultCh:
		if !d.Approved || d.ApprovedBy != "alice" {
			t.Fatalf("unexpected decision: %#v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decision delivery")
	}
}

func TestAwait_TimesOut(t *testing.T) {
	c := New(clock.NewFake(time.Unix(0, 0)))
	a := c.Request(models.PendingApproval{RunID: "r1", NodeID: "n1"})

	_, err := c.Await(context.Background(), a.ID, 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	e, ok := engineerrors.As(err)
	if !ok || e.Kind != engineerrors.ApprovalTimeout {
		t.Fatalf("expected ApprovalTimeout kind, got %v", err)
	}
}

func TestDecide_SecondCallIsNoOp(t *testing.T) {
	c := New(clock.NewFake(time.Unix(0, 0)))
	a := c.Request(models.PendingApproval{RunID: "r1", NodeID: "n1"})
	if err := c.Decide(a.ID, models.ApprovalDecision{Approved: true}); err != nil {
		t.Fatalf("first decide: %v", err)
	}
	if err := c.Decide(a.ID, models.ApprovalDecision{Approved: false}); err != nil {
		t.Fatalf("second decide should be a no-op success: %v", err)
	}
}

func TestRecordConsume_ConsumesExactlyOnce(t *testing.T) {
	c := New(clock.NewFake(time.Unix(0, 0)))
	c.Record("call-1", "delete-vm")

	if c.Consume("call-1", "other-tool") {
		t.Fatal("a recorded approval must not authorize a different tool")
	}
	if !c.Consume("call-1", "delete-vm") {
		t.Fatal("expected recorded approval to be consumed")
	}
	if c.Consume("call-1", "delete-vm") {
		t.Fatal("a recorded approval authorizes exactly one call")
	}
}

func TestConsume_NothingRecorded(t *testing.T) {
	c := New(clock.NewFake(time.Unix(0, 0)))
	if c.Consume("call-1", "delete-vm") {
		t.Fatal("expected false when no approval was recorded")
	}
}

func TestDecide_UnknownApproval(t *testing.T) {
	c := New(clock.NewFake(time.Unix(0, 0)))
	if err := c.Decide("missing", models.ApprovalDecision{Approved: true}); err == nil {
		t.Fatal("expected not-found error for unknown approval id")
	}
}
