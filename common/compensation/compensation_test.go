package compensation

import (
	"context"
	"errors"
	"testing"

	"github.com/lyzr/workflows/common/models"
)

func entries(ids ...string) []models.CompensationEntry {
	out := make([]models.CompensationEntry, len(ids))
	for i, id := range ids {
		out[i] = models.CompensationEntry{NodeID: id, ToolName: "t", CompensateAction: "undo"}
	}
	return out
}

func TestRollbackOrder_LIFO(t *testing.T) {
	in := entries("e1", "e2", "e3")
	out := RollbackOrder(in)
	want := []string{"e3", "e2", "e1"}
	for i, e := range out {
		if e.NodeID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, e.NodeID, want[i])
		}
	}
	// Input slice must be unchanged.
	if in[0].NodeID != "e1" || in[1].NodeID != "e2" || in[2].NodeID != "e3" {
		t.Fatalf("RollbackOrder mutated its input: %#v", in)
	}
}

func TestRun_InvokesInLIFOOrder(t *testing.T) {
	in := entries("e1", "e2", "e3")
	var observed []string
	summary := Run(context.Background(), in, func(_ context.Context, e models.CompensationEntry) error {
		observed = append(observed, e.NodeID)
		return nil
	})
	want := []string{"e3", "e2", "e1"}
	for i, id := range observed {
		if id != want[i] {
			t.Fatalf("call %d: got %s, want %s", i, id, want[i])
		}
	}
	if summary.Total != 3 || summary.Succeeded != 3 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %#v", summary)
	}
	if len(summary.Results) != summary.Total {
		t.Fatalf("len(Results)=%d, want %d", len(summary.Results), summary.Total)
	}
}

func TestRun_ContinuesPastFailures(t *testing.T) {
	in := entries("e1", "e2", "e3")
	calls := 0
	summary := Run(context.Background(), in, func(_ context.Context, e models.CompensationEntry) error {
		calls++
		if e.NodeID == "e2" {
			return errors.New("boom")
		}
		return nil
	})
	if calls != 3 {
		t.Fatalf("expected all 3 entries attempted despite failure, got %d calls", calls)
	}
	if summary.Total != summary.Succeeded+summary.Failed {
		t.Fatalf("total %d != succeeded %d + failed %d", summary.Total, summary.Succeeded, summary.Failed)
	}
	if summary.Failed != 1 || summary.Succeeded != 2 {
		t.Fatalf("unexpected split: %#v", summary)
	}
}

func TestRun_EmptyEntries(t *testing.T) {
	summary := Run(context.Background(), nil, func(_ context.Context, _ models.CompensationEntry) error {
		t.Fatal("exec should not be called for empty entries")
		return nil
	})
	if summary.Total != 0 || len(summary.Results) != 0 {
		t.Fatalf("expected empty summary, got %#v", summary)
	}
}
