// Package compensation implements the saga-style rollback stack used to
// undo a partially completed run's successful tool invocations when a
// later step fails. Rollback is best-effort: every entry is attempted in
// reverse recording order and individual failures are reported in the
// summary, never allowed to abort the remaining entries.
package compensation

import (
	"context"

	"github.com/lyzr/workflows/common/models"
)

// Executor performs one compensating action. Implementations call the
// tool runtime; errors are recorded but never abort the rollback.
type Executor func(ctx context.Context, entry models.CompensationEntry) error

// Result is the outcome of compensating a single entry.
type Result struct {
	Entry models.CompensationEntry
	Err   error
}

// Summary reports the aggregate outcome of a rollback run.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Results   []Result
}

// RollbackOrder returns entries in LIFO (reverse recording) order without
// mutating the input slice.
func RollbackOrder(entries []models.CompensationEntry) []models.CompensationEntry {
	out := make([]models.CompensationEntry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
}

// Run compensates entries in LIFO order, invoking exec for each. A failed
// compensation does not stop the rollback: every entry is attempted and
// the result recorded. The input slice is never mutated.
func Run(ctx context.Context, entries []models.CompensationEntry, exec Executor) Summary {
	ordered := RollbackOrder(entries)
	summary := Summary{Total: len(ordered), Results: make([]Result, 0, len(ordered))}
	for _, entry := range ordered {
		err := exec(ctx, entry)
		summary.Results = append(summary.Results, Result{Entry: entry, Err: err})
		if err != nil {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}
	return summary
}
