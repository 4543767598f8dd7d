package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/workflows/common/db"
	"github.com/lyzr/workflows/common/models"
)

// StepRepository handles persistence of per-node run steps, the
// observability trail an operator or the CLI inspects after a run.
type StepRepository struct {
	db *db.DB
}

// NewStepRepository builds a StepRepository over database.
func NewStepRepository(database *db.DB) *StepRepository {
	return &StepRepository{db: database}
}

// Create inserts a new step record.
func (r *StepRepository) Create(ctx context.Context, step *models.WorkflowStep) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	inputJSON, err := json.Marshal(step.Input)
	if err != nil {
		return fmt.Errorf("repository: marshal step input: %w", err)
	}
	outputJSON, err := json.Marshal(step.Output)
	if err != nil {
		return fmt.Errorf("repository: marshal step output: %w", err)
	}
	var errorJSON []byte
	if step.Error != nil {
		errorJSON, err = json.Marshal(step.Error)
		if err != nil {
			return fmt.Errorf("repository: marshal step error: %w", err)
		}
	}

	query := `
		INSERT INTO workflow_step
			(id, run_id, node_id, node_type, step_number, status, input, output, error,
			 duration_ms, tool_execution_id, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		step.ID, step.RunID, step.NodeID, step.NodeType, step.StepNumber, step.Status,
		inputJSON, outputJSON, errorJSON, step.DurationMs, step.ToolExecutionID,
		step.StartedAt, step.CompletedAt,
	).Scan(&step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return fmt.Errorf("repository: create step: %w", err)
	}
	return nil
}

// ListByRun returns every step recorded for runID in execution order.
func (r *StepRepository) ListByRun(ctx context.Context, runID string) ([]*models.WorkflowStep, error) {
	query := `
		SELECT id, run_id, node_id, node_type, step_number, status, input, output, error,
		       duration_ms, tool_execution_id, started_at, completed_at, created_at, updated_at
		FROM workflow_step
		WHERE run_id = $1
		ORDER BY step_number ASC
	`
	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("repository: list steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.WorkflowStep
	for rows.Next() {
		step := &models.WorkflowStep{}
		var inputJSON, outputJSON, errorJSON []byte
		if err := rows.Scan(
			&step.ID, &step.RunID, &step.NodeID, &step.NodeType, &step.StepNumber, &step.Status,
			&inputJSON, &outputJSON, &errorJSON, &step.DurationMs, &step.ToolExecutionID,
			&step.StartedAt, &step.CompletedAt, &step.CreatedAt, &step.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("repository: scan step: %w", err)
		}
		if len(inputJSON) > 0 {
			if err := json.Unmarshal(inputJSON, &step.Input); err != nil {
				return nil, fmt.Errorf("repository: unmarshal step input: %w", err)
			}
		}
		if len(outputJSON) > 0 {
			if err := json.Unmarshal(outputJSON, &step.Output); err != nil {
				return nil, fmt.Errorf("repository: unmarshal step output: %w", err)
			}
		}
		if len(errorJSON) > 0 {
			if err := json.Unmarshal(errorJSON, &step.Error); err != nil {
				return nil, fmt.Errorf("repository: unmarshal step error: %w", err)
			}
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: iterate steps: %w", err)
	}
	return steps, nil
}
