package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lyzr/workflows/common/db"
	"github.com/lyzr/workflows/common/engineerrors"
	"github.com/lyzr/workflows/common/models"
)

// RunRepository handles persistence of workflow runs.
type RunRepository struct {
	db *db.DB
}

// NewRunRepository builds a RunRepository over database.
func NewRunRepository(database *db.DB) *RunRepository {
	return &RunRepository{db: database}
}

// Create inserts a new run, assigning it a fresh id if unset.
func (r *RunRepository) Create(ctx context.Context, run *models.WorkflowRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	inputJSON, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("repository: marshal run input: %w", err)
	}
	engineStateJSON, err := json.Marshal(run.EngineState)
	if err != nil {
		return fmt.Errorf("repository: marshal engine state: %w", err)
	}

	query := `
		INSERT INTO workflow_run
			(id, definition_id, workflow_version, user_id, org_id, status, input, engine_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		run.ID, run.DefinitionID, run.WorkflowVersion, run.UserID, run.OrgID,
		run.Status, inputJSON, engineStateJSON,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("repository: create run: %w", err)
	}
	return nil
}

// GetByIDForOwner returns the run, scoped to scope's user/org; a
// wrong-owner row is reported identically to a missing row.
func (r *RunRepository) GetByIDForOwner(ctx context.Context, id string, scope models.OwnerScope) (*models.WorkflowRun, error) {
	query := `
		SELECT id, definition_id, workflow_version, user_id, org_id, status,
		       input, output, error, engine_state,
		       started_at, completed_at, suspended_at, resumed_at, created_at, updated_at
		FROM workflow_run
		WHERE id = $1
		  AND ($2::text IS NULL OR user_id = $2)
		  AND ($3::text IS NULL OR org_id = $3)
	`
	run := &models.WorkflowRun{}
	var inputJSON, outputJSON, errorJSON, engineStateJSON []byte
	err := r.db.QueryRow(ctx, query, id, scope.UserID, scope.OrgID).Scan(
		&run.ID, &run.DefinitionID, &run.WorkflowVersion, &run.UserID, &run.OrgID, &run.Status,
		&inputJSON, &outputJSON, &errorJSON, &engineStateJSON,
		&run.StartedAt, &run.CompletedAt, &run.SuspendedAt, &run.ResumedAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, engineerrors.NewNotFound("workflow run not found").WithContext(map[string]any{"id": id})
	}
	if err := unmarshalRunBody(run, inputJSON, outputJSON, errorJSON, engineStateJSON); err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateStatus transitions a run's status, stamping the lifecycle timestamp
// columns the new status implies (startedAt on running, completedAt on a
// terminal status, suspendedAt on suspended).
func (r *RunRepository) UpdateStatus(ctx context.Context, id string, status models.RunStatus) error {
	query := `
		UPDATE workflow_run
		SET status = $2,
		    started_at = CASE WHEN $3 THEN now() ELSE started_at END,
		    completed_at = CASE WHEN $4 THEN now() ELSE completed_at END,
		    suspended_at = CASE WHEN $5 THEN now() ELSE suspended_at END,
		    updated_at = now()
		WHERE id = $1
	`
	if _, err := r.db.Exec(ctx, query, id, status,
		status == models.RunRunning, status.IsTerminal(), status == models.RunSuspended); err != nil {
		return fmt.Errorf("repository: update run status: %w", err)
	}
	return nil
}

// Save persists the full mutable state of run (status, output, error,
// engine state and timestamps) — the engine's single write path after
// every step transition, so a crash mid-run resumes from the last saved
// EngineState.
func (r *RunRepository) Save(ctx context.Context, run *models.WorkflowRun) error {
	outputJSON, err := json.Marshal(run.Output)
	if err != nil {
		return fmt.Errorf("repository: marshal run output: %w", err)
	}
	var errorJSON []byte
	if run.Error != nil {
		errorJSON, err = json.Marshal(run.Error)
		if err != nil {
			return fmt.Errorf("repository: marshal run error: %w", err)
		}
	}
	engineStateJSON, err := json.Marshal(run.EngineState)
	if err != nil {
		return fmt.Errorf("repository: marshal engine state: %w", err)
	}

	query := `
		UPDATE workflow_run
		SET status = $2, output = $3, error = $4, engine_state = $5,
		    started_at = $6, completed_at = $7, suspended_at = $8, resumed_at = $9,
		    updated_at = now()
		WHERE id = $1
	`
	_, err = r.db.Exec(ctx, query,
		run.ID, run.Status, outputJSON, errorJSON, engineStateJSON,
		run.StartedAt, run.CompletedAt, run.SuspendedAt, run.ResumedAt,
	)
	if err != nil {
		return fmt.Errorf("repository: save run: %w", err)
	}
	return nil
}

// ListByWorkflow lists runs of one definition visible to scope, newest
// first.
func (r *RunRepository) ListByWorkflow(ctx context.Context, definitionID string, scope models.OwnerScope, limit int) ([]*models.WorkflowRun, error) {
	query := `
		SELECT id, definition_id, workflow_version, user_id, org_id, status,
		       input, output, error, engine_state,
		       started_at, completed_at, suspended_at, resumed_at, created_at, updated_at
		FROM workflow_run
		WHERE definition_id = $2
		  AND ($3::text IS NULL OR user_id = $3)
		  AND ($4::text IS NULL OR org_id = $4)
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit, definitionID, scope.UserID, scope.OrgID)
	if err != nil {
		return nil, fmt.Errorf("repository: list runs by workflow: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListForOwner lists runs visible to scope, newest first.
func (r *RunRepository) ListForOwner(ctx context.Context, scope models.OwnerScope, limit int) ([]*models.WorkflowRun, error) {
	query := `
		SELECT id, definition_id, workflow_version, user_id, org_id, status,
		       input, output, error, engine_state,
		       started_at, completed_at, suspended_at, resumed_at, created_at, updated_at
		FROM workflow_run
		WHERE ($2::text IS NULL OR user_id = $2)
		  AND ($3::text IS NULL OR org_id = $3)
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit, scope.UserID, scope.OrgID)
	if err != nil {
		return nil, fmt.Errorf("repository: list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows pgx.Rows) ([]*models.WorkflowRun, error) {
	var runs []*models.WorkflowRun
	for rows.Next() {
		run := &models.WorkflowRun{}
		var inputJSON, outputJSON, errorJSON, engineStateJSON []byte
		if err := rows.Scan(
			&run.ID, &run.DefinitionID, &run.WorkflowVersion, &run.UserID, &run.OrgID, &run.Status,
			&inputJSON, &outputJSON, &errorJSON, &engineStateJSON,
			&run.StartedAt, &run.CompletedAt, &run.SuspendedAt, &run.ResumedAt, &run.CreatedAt, &run.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("repository: scan run: %w", err)
		}
		if err := unmarshalRunBody(run, inputJSON, outputJSON, errorJSON, engineStateJSON); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: iterate runs: %w", err)
	}
	return runs, nil
}

func unmarshalRunBody(run *models.WorkflowRun, inputJSON, outputJSON, errorJSON, engineStateJSON []byte) error {
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &run.Input); err != nil {
			return fmt.Errorf("repository: unmarshal run input: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &run.Output); err != nil {
			return fmt.Errorf("repository: unmarshal run output: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		if err := json.Unmarshal(errorJSON, &run.Error); err != nil {
			return fmt.Errorf("repository: unmarshal run error: %w", err)
		}
	}
	if len(engineStateJSON) > 0 {
		if err := json.Unmarshal(engineStateJSON, &run.EngineState); err != nil {
			return fmt.Errorf("repository: unmarshal engine state: %w", err)
		}
	}
	return nil
}
