// Package repository persists workflow definitions, runs and steps via
// pgx, scoping every lookup to the caller's tenant at the SQL predicate
// level so a wrong-owner read is indistinguishable from a not-found read.
package repository

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/lyzr/workflows/common/db"
	"github.com/lyzr/workflows/common/engineerrors"
	"github.com/lyzr/workflows/common/models"
)

// DefinitionRepository handles persistence of workflow definitions.
type DefinitionRepository struct {
	db *db.DB
}

// NewDefinitionRepository builds a DefinitionRepository over database.
func NewDefinitionRepository(database *db.DB) *DefinitionRepository {
	return &DefinitionRepository{db: database}
}

// Create inserts a new definition, assigning it a fresh id.
func (r *DefinitionRepository) Create(ctx context.Context, def *models.WorkflowDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	nodesJSON, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("repository: marshal nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(def.Edges)
	if err != nil {
		return fmt.Errorf("repository: marshal edges: %w", err)
	}
	schemaJSON, err := json.Marshal(def.InputSchema)
	if err != nil {
		return fmt.Errorf("repository: marshal input schema: %w", err)
	}

	query := `
		INSERT INTO workflow_definition
			(id, user_id, org_id, name, description, status, version, tags, nodes, edges, input_schema)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		def.ID, def.UserID, def.OrgID, def.Name, def.Description, def.Status,
		def.Version, def.Tags, nodesJSON, edgesJSON, schemaJSON,
	).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("repository: create definition: %w", err)
	}
	return nil
}

// GetByIDForOwner returns the definition with id, scoped to scope's
// user/org. A wrong-owner row and a missing row both yield ErrNotFound —
// the ownership predicate is applied in SQL, never as a post-filter, so
// the caller cannot distinguish "doesn't exist" from "not yours".
func (r *DefinitionRepository) GetByIDForOwner(ctx context.Context, id string, scope models.OwnerScope) (*models.WorkflowDefinition, error) {
	query := `
		SELECT id, user_id, org_id, name, description, status, version, tags,
		       nodes, edges, input_schema, created_at, updated_at
		FROM workflow_definition
		WHERE id = $1
		  AND ($2::text IS NULL OR user_id = $2)
		  AND ($3::text IS NULL OR org_id = $3)
	`
	def := &models.WorkflowDefinition{}
	var nodesJSON, edgesJSON, schemaJSON []byte
	err := r.db.QueryRow(ctx, query, id, scope.UserID, scope.OrgID).Scan(
		&def.ID, &def.UserID, &def.OrgID, &def.Name, &def.Description, &def.Status,
		&def.Version, &def.Tags, &nodesJSON, &edgesJSON, &schemaJSON,
		&def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, engineerrors.NewNotFound("workflow definition not found").WithContext(map[string]any{"id": id})
	}
	if err := unmarshalDefinitionBody(def, nodesJSON, edgesJSON, schemaJSON); err != nil {
		return nil, err
	}
	return def, nil
}

// ListForOwner lists non-archived definitions visible to scope, newest first.
func (r *DefinitionRepository) ListForOwner(ctx context.Context, scope models.OwnerScope, limit int) ([]*models.WorkflowDefinition, error) {
	query := `
		SELECT id, user_id, org_id, name, description, status, version, tags,
		       nodes, edges, input_schema, created_at, updated_at
		FROM workflow_definition
		WHERE status != $4
		  AND ($2::text IS NULL OR user_id = $2)
		  AND ($3::text IS NULL OR org_id = $3)
		ORDER BY updated_at DESC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit, scope.UserID, scope.OrgID, models.DefinitionArchived)
	if err != nil {
		return nil, fmt.Errorf("repository: list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*models.WorkflowDefinition
	for rows.Next() {
		def := &models.WorkflowDefinition{}
		var nodesJSON, edgesJSON, schemaJSON []byte
		if err := rows.Scan(
			&def.ID, &def.UserID, &def.OrgID, &def.Name, &def.Description, &def.Status,
			&def.Version, &def.Tags, &nodesJSON, &edgesJSON, &schemaJSON,
			&def.CreatedAt, &def.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("repository: scan definition: %w", err)
		}
		if err := unmarshalDefinitionBody(def, nodesJSON, edgesJSON, schemaJSON); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: iterate definitions: %w", err)
	}
	return defs, nil
}

// Archive marks a draft or published definition archived. Archiving never
// deletes history rows that reference it (runs keep their own nodes/edges
// snapshot via WorkflowVersion).
func (r *DefinitionRepository) Archive(ctx context.Context, id string, scope models.OwnerScope) error {
	query := `
		UPDATE workflow_definition
		SET status = $4, updated_at = now()
		WHERE id = $1
		  AND ($2::text IS NULL OR user_id = $2)
		  AND ($3::text IS NULL OR org_id = $3)
	`
	tag, err := r.db.Exec(ctx, query, id, scope.UserID, scope.OrgID, models.DefinitionArchived)
	if err != nil {
		return fmt.Errorf("repository: archive definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engineerrors.NewNotFound("workflow definition not found").WithContext(map[string]any{"id": id})
	}
	return nil
}

// PatchDefinition applies a JSON Patch document to a draft definition's
// nodes/edges and persists the result; the patched graph is not compiled
// here (Publish validates it). Patching a published or
// archived definition is rejected: only drafts may be mutated in place,
// since in-flight runs are never hot-migrated against a changed
// definition.
func (r *DefinitionRepository) PatchDefinition(ctx context.Context, id string, scope models.OwnerScope, patch jsonpatch.Patch) (*models.WorkflowDefinition, error) {
	def, err := r.GetByIDForOwner(ctx, id, scope)
	if err != nil {
		return nil, err
	}
	if def.Status != models.DefinitionDraft {
		return nil, engineerrors.NewConflict("only draft definitions may be patched").
			WithContext(map[string]any{"id": id, "status": string(def.Status)})
	}

	body := struct {
		Nodes []models.Node `json:"nodes"`
		Edges []models.Edge `json:"edges"`
	}{Nodes: def.Nodes, Edges: def.Edges}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("repository: marshal definition body: %w", err)
	}

	patched, err := patch.Apply(raw)
	if err != nil {
		return nil, engineerrors.NewValidation("invalid patch document").WithContext(map[string]any{"cause": err.Error()})
	}

	var newBody struct {
		Nodes []models.Node `json:"nodes"`
		Edges []models.Edge `json:"edges"`
	}
	if err := json.Unmarshal(patched, &newBody); err != nil {
		return nil, engineerrors.NewValidation("patched definition body is not well-formed").WithContext(map[string]any{"cause": err.Error()})
	}

	def.Nodes = newBody.Nodes
	def.Edges = newBody.Edges

	nodesJSON, err := json.Marshal(def.Nodes)
	if err != nil {
		return nil, fmt.Errorf("repository: marshal patched nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(def.Edges)
	if err != nil {
		return nil, fmt.Errorf("repository: marshal patched edges: %w", err)
	}

	query := `
		UPDATE workflow_definition
		SET nodes = $2, edges = $3, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	if err := r.db.QueryRow(ctx, query, id, nodesJSON, edgesJSON).Scan(&def.UpdatedAt); err != nil {
		return nil, fmt.Errorf("repository: persist patched definition: %w", err)
	}
	return def, nil
}

// Publish validates def (via the supplied compile func) and flips a draft
// definition to published, bumping its version. Publishing an
// already-published or archived definition is rejected. No method moves a
// published definition back to draft, and PatchDefinition accepts drafts
// only, so a published definition's graph and version do not change after
// this call.
func (r *DefinitionRepository) Publish(ctx context.Context, id string, scope models.OwnerScope, validate func(*models.WorkflowDefinition) error) (*models.WorkflowDefinition, error) {
	def, err := r.GetByIDForOwner(ctx, id, scope)
	if err != nil {
		return nil, err
	}
	if def.Status != models.DefinitionDraft {
		return nil, engineerrors.NewConflict("only draft definitions may be published").
			WithContext(map[string]any{"id": id, "status": string(def.Status)})
	}
	if validate != nil {
		if err := validate(def); err != nil {
			return nil, engineerrors.NewValidation("workflow definition failed validation: " + err.Error())
		}
	}

	query := `
		UPDATE workflow_definition
		SET status = $2, version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING version, updated_at
	`
	if err := r.db.QueryRow(ctx, query, id, models.DefinitionPublished).Scan(&def.Version, &def.UpdatedAt); err != nil {
		return nil, fmt.Errorf("repository: publish definition: %w", err)
	}
	def.Status = models.DefinitionPublished
	return def, nil
}

func unmarshalDefinitionBody(def *models.WorkflowDefinition, nodesJSON, edgesJSON, schemaJSON []byte) error {
	if len(nodesJSON) > 0 {
		if err := json.Unmarshal(nodesJSON, &def.Nodes); err != nil {
			return fmt.Errorf("repository: unmarshal nodes: %w", err)
		}
	}
	if len(edgesJSON) > 0 {
		if err := json.Unmarshal(edgesJSON, &def.Edges); err != nil {
			return fmt.Errorf("repository: unmarshal edges: %w", err)
		}
	}
	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &def.InputSchema); err != nil {
			return fmt.Errorf("repository: unmarshal input schema: %w", err)
		}
	}
	return nil
}
