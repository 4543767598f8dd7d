package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/labstack/echo/v4"

	apimiddleware "github.com/lyzr/workflows/cmd/workflow-api/middleware"
	"github.com/lyzr/workflows/common/compiler"
	"github.com/lyzr/workflows/common/engineerrors"
	"github.com/lyzr/workflows/common/models"
	"github.com/lyzr/workflows/common/repository"
)

// DefinitionHandler exposes the workflow definition lifecycle: create as a
// draft, patch a draft's graph, publish (validate + version bump), list and
// archive.
type DefinitionHandler struct {
	Definitions *repository.DefinitionRepository
}

type createDefinitionRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Tags        []string       `json:"tags"`
	Nodes       []models.Node  `json:"nodes"`
	Edges       []models.Edge  `json:"edges"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Create stores a new definition in "draft" status.
func (h *DefinitionHandler) Create(c echo.Context) error {
	var req createDefinitionRequest
	if err := c.Bind(&req); err != nil {
		return httpError(engineerrors.NewValidation("invalid request body"))
	}
	if req.Name == "" {
		return httpError(engineerrors.NewValidation("name is required"))
	}

	scope := apimiddleware.Scope(c)
	def := &models.WorkflowDefinition{
		UserID:      scope.UserID,
		OrgID:       scope.OrgID,
		Name:        req.Name,
		Description: req.Description,
		Status:      models.DefinitionDraft,
		Version:     1,
		Tags:        req.Tags,
		Nodes:       req.Nodes,
		Edges:       req.Edges,
		InputSchema: req.InputSchema,
	}
	if err := h.Definitions.Create(c.Request().Context(), def); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, def)
}

// Get returns one definition scoped to the caller's tenant.
func (h *DefinitionHandler) Get(c echo.Context) error {
	def, err := h.Definitions.GetByIDForOwner(c.Request().Context(), c.Param("id"), apimiddleware.Scope(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, def)
}

// List returns non-archived definitions visible to the caller.
func (h *DefinitionHandler) List(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	defs, err := h.Definitions.ListForOwner(c.Request().Context(), apimiddleware.Scope(c), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, defs)
}

// Patch applies an ordered JSON Patch document to a draft definition.
func (h *DefinitionHandler) Patch(c echo.Context) error {
	var ops []map[string]any
	if err := c.Bind(&ops); err != nil {
		return httpError(engineerrors.NewValidation("invalid patch document"))
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return httpError(engineerrors.NewValidation("invalid patch document"))
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return httpError(engineerrors.NewValidation("invalid patch document: " + err.Error()))
	}

	def, err := h.Definitions.PatchDefinition(c.Request().Context(), c.Param("id"), apimiddleware.Scope(c), patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, def)
}

// Publish validates a draft definition's graph and flips it to published.
func (h *DefinitionHandler) Publish(c echo.Context) error {
	def, err := h.Definitions.Publish(c.Request().Context(), c.Param("id"), apimiddleware.Scope(c), func(def *models.WorkflowDefinition) error {
		_, err := compiler.Compile(def)
		return err
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, def)
}

// Archive marks a definition archived.
func (h *DefinitionHandler) Archive(c echo.Context) error {
	if err := h.Definitions.Archive(c.Request().Context(), c.Param("id"), apimiddleware.Scope(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
