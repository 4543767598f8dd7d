package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	apimiddleware "github.com/lyzr/workflows/cmd/workflow-api/middleware"
	"github.com/lyzr/workflows/common/engineerrors"
	"github.com/lyzr/workflows/common/executor"
	"github.com/lyzr/workflows/common/models"
	"github.com/lyzr/workflows/common/repository"
)

// RunHandler exposes the public run API surface: create, start, get,
// resume and cancel, plus the run/step listings an operator inspects
// after the fact.
type RunHandler struct {
	Executor *executor.Executor
	Runs     *repository.RunRepository
	Steps    *repository.StepRepository
}

type createRunRequest struct {
	DefinitionID string         `json:"definitionId"`
	Input        map[string]any `json:"input"`
}

// Create creates a pending run against a published definition.
func (h *RunHandler) Create(c echo.Context) error {
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return httpError(engineerrors.NewValidation("invalid request body"))
	}
	if req.DefinitionID == "" {
		return httpError(engineerrors.NewValidation("definitionId is required"))
	}

	run, err := h.Executor.CreateRun(c.Request().Context(), req.DefinitionID, apimiddleware.Scope(c), req.Input)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, run)
}

// Start begins execution of a pending run and blocks until the run
// completes, fails, or suspends.
func (h *RunHandler) Start(c echo.Context) error {
	run, err := h.Executor.StartRun(c.Request().Context(), c.Param("id"), apimiddleware.Scope(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// Get returns a run scoped to the caller's tenant.
func (h *RunHandler) Get(c echo.Context) error {
	run, err := h.Executor.GetRun(c.Request().Context(), c.Param("id"), apimiddleware.Scope(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

type resumeRunRequest struct {
	Approved       bool           `json:"approved"`
	ApprovedBy     string         `json:"approvedBy"`
	ApprovalReason string         `json:"approvalReason"`
	ApprovalData   map[string]any `json:"approvalData"`
}

// Resume delivers an approval decision to a suspended run.
func (h *RunHandler) Resume(c echo.Context) error {
	var req resumeRunRequest
	if err := c.Bind(&req); err != nil {
		return httpError(engineerrors.NewValidation("invalid request body"))
	}

	now := h.Executor.Clock.NowUTC()
	decision := models.ApprovalDecision{
		Approved:       req.Approved,
		ApprovedBy:     req.ApprovedBy,
		ApprovedAt:     now,
		ApprovalReason: req.ApprovalReason,
		ApprovalData:   req.ApprovalData,
	}

	run, err := h.Executor.ResumeRun(c.Request().Context(), c.Param("id"), apimiddleware.Scope(c), decision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// List returns runs visible to the caller, optionally filtered to one
// definition via ?definitionId=.
func (h *RunHandler) List(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	scope := apimiddleware.Scope(c)
	var (
		runs []*models.WorkflowRun
		err  error
	)
	if definitionID := c.QueryParam("definitionId"); definitionID != "" {
		runs, err = h.Runs.ListByWorkflow(c.Request().Context(), definitionID, scope, limit)
	} else {
		runs, err = h.Runs.ListForOwner(c.Request().Context(), scope, limit)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, runs)
}

// ListSteps returns a run's recorded steps in execution order. The run
// lookup applies the caller's scope first, so steps of another tenant's
// run are as invisible as the run itself.
func (h *RunHandler) ListSteps(c echo.Context) error {
	run, err := h.Executor.GetRun(c.Request().Context(), c.Param("id"), apimiddleware.Scope(c))
	if err != nil {
		return httpError(err)
	}
	steps, err := h.Steps.ListByRun(c.Request().Context(), run.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, steps)
}

// Cancel requests cancellation of an in-flight or suspended run.
func (h *RunHandler) Cancel(c echo.Context) error {
	run, err := h.Executor.CancelRun(c.Request().Context(), c.Param("id"), apimiddleware.Scope(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}
