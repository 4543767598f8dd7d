// Package routes wires echo route groups to the definition/run handlers,
// one group per resource.
package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	apimiddleware "github.com/lyzr/workflows/cmd/workflow-api/middleware"
	"github.com/lyzr/workflows/cmd/workflow-api/handlers"
	"github.com/lyzr/workflows/common/bootstrap"
	"github.com/lyzr/workflows/common/executor"
	"github.com/lyzr/workflows/common/repository"
)

// Register mounts every route the service exposes.
func Register(e *echo.Echo, exec *executor.Executor, components *bootstrap.Components) {
	e.GET("/healthz", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})

	defHandler := &handlers.DefinitionHandler{Definitions: repository.NewDefinitionRepository(components.DB)}
	runHandler := &handlers.RunHandler{
		Executor: exec,
		Runs:     repository.NewRunRepository(components.DB),
		Steps:    repository.NewStepRepository(components.DB),
	}

	api := e.Group("/api/v1")
	api.Use(apimiddleware.ExtractScope())

	definitions := api.Group("/definitions")
	definitions.POST("", defHandler.Create)
	definitions.GET("", defHandler.List)
	definitions.GET("/:id", defHandler.Get)
	definitions.POST("/:id/patch", defHandler.Patch)
	definitions.POST("/:id/publish", defHandler.Publish)
	definitions.POST("/:id/archive", defHandler.Archive)

	runs := api.Group("/runs")
	runs.POST("", runHandler.Create)
	runs.GET("", runHandler.List)
	runs.GET("/:id", runHandler.Get)
	runs.GET("/:id/steps", runHandler.ListSteps)
	runs.POST("/:id/start", runHandler.Start)
	runs.POST("/:id/resume", runHandler.Resume)
	runs.POST("/:id/cancel", runHandler.Cancel)
}
