// Command workflow-api is the thin HTTP transport over the engine's public
// API surface. It never implements engine semantics itself — every route
// binds a request, calls into common/executor or common/repository, and
// maps the result (or an *engineerrors.Error) to a response.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/workflows/cmd/workflow-api/routes"
	"github.com/lyzr/workflows/common/approval"
	"github.com/lyzr/workflows/common/bootstrap"
	"github.com/lyzr/workflows/common/breaker"
	"github.com/lyzr/workflows/common/clock"
	"github.com/lyzr/workflows/common/executor"
	"github.com/lyzr/workflows/common/handlers"
	"github.com/lyzr/workflows/common/handlers/security"
	"github.com/lyzr/workflows/common/modelprovider"
	"github.com/lyzr/workflows/common/repository"
	"github.com/lyzr/workflows/common/toolruntime"
)

func main() {
	ctx := context.Background()

	components := bootstrap.MustSetup(ctx, "workflow-api", bootstrap.WithTOMLFile(os.Getenv("CONFIG_FILE")))
	defer components.Shutdown(ctx)

	exec := buildExecutor(components)

	e := echo.New()
	e.HideBanner = true
	routes.Register(e, exec, components)

	addr := ":" + strconv.Itoa(components.Config.Service.Port)
	go func() {
		components.Logger.Info("starting http server", "addr", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			components.Logger.Error("http server stopped unexpectedly", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	components.Logger.Info("shutting down http server")
	if err := e.Shutdown(shutdownCtx); err != nil {
		components.Logger.Error("http server shutdown error", "error", err)
	}
}

func buildExecutor(c *bootstrap.Components) *executor.Executor {
	clk := clock.System{}

	var models modelprovider.GenerateText
	if c.Config.AI.AnthropicAPIKey != "" {
		models = modelprovider.NewAnthropicProvider(c.Config.AI.AnthropicAPIKey, c.Config.AI.Model)
	} else {
		models = &modelprovider.Fake{}
		c.Logger.Info("ANTHROPIC_API_KEY not set, ai-step nodes will use the fake model provider")
	}

	exec := &executor.Executor{
		Definitions: repository.NewDefinitionRepository(c.DB),
		Runs:        repository.NewRunRepository(c.DB),
		Steps:       repository.NewStepRepository(c.DB),
		Registry:    handlers.NewRegistry(),

		Approvals: approval.New(clk),
		Breakers:  breaker.NewRegistry(c.Logger),
		Models:    models,
		Tools:     toolruntime.NewFake(),
		URLGuard:  security.NewURLValidator(c.Config.Webhook.AllowPrivateNetworks),
		Limiter:   c.Limiter,

		Clock: clk,
		Log:   c.Logger,

		ApprovalDefaultTimeout: c.Config.Approval.DefaultTimeout,
		WebhookRequestTimeout:  c.Config.Webhook.RequestTimeout,
		DefaultNodeTimeout:     30 * time.Second,
	}
	return exec
}
