package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"

	"github.com/bifrost-hq/bifrost/cmd/api/container"
	apimiddleware "github.com/bifrost-hq/bifrost/cmd/api/middleware"
	"github.com/bifrost-hq/bifrost/cmd/api/routes"
	"github.com/bifrost-hq/bifrost/common/bootstrap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize container: %v\n", err)
		os.Exit(1)
	}

	if err := startWorkspace(ctx, serviceContainer); err != nil {
		components.Logger.Error("workspace startup failed", "error", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components)
	registerRoutes(e, serviceContainer)

	startServer(ctx, e, serviceContainer)
}

// startWorkspace brings the local working copy up to date, indexes it
// with id write-back (the API node owns injection), and starts the
// sync subscriber plus the optional filesystem watcher.
func startWorkspace(ctx context.Context, c *container.Container) error {
	log := c.Components.Logger
	cfg := c.Components.Config

	if err := c.Syncer.Bootstrap(ctx); err != nil {
		return fmt.Errorf("workspace bootstrap: %w", err)
	}
	if err := c.Indexer.Reindex(ctx, true); err != nil {
		return fmt.Errorf("startup reindex: %w", err)
	}

	go func() {
		if err := c.Syncer.Run(ctx); err != nil {
			log.Error("workspace sync stopped", "error", err)
		}
	}()

	if cfg.Workspace.WatchEnabled {
		if err := c.Watcher.Start(ctx); err != nil {
			return fmt.Errorf("workspace watcher: %w", err)
		}
	}

	return nil
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(echomiddleware.RequestID())
	e.Use(apimiddleware.Identity())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": components.Config.Service.Name,
		})
	})
}

// registerRoutes registers all application routes using the container
func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterWorkspaceRoutes(e, c)
	routes.RegisterEntityRoutes(e, c)
	routes.RegisterConfigRoutes(e, c)
	routes.RegisterFormRoutes(e, c)
	routes.RegisterExecutionRoutes(e, c)
	routes.RegisterOrgRoutes(e, c)
}

// startServer runs Echo until a shutdown signal arrives
func startServer(ctx context.Context, e *echo.Echo, c *container.Container) {
	log := c.Components.Logger
	port := c.Components.Config.Service.Port

	go func() {
		log.Info("api listening", "port", port)
		if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	c.Watcher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	log.Info("api shutting down gracefully")
}
