package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/bifrost-hq/bifrost/cmd/api/container"
)

// RegisterExecutionRoutes registers execution trigger and status routes
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	h := c.ExecutionHandler

	executions := e.Group("/api/v1/executions")
	{
		executions.POST("", h.Trigger)                    // POST /api/v1/executions
		executions.GET("", h.ListExecutions)              // GET  /api/v1/executions?workflow_id=
		executions.GET("/:id", h.GetExecution)            // GET  /api/v1/executions/{id}
		executions.POST("/:id/cancel", h.CancelExecution) // POST /api/v1/executions/{id}/cancel
	}

	e.POST("/api/v1/scripts", h.RunScript) // inline scripts, admin only
}
