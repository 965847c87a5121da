package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/bifrost-hq/bifrost/cmd/api/container"
)

// RegisterConfigRoutes registers scoped configuration routes
func RegisterConfigRoutes(e *echo.Echo, c *container.Container) {
	h := c.ConfigHandler

	cfg := e.Group("/api/v1/config")
	{
		cfg.GET("", h.ListConfig)                  // GET    /api/v1/config?org_id=
		cfg.GET("/resolve/:key", h.ResolveConfig)  // GET    /api/v1/config/resolve/{key}
		cfg.PUT("", h.UpsertConfig)                // PUT    /api/v1/config
		cfg.DELETE("/:id", h.DeleteConfig)         // DELETE /api/v1/config/{id}
	}
}
