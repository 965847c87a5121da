package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/bifrost-hq/bifrost/cmd/api/container"
)

// RegisterEntityRoutes registers entity registry routes
func RegisterEntityRoutes(e *echo.Echo, c *container.Container) {
	h := c.EntityHandler

	entities := e.Group("/api/v1/entities")
	{
		entities.GET("", h.ListEntities)      // GET   /api/v1/entities?type=&category=
		entities.GET("/:id", h.GetEntity)     // GET   /api/v1/entities/{id}
		entities.PATCH("/:id", h.PatchEntity) // PATCH /api/v1/entities/{id} (RFC 6902)
	}
}
