package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/bifrost-hq/bifrost/cmd/api/container"
)

// RegisterFormRoutes registers form routes
func RegisterFormRoutes(e *echo.Echo, c *container.Container) {
	h := c.FormHandler

	forms := e.Group("/api/v1/forms")
	{
		forms.POST("", h.CreateForm)    // POST /api/v1/forms
		forms.PUT("/:id", h.UpdateForm) // PUT  /api/v1/forms/{id}
		forms.GET("/:id", h.GetForm)    // GET  /api/v1/forms/{id}
	}
}
