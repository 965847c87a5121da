package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/bifrost-hq/bifrost/cmd/api/container"
)

// RegisterOrgRoutes registers organization routes
func RegisterOrgRoutes(e *echo.Echo, c *container.Container) {
	h := c.OrgHandler

	orgs := e.Group("/api/v1/organizations")
	{
		orgs.POST("", h.CreateOrg)   // POST /api/v1/organizations
		orgs.GET("/:id", h.GetOrg)   // GET  /api/v1/organizations/{id}
	}
}
