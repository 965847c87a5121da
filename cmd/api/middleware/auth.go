// Package middleware carries the API-node Echo middleware.
package middleware

import (
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/bifrost-hq/bifrost/common/models"
)

const callerContextKey = "caller"

// Identity extracts the caller identity from gateway-injected headers.
// The gateway upstream owns authentication; this node only reads the
// verdict. Absent headers yield an anonymous caller, which the
// authorization check denies.
func Identity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			caller := &models.Caller{}

			if raw := c.Request().Header.Get("X-User-ID"); raw != "" {
				if id, err := uuid.Parse(raw); err == nil {
					caller.UserID = &id
				}
			}
			if raw := c.Request().Header.Get("X-Org-ID"); raw != "" {
				if id, err := uuid.Parse(raw); err == nil {
					caller.OrganizationID = &id
				}
			}
			if raw := c.Request().Header.Get("X-API-Key"); raw != "" {
				if id, err := uuid.Parse(raw); err == nil {
					caller.APIKeyID = &id
				}
			}
			caller.IsPlatformAdmin = c.Request().Header.Get("X-Platform-Admin") == "true"

			if raw := c.Request().Header.Get("X-User-Roles"); raw != "" {
				for _, role := range strings.Split(raw, ",") {
					if trimmed := strings.TrimSpace(role); trimmed != "" {
						caller.Roles = append(caller.Roles, trimmed)
					}
				}
			}

			c.Set(callerContextKey, caller)
			return next(c)
		}
	}
}

// CallerFrom returns the caller set by Identity. Routes mounted
// without the middleware see an anonymous caller.
func CallerFrom(c echo.Context) *models.Caller {
	if caller, ok := c.Get(callerContextKey).(*models.Caller); ok {
		return caller
	}
	return &models.Caller{}
}
