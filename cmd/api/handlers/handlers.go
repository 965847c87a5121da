// Package handlers implements the control-plane HTTP API.
package handlers

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/bifrost-hq/bifrost/common/apperr"
)

// fail converts a tagged error into its HTTP response
func fail(c echo.Context, err error) error {
	return c.JSON(apperr.HTTPStatus(err), apperr.ToBody(err))
}

// paramUUID parses a :id-style path parameter
func paramUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid " + name)
	}
	return id, nil
}

// queryOrgID parses the optional org_id query parameter; nil means the
// global scope.
func queryOrgID(c echo.Context) (*uuid.UUID, error) {
	raw := c.QueryParam("org_id")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, apperr.Validation("invalid org_id")
	}
	return &id, nil
}
