package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	apimiddleware "github.com/bifrost-hq/bifrost/cmd/api/middleware"
	"github.com/bifrost-hq/bifrost/common/apperr"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/models"
)

// OrgStore is the organization repository surface
type OrgStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	Create(ctx context.Context, org *models.Organization) error
}

// OrgHandler serves tenant records
type OrgHandler struct {
	orgs OrgStore
	log  *logger.Logger
}

// NewOrgHandler creates an organization handler
func NewOrgHandler(orgs OrgStore, log *logger.Logger) *OrgHandler {
	return &OrgHandler{orgs: orgs, log: log}
}

type createOrgRequest struct {
	Name string `json:"name"`
}

// CreateOrg creates a tenant
// POST /api/v1/organizations
func (h *OrgHandler) CreateOrg(c echo.Context) error {
	caller := apimiddleware.CallerFrom(c)
	if !caller.IsPlatformAdmin {
		return fail(c, apperr.New(apperr.KindUnauthorized, "organization creation requires a platform admin"))
	}

	req := &createOrgRequest{}
	if err := c.Bind(req); err != nil {
		return fail(c, apperr.Validation("malformed request body"))
	}
	if req.Name == "" {
		return fail(c, apperr.Validation("name is required"))
	}

	org := &models.Organization{ID: uuid.New(), Name: req.Name}
	if err := h.orgs.Create(c.Request().Context(), org); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, org)
}

// GetOrg returns one tenant
// GET /api/v1/organizations/:id
func (h *OrgHandler) GetOrg(c echo.Context) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	org, err := h.orgs.GetByID(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	if org == nil {
		return fail(c, apperr.NotFound("organization"))
	}
	return c.JSON(http.StatusOK, org)
}
