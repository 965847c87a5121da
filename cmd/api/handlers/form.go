package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/bifrost-hq/bifrost/common/apperr"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/models"
)

// FormReader reads form records
type FormReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Form, error)
}

// FormSyncer persists a form and its derived access rows atomically
type FormSyncer interface {
	SyncForm(ctx context.Context, form *models.Form) error
}

// FormHandler serves the form collaborator surface. Every mutation
// goes through the access deriver so workflow_access never drifts from
// what the form expresses.
type FormHandler struct {
	forms   FormReader
	deriver FormSyncer
	log     *logger.Logger
}

// NewFormHandler creates a form handler
func NewFormHandler(forms FormReader, deriver FormSyncer, log *logger.Logger) *FormHandler {
	return &FormHandler{forms: forms, deriver: deriver, log: log}
}

type formRequest struct {
	Name             string     `json:"name"`
	OrganizationID   *uuid.UUID `json:"organization_id,omitempty"`
	WorkflowID       *uuid.UUID `json:"workflow_id,omitempty"`
	LaunchWorkflowID *uuid.UUID `json:"launch_workflow_id,omitempty"`
	AccessLevel      string     `json:"access_level"`
	AllowedRoles     []string   `json:"allowed_roles,omitempty"`
	IsPublished      bool       `json:"is_published"`
}

func (r *formRequest) toForm(id uuid.UUID) (*models.Form, error) {
	if r.Name == "" {
		return nil, apperr.Validation("name is required")
	}
	level := models.AccessLevel(r.AccessLevel)
	if level != models.AccessAuthenticated && level != models.AccessRoleBased {
		return nil, apperr.Validation("unknown access level")
	}
	if level == models.AccessRoleBased && len(r.AllowedRoles) == 0 && r.IsPublished {
		return nil, apperr.Validation("a published role-based form needs allowed_roles")
	}
	return &models.Form{
		ID:               id,
		Name:             r.Name,
		OrganizationID:   r.OrganizationID,
		WorkflowID:       r.WorkflowID,
		LaunchWorkflowID: r.LaunchWorkflowID,
		AccessLevel:      level,
		AllowedRoles:     r.AllowedRoles,
		IsPublished:      r.IsPublished,
	}, nil
}

// CreateForm creates a form and derives its access rows
// POST /api/v1/forms
func (h *FormHandler) CreateForm(c echo.Context) error {
	req := &formRequest{}
	if err := c.Bind(req); err != nil {
		return fail(c, apperr.Validation("malformed request body"))
	}

	form, err := req.toForm(uuid.New())
	if err != nil {
		return fail(c, err)
	}
	if err := h.deriver.SyncForm(c.Request().Context(), form); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, form)
}

// UpdateForm replaces a form and rederives its access rows
// PUT /api/v1/forms/:id
func (h *FormHandler) UpdateForm(c echo.Context) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	req := &formRequest{}
	if err := c.Bind(req); err != nil {
		return fail(c, apperr.Validation("malformed request body"))
	}

	form, err := req.toForm(id)
	if err != nil {
		return fail(c, err)
	}
	if err := h.deriver.SyncForm(c.Request().Context(), form); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, form)
}

// GetForm returns one form
// GET /api/v1/forms/:id
func (h *FormHandler) GetForm(c echo.Context) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	form, err := h.forms.GetByID(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	if form == nil {
		return fail(c, apperr.NotFound("form"))
	}
	return c.JSON(http.StatusOK, form)
}
