package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	apimiddleware "github.com/bifrost-hq/bifrost/cmd/api/middleware"
	"github.com/bifrost-hq/bifrost/common/apperr"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/models"
	"github.com/bifrost-hq/bifrost/common/resolver"
)

// ConfigStore is the repository surface for config entries
type ConfigStore interface {
	ListScope(ctx context.Context, orgID *uuid.UUID) ([]*models.ConfigEntry, error)
	GetByKey(ctx context.Context, orgID *uuid.UUID, keyName string) (*models.ConfigEntry, error)
	Upsert(ctx context.Context, e *models.ConfigEntry) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Encryptor seals secret-typed values before they reach storage
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
}

// ConfigHandler serves scoped configuration. Secrets are encrypted on
// write and never listed in plaintext; only the resolve endpoint
// decrypts, and only for privileged callers.
type ConfigHandler struct {
	store     ConfigStore
	resolver  *resolver.Resolver
	encryptor Encryptor
	log       *logger.Logger
}

// NewConfigHandler creates a config handler
func NewConfigHandler(store ConfigStore, res *resolver.Resolver, encryptor Encryptor, log *logger.Logger) *ConfigHandler {
	return &ConfigHandler{store: store, resolver: res, encryptor: encryptor, log: log}
}

const maskedSecret = "********"

// maskEntry hides a secret's ciphertext in listings
func maskEntry(e *models.ConfigEntry) *models.ConfigEntry {
	if e.Type != models.ConfigSecret {
		return e
	}
	masked := *e
	masked.Value, _ = json.Marshal(maskedSecret)
	return &masked
}

// ListConfig lists a scope's entries, global first
// GET /api/v1/config?org_id=
func (h *ConfigHandler) ListConfig(c echo.Context) error {
	orgID, err := queryOrgID(c)
	if err != nil {
		return fail(c, err)
	}

	entries, err := h.store.ListScope(c.Request().Context(), orgID)
	if err != nil {
		return fail(c, err)
	}
	out := make([]*models.ConfigEntry, len(entries))
	for i, e := range entries {
		out[i] = maskEntry(e)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": out})
}

// ResolveConfig returns one resolved (decrypted, typed) value.
// Restricted to platform admins and API keys: the response may carry a
// secret in plaintext.
// GET /api/v1/config/resolve/:key?org_id=&default=
func (h *ConfigHandler) ResolveConfig(c echo.Context) error {
	caller := apimiddleware.CallerFrom(c)
	if !caller.IsPlatformAdmin && !caller.IsAPIKey() {
		return fail(c, apperr.New(apperr.KindUnauthorized, "config resolution requires a privileged caller"))
	}

	orgID, err := queryOrgID(c)
	if err != nil {
		return fail(c, err)
	}

	ctx := c.Request().Context()
	scope, err := h.resolver.LoadScope(ctx, orgID)
	if err != nil {
		return fail(c, err)
	}

	var def *string
	if raw := c.QueryParam("default"); raw != "" {
		def = &raw
	}
	value, err := h.resolver.Get(ctx, scope, c.Param("key"), def)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"key": c.Param("key"), "value": value})
}

type upsertConfigRequest struct {
	KeyName        string          `json:"key_name"`
	Value          json.RawMessage `json:"value"`
	Type           string          `json:"type"`
	Description    *string         `json:"description,omitempty"`
	OrganizationID *uuid.UUID      `json:"organization_id,omitempty"`
}

// UpsertConfig creates or replaces one entry and drops the scope cache
// PUT /api/v1/config
func (h *ConfigHandler) UpsertConfig(c echo.Context) error {
	caller := apimiddleware.CallerFrom(c)
	if !caller.IsPlatformAdmin {
		return fail(c, apperr.New(apperr.KindUnauthorized, "config mutation requires a platform admin"))
	}

	req := &upsertConfigRequest{}
	if err := c.Bind(req); err != nil {
		return fail(c, apperr.Validation("malformed request body"))
	}
	if req.KeyName == "" {
		return fail(c, apperr.Validation("key_name is required"))
	}
	if !models.ValidConfigType(req.Type) {
		return fail(c, apperr.Validation("unknown config type"))
	}

	value := req.Value
	if models.ConfigType(req.Type) == models.ConfigSecret {
		var plaintext string
		if err := json.Unmarshal(req.Value, &plaintext); err != nil {
			return fail(c, apperr.Validation("secret values must be strings"))
		}
		ciphertext, err := h.encryptor.Encrypt(plaintext)
		if err != nil {
			return fail(c, err)
		}
		if value, err = json.Marshal(ciphertext); err != nil {
			return fail(c, err)
		}
	}

	ctx := c.Request().Context()
	entry := &models.ConfigEntry{
		ID:             uuid.New(),
		KeyName:        req.KeyName,
		Value:          value,
		Type:           models.ConfigType(req.Type),
		Description:    req.Description,
		OrganizationID: req.OrganizationID,
	}
	if err := h.store.Upsert(ctx, entry); err != nil {
		return fail(c, err)
	}
	h.resolver.Invalidate(ctx, req.OrganizationID)

	return c.JSON(http.StatusOK, maskEntry(entry))
}

// DeleteConfig removes one entry and drops its scope cache
// DELETE /api/v1/config/:id?org_id=
func (h *ConfigHandler) DeleteConfig(c echo.Context) error {
	caller := apimiddleware.CallerFrom(c)
	if !caller.IsPlatformAdmin {
		return fail(c, apperr.New(apperr.KindUnauthorized, "config mutation requires a platform admin"))
	}

	id, err := paramUUID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	orgID, err := queryOrgID(c)
	if err != nil {
		return fail(c, err)
	}

	ctx := c.Request().Context()
	if err := h.store.Delete(ctx, id); err != nil {
		return fail(c, err)
	}
	h.resolver.Invalidate(ctx, orgID)

	return c.NoContent(http.StatusNoContent)
}
