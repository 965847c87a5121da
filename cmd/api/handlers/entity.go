package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/bifrost-hq/bifrost/common/apperr"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/models"
	"github.com/bifrost-hq/bifrost/common/pyscan"
	"github.com/bifrost-hq/bifrost/common/workspace"
)

// EntityStore is the registry surface the handler reads and updates
type EntityStore interface {
	List(ctx context.Context, orgID *uuid.UUID, filter models.EntityFilter, page models.Pagination) ([]*models.Entity, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Entity, error)
	UpdateMetadata(ctx context.Context, e *models.Entity) error
}

// EntityHandler serves the entity registry. Metadata edits flow back
// into the source decorator so the file stays the source of truth.
type EntityHandler struct {
	entities EntityStore
	store    WorkspaceFiles
	bus      *workspace.Bus
	log      *logger.Logger
}

// NewEntityHandler creates an entity handler
func NewEntityHandler(entities EntityStore, store WorkspaceFiles, bus *workspace.Bus, log *logger.Logger) *EntityHandler {
	return &EntityHandler{entities: entities, store: store, bus: bus, log: log}
}

// ListEntities lists registry entries for the caller's scope
// GET /api/v1/entities?type=&category=&active=&limit=&offset=
func (h *EntityHandler) ListEntities(c echo.Context) error {
	orgID, err := queryOrgID(c)
	if err != nil {
		return fail(c, err)
	}

	filter := models.EntityFilter{ActiveOnly: c.QueryParam("active") != "false"}
	if raw := c.QueryParam("type"); raw != "" {
		if !models.ValidEntityType(raw) {
			return fail(c, apperr.Validation("unknown entity type"))
		}
		t := models.EntityType(raw)
		filter.Type = &t
	}
	if raw := c.QueryParam("category"); raw != "" {
		filter.Category = &raw
	}

	page := models.Pagination{}
	echo.QueryParamsBinder(c).Int("limit", &page.Limit).Int("offset", &page.Offset)
	page.Normalize()

	entities, err := h.entities.List(c.Request().Context(), orgID, filter, page)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entities": entities})
}

// GetEntity returns one registry entry
// GET /api/v1/entities/:id
func (h *EntityHandler) GetEntity(c echo.Context) error {
	id, err := paramUUID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	entity, err := h.entities.GetByID(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	if entity == nil {
		return fail(c, apperr.NotFound("entity"))
	}
	return c.JSON(http.StatusOK, entity)
}

// entityMetadata is the mutable view a JSON patch operates on
type entityMetadata struct {
	Name            string   `json:"name"`
	Category        *string  `json:"category"`
	Schedule        *string  `json:"schedule"`
	EndpointEnabled bool     `json:"endpoint_enabled"`
	AccessLevel     string   `json:"access_level"`
	Tags            []string `json:"tags"`
}

func metadataOf(e *models.Entity) entityMetadata {
	return entityMetadata{
		Name:            e.Name,
		Category:        e.Category,
		Schedule:        e.Schedule,
		EndpointEnabled: e.EndpointEnabled,
		AccessLevel:     string(e.AccessLevel),
		Tags:            e.Tags,
	}
}

// PatchEntity applies an RFC 6902 patch to the entity's metadata view,
// persists the registry row, and rewrites the source decorator. A name
// change is applied only through the decorator; the registry picks it
// up when discovery re-registers the rewritten file.
// PATCH /api/v1/entities/:id
func (h *EntityHandler) PatchEntity(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := paramUUID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	entity, err := h.entities.GetByID(ctx, id)
	if err != nil {
		return fail(c, err)
	}
	if entity == nil {
		return fail(c, apperr.NotFound("entity"))
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fail(c, apperr.Validation("unreadable request body"))
	}
	patch, err := jsonpatch.DecodePatch(body)
	if err != nil {
		return fail(c, apperr.Wrap(apperr.KindValidation, "malformed JSON patch", err))
	}

	before := metadataOf(entity)
	doc, err := json.Marshal(before)
	if err != nil {
		return fail(c, err)
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return fail(c, apperr.Wrap(apperr.KindValidation, "patch does not apply", err))
	}

	after := entityMetadata{}
	if err := json.Unmarshal(patched, &after); err != nil {
		return fail(c, apperr.Wrap(apperr.KindValidation, "patched metadata is malformed", err))
	}
	if after.AccessLevel != string(models.AccessRoleBased) && after.AccessLevel != string(models.AccessAuthenticated) {
		return fail(c, apperr.Validation("unknown access level"))
	}
	if after.Name == "" {
		return fail(c, apperr.Validation("name must not be empty"))
	}

	entity.Category = after.Category
	entity.Schedule = after.Schedule
	entity.EndpointEnabled = after.EndpointEnabled
	entity.AccessLevel = models.AccessLevel(after.AccessLevel)
	entity.Tags = after.Tags
	if err := h.entities.UpdateMetadata(ctx, entity); err != nil {
		return fail(c, err)
	}

	if err := h.writeBack(ctx, entity, before, after); err != nil {
		return fail(c, err)
	}

	entity.Name = after.Name
	return c.JSON(http.StatusOK, entity)
}

// writeBack pushes changed metadata into the source decorator and
// republishes the file on the sync bus.
func (h *EntityHandler) writeBack(ctx context.Context, entity *models.Entity, before, after entityMetadata) error {
	props := diffProperties(before, after)
	if len(props) == 0 {
		return nil
	}

	source, err := h.store.Read(ctx, entity.Path)
	if err != nil {
		return err
	}
	rewritten, err := pyscan.WriteProperties(source, entity.FunctionName, props)
	if err != nil {
		return err
	}

	hash, err := h.store.Write(ctx, entity.Path, rewritten)
	if err != nil {
		return err
	}
	if err := h.bus.Publish(ctx, &workspace.Event{
		Type:        workspace.EventFileWrite,
		Path:        entity.Path,
		ContentB64:  base64.StdEncoding.EncodeToString(rewritten),
		ContentHash: hash,
	}); err != nil {
		h.log.Warn("failed to publish metadata write-back", "path", entity.Path, "error", err)
	}
	return nil
}

func diffProperties(before, after entityMetadata) []pyscan.Property {
	var props []pyscan.Property

	if after.Name != before.Name {
		props = append(props, pyscan.Property{Name: "name", Value: after.Name})
	}
	if !strPtrEqual(after.Category, before.Category) && after.Category != nil {
		props = append(props, pyscan.Property{Name: "category", Value: *after.Category})
	}
	if !strPtrEqual(after.Schedule, before.Schedule) && after.Schedule != nil {
		props = append(props, pyscan.Property{Name: "schedule", Value: *after.Schedule})
	}
	if after.EndpointEnabled != before.EndpointEnabled {
		props = append(props, pyscan.Property{Name: "endpoint_enabled", Value: after.EndpointEnabled})
	}
	if after.AccessLevel != before.AccessLevel {
		props = append(props, pyscan.Property{Name: "access_level", Value: after.AccessLevel})
	}
	if !tagsEqual(after.Tags, before.Tags) {
		props = append(props, pyscan.Property{Name: "tags", Value: after.Tags})
	}
	return props
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func tagsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
