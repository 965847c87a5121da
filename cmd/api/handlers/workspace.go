package handlers

import (
	"context"
	"encoding/base64"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/bifrost-hq/bifrost/common/apperr"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/workspace"
)

// WorkspaceFiles is the canonical-store surface the handler mutates
type WorkspaceFiles interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, content []byte) (string, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) (map[string]string, error)
}

// ChangeIndexer reacts to workspace mutations that originate here
type ChangeIndexer interface {
	HandleChange(ctx context.Context, path string, deleted bool)
}

// WorkspaceHandler serves workspace file CRUD. Mutations go to the
// canonical store first, then onto the sync bus; local disk and entity
// discovery converge through the same pipeline every other node uses.
type WorkspaceHandler struct {
	store   WorkspaceFiles
	bus     *workspace.Bus
	indexer ChangeIndexer
	log     *logger.Logger
}

// NewWorkspaceHandler creates a workspace handler
func NewWorkspaceHandler(store WorkspaceFiles, bus *workspace.Bus, indexer ChangeIndexer, log *logger.Logger) *WorkspaceHandler {
	return &WorkspaceHandler{store: store, bus: bus, indexer: indexer, log: log}
}

// cleanPath normalizes a workspace-relative path and rejects traversal
func cleanPath(raw string) (string, error) {
	p := strings.TrimPrefix(raw, "/")
	if p == "" {
		return "", apperr.Validation("path is required")
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", apperr.Validation("invalid path")
	}
	return cleaned, nil
}

type fileResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64
	Hash    string `json:"hash"`
}

type writeFileRequest struct {
	Content string `json:"content"` // base64
}

// ListFiles returns {path: hash} for every file under the prefix
// GET /api/v1/workspace/files?prefix=
func (h *WorkspaceHandler) ListFiles(c echo.Context) error {
	files, err := h.store.List(c.Request().Context(), c.QueryParam("prefix"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"files": files})
}

// GetFile returns one file's content
// GET /api/v1/workspace/files/*
func (h *WorkspaceHandler) GetFile(c echo.Context) error {
	rel, err := cleanPath(c.Param("*"))
	if err != nil {
		return fail(c, err)
	}

	content, err := h.store.Read(c.Request().Context(), rel)
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusOK, fileResponse{
		Path:    rel,
		Content: base64.StdEncoding.EncodeToString(content),
		Hash:    workspace.HashBytes(content),
	})
}

// PutFile writes one file and announces the change on the sync bus
// PUT /api/v1/workspace/files/*
func (h *WorkspaceHandler) PutFile(c echo.Context) error {
	ctx := c.Request().Context()

	rel, err := cleanPath(c.Param("*"))
	if err != nil {
		return fail(c, err)
	}

	req := &writeFileRequest{}
	if err := c.Bind(req); err != nil {
		return fail(c, apperr.Validation("malformed request body"))
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return fail(c, apperr.Validation("content must be base64"))
	}

	hash, err := h.store.Write(ctx, rel, content)
	if err != nil {
		return fail(c, err)
	}

	if err := h.bus.Publish(ctx, &workspace.Event{
		Type:        workspace.EventFileWrite,
		Path:        rel,
		ContentB64:  base64.StdEncoding.EncodeToString(content),
		ContentHash: hash,
	}); err != nil {
		h.log.Warn("failed to publish file write", "path", rel, "error", err)
	}

	return c.JSON(http.StatusOK, fileResponse{Path: rel, Content: req.Content, Hash: hash})
}

// DeleteFile removes one file and deactivates its entities
// DELETE /api/v1/workspace/files/*
func (h *WorkspaceHandler) DeleteFile(c echo.Context) error {
	ctx := c.Request().Context()

	rel, err := cleanPath(c.Param("*"))
	if err != nil {
		return fail(c, err)
	}

	if err := h.store.Delete(ctx, rel); err != nil {
		return fail(c, err)
	}

	if err := h.bus.Publish(ctx, &workspace.Event{Type: workspace.EventFileDelete, Path: rel}); err != nil {
		h.log.Warn("failed to publish file delete", "path", rel, "error", err)
	}
	h.indexer.HandleChange(ctx, rel, true)

	return c.NoContent(http.StatusNoContent)
}

type renameRequest struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// RenameFile moves a file. The old path's entities deactivate
// immediately; the new path registers when the rename event applies,
// reattaching by (path, function_name).
// POST /api/v1/workspace/rename
func (h *WorkspaceHandler) RenameFile(c echo.Context) error {
	ctx := c.Request().Context()

	req := &renameRequest{}
	if err := c.Bind(req); err != nil {
		return fail(c, apperr.Validation("malformed request body"))
	}
	oldPath, err := cleanPath(req.OldPath)
	if err != nil {
		return fail(c, err)
	}
	newPath, err := cleanPath(req.NewPath)
	if err != nil {
		return fail(c, err)
	}

	content, err := h.store.Read(ctx, oldPath)
	if err != nil {
		return fail(c, err)
	}
	hash, err := h.store.Write(ctx, newPath, content)
	if err != nil {
		return fail(c, err)
	}
	if err := h.store.Delete(ctx, oldPath); err != nil {
		return fail(c, err)
	}

	if err := h.bus.Publish(ctx, &workspace.Event{
		Type:    workspace.EventFileRename,
		OldPath: oldPath,
		NewPath: newPath,
	}); err != nil {
		h.log.Warn("failed to publish rename", "old_path", oldPath, "new_path", newPath, "error", err)
	}
	h.indexer.HandleChange(ctx, oldPath, true)

	return c.JSON(http.StatusOK, fileResponse{Path: newPath, Hash: hash})
}

type folderRequest struct {
	Path string `json:"path"`
}

// CreateFolder records a directory marker and announces it
// POST /api/v1/workspace/folders
func (h *WorkspaceHandler) CreateFolder(c echo.Context) error {
	ctx := c.Request().Context()

	req := &folderRequest{}
	if err := c.Bind(req); err != nil {
		return fail(c, apperr.Validation("malformed request body"))
	}
	rel, err := cleanPath(req.Path)
	if err != nil {
		return fail(c, err)
	}

	if _, err := h.store.Write(ctx, workspace.NormalizeDirPath(rel), nil); err != nil {
		return fail(c, err)
	}
	if err := h.bus.Publish(ctx, &workspace.Event{Type: workspace.EventFolderCreate, Path: rel}); err != nil {
		h.log.Warn("failed to publish folder create", "path", rel, "error", err)
	}

	return c.JSON(http.StatusCreated, map[string]string{"path": workspace.NormalizeDirPath(rel)})
}

// DeleteFolder removes a directory subtree from the canonical store
// DELETE /api/v1/workspace/folders/*
func (h *WorkspaceHandler) DeleteFolder(c echo.Context) error {
	ctx := c.Request().Context()

	rel, err := cleanPath(c.Param("*"))
	if err != nil {
		return fail(c, err)
	}
	dirKey := workspace.NormalizeDirPath(rel)

	files, err := h.store.List(ctx, dirKey)
	if err != nil {
		return fail(c, err)
	}
	for p := range files {
		if err := h.store.Delete(ctx, p); err != nil {
			return fail(c, err)
		}
		h.indexer.HandleChange(ctx, p, true)
	}
	if err := h.store.Delete(ctx, dirKey); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return fail(c, err)
	}

	if err := h.bus.Publish(ctx, &workspace.Event{Type: workspace.EventFolderDelete, Path: rel}); err != nil {
		h.log.Warn("failed to publish folder delete", "path", rel, "error", err)
	}

	return c.NoContent(http.StatusNoContent)
}
