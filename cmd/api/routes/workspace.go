// Package routes mounts the API's route groups onto Echo.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/bifrost-hq/bifrost/cmd/api/container"
)

// RegisterWorkspaceRoutes registers workspace file routes
func RegisterWorkspaceRoutes(e *echo.Echo, c *container.Container) {
	h := c.WorkspaceHandler

	ws := e.Group("/api/v1/workspace")
	{
		ws.GET("/files", h.ListFiles)        // GET    /api/v1/workspace/files?prefix=
		ws.GET("/files/*", h.GetFile)        // GET    /api/v1/workspace/files/{path}
		ws.PUT("/files/*", h.PutFile)        // PUT    /api/v1/workspace/files/{path}
		ws.DELETE("/files/*", h.DeleteFile)  // DELETE /api/v1/workspace/files/{path}
		ws.POST("/rename", h.RenameFile)     // POST   /api/v1/workspace/rename
		ws.POST("/folders", h.CreateFolder)  // POST   /api/v1/workspace/folders
		ws.DELETE("/folders/*", h.DeleteFolder)
	}
}
