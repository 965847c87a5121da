package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EntityType tags a discovered workspace declaration
type EntityType string

const (
	EntityWorkflow     EntityType = "workflow"
	EntityTool         EntityType = "tool"
	EntityDataProvider EntityType = "data_provider"
)

// ValidEntityType reports whether s names a supported decorator
func ValidEntityType(s string) bool {
	switch EntityType(s) {
	case EntityWorkflow, EntityTool, EntityDataProvider:
		return true
	}
	return false
}

// AccessLevel controls who may execute an entity
type AccessLevel string

const (
	AccessRoleBased     AccessLevel = "role_based"
	AccessAuthenticated AccessLevel = "authenticated"
)

// Entity is a workflow, tool, or data provider discovered in the
// workspace. The ID is injected back into the source decorator and is
// stable for the life of the declaration at that path.
type Entity struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	Type             EntityType      `json:"type"`
	FunctionName     string          `json:"function_name"`
	Path             string          `json:"path"`
	OrganizationID   *uuid.UUID      `json:"organization_id,omitempty"` // nil = global scope
	IntegrationID    *uuid.UUID      `json:"integration_id,omitempty"`
	IsActive         bool            `json:"is_active"`
	EndpointEnabled  bool            `json:"endpoint_enabled"`
	Schedule         *string         `json:"schedule,omitempty"`
	AccessLevel      AccessLevel     `json:"access_level"`
	ParametersSchema json.RawMessage `json:"parameters_schema,omitempty"`
	Category         *string         `json:"category,omitempty"`
	Tags             []string        `json:"tags,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// EntityFilter narrows entity listings
type EntityFilter struct {
	Type       *EntityType
	Category   *string
	ActiveOnly bool
	// SeeAll relaxes org filtering for platform admins. Must be set
	// explicitly; org context alone never grants it.
	SeeAll bool
}

// Pagination bounds list queries
type Pagination struct {
	Limit  int
	Offset int
}

// Normalize clamps pagination to sane bounds
func (p *Pagination) Normalize() {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
}
