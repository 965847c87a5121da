package models

import (
	"time"

	"github.com/google/uuid"
)

// UserSelector identifies who a workflow_access row grants execution
// to: the "any authenticated" marker or a role assignment. The two are
// distinct values, never conflated.
const (
	SelectorAuthenticated = "authenticated"
	selectorRolePrefix    = "role:"
)

// RoleSelector builds the selector value for a role grant
func RoleSelector(role string) string {
	return selectorRolePrefix + role
}

// WorkflowAccess is one precomputed authorization tuple: within scope
// OrganizationID, workflow WorkflowID is reachable through the source
// entity and UserSelector may invoke it.
type WorkflowAccess struct {
	ID               uuid.UUID  `json:"id"`
	WorkflowID       uuid.UUID  `json:"workflow_id"`
	OrganizationID   *uuid.UUID `json:"organization_id,omitempty"`
	UserSelector     string     `json:"user_selector"`
	SourceEntityType string     `json:"source_entity_type"` // form | app
	SourceEntityID   uuid.UUID  `json:"source_entity_id"`
}

// Form is a minimal form record: the collaborator surface this core
// needs. It references workflows by UUID and carries the grants the
// access deriver expands.
type Form struct {
	ID               uuid.UUID   `json:"id"`
	Name             string      `json:"name"`
	OrganizationID   *uuid.UUID  `json:"organization_id,omitempty"`
	WorkflowID       *uuid.UUID  `json:"workflow_id,omitempty"`
	LaunchWorkflowID *uuid.UUID  `json:"launch_workflow_id,omitempty"`
	AccessLevel      AccessLevel `json:"access_level"`
	AllowedRoles     []string    `json:"allowed_roles"`
	IsPublished      bool        `json:"is_published"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// WorkflowRefs returns the workflow UUIDs the form currently points at
func (f *Form) WorkflowRefs() []uuid.UUID {
	var refs []uuid.UUID
	if f.WorkflowID != nil {
		refs = append(refs, *f.WorkflowID)
	}
	if f.LaunchWorkflowID != nil && (f.WorkflowID == nil || *f.LaunchWorkflowID != *f.WorkflowID) {
		refs = append(refs, *f.LaunchWorkflowID)
	}
	return refs
}

// Selectors expands the form's access level and roles into the
// user-selector values its workflow_access rows should carry.
func (f *Form) Selectors() []string {
	if f.AccessLevel == AccessAuthenticated {
		return []string{SelectorAuthenticated}
	}
	selectors := make([]string, 0, len(f.AllowedRoles))
	for _, role := range f.AllowedRoles {
		selectors = append(selectors, RoleSelector(role))
	}
	return selectors
}
