package access

import (
	"context"

	"github.com/google/uuid"

	"github.com/bifrost-hq/bifrost/common/models"
)

// AccessQueries is the two-query surface of the authorization hot path
type AccessQueries interface {
	HasIntegrationAccess(ctx context.Context, workflowID, orgID uuid.UUID) (bool, error)
	HasWorkflowAccess(ctx context.Context, workflowID, userID uuid.UUID, orgID *uuid.UUID) (bool, error)
}

// Checker answers "may this caller execute this workflow". Write-time
// derivation keeps the read path at one query in the common case, two
// at most.
type Checker struct {
	queries AccessQueries
}

// NewChecker creates an authorization checker
func NewChecker(queries AccessQueries) *Checker {
	return &Checker{queries: queries}
}

// CanExecute evaluates the short-circuit chain. Platform admins and
// API keys pass without touching the database; malformed input denies
// without touching it either.
func (c *Checker) CanExecute(ctx context.Context, workflowID string, caller *models.Caller) (bool, error) {
	if caller.IsPlatformAdmin {
		return true, nil
	}
	if caller.IsAPIKey() {
		return true, nil
	}
	if caller.UserID == nil {
		return false, nil
	}

	id, err := uuid.Parse(workflowID)
	if err != nil {
		return false, nil
	}

	if caller.OrganizationID != nil {
		granted, err := c.queries.HasIntegrationAccess(ctx, id, *caller.OrganizationID)
		if err != nil {
			return false, err
		}
		if granted {
			return true, nil
		}
	}

	return c.queries.HasWorkflowAccess(ctx, id, *caller.UserID, caller.OrganizationID)
}
