package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bifrost-hq/bifrost/common/db"
	"github.com/bifrost-hq/bifrost/common/models"
)

// AccessRepository handles the precomputed workflow_access table and
// the two authorization hot-path queries.
type AccessRepository struct {
	db *db.DB
}

// NewAccessRepository creates a new access repository
func NewAccessRepository(db *db.DB) *AccessRepository {
	return &AccessRepository{db: db}
}

// ListBySource returns the current rows owned by one source entity
func (r *AccessRepository) ListBySource(ctx context.Context, tx pgx.Tx, sourceType string, sourceID uuid.UUID) ([]*models.WorkflowAccess, error) {
	query := `
		SELECT id, workflow_id, organization_id, user_selector, source_entity_type, source_entity_id
		FROM workflow_access
		WHERE source_entity_type = $1 AND source_entity_id = $2`

	rows, err := tx.Query(ctx, query, sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list access rows: %w", err)
	}
	defer rows.Close()

	var access []*models.WorkflowAccess
	for rows.Next() {
		a := &models.WorkflowAccess{}
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.OrganizationID, &a.UserSelector, &a.SourceEntityType, &a.SourceEntityID); err != nil {
			return nil, fmt.Errorf("failed to scan access row: %w", err)
		}
		access = append(access, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating access rows: %w", err)
	}

	return access, nil
}

// InsertMany inserts access rows inside the caller's transaction
func (r *AccessRepository) InsertMany(ctx context.Context, tx pgx.Tx, rows []*models.WorkflowAccess) error {
	for _, a := range rows {
		query := `
			INSERT INTO workflow_access (id, workflow_id, organization_id, user_selector, source_entity_type, source_entity_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT DO NOTHING`

		if _, err := tx.Exec(ctx, query, a.ID, a.WorkflowID, a.OrganizationID, a.UserSelector, a.SourceEntityType, a.SourceEntityID); err != nil {
			return fmt.Errorf("failed to insert access row: %w", err)
		}
	}
	return nil
}

// DeleteMany removes access rows by ID inside the caller's transaction
func (r *AccessRepository) DeleteMany(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM workflow_access WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to delete access rows: %w", err)
	}
	return nil
}

// HasIntegrationAccess is authorization query A: does the workflow
// belong to an integration the user's organization is connected to.
func (r *AccessRepository) HasIntegrationAccess(ctx context.Context, workflowID, orgID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM entity e
			JOIN organization_integration oi ON oi.integration_id = e.integration_id
			WHERE e.id = $1 AND oi.organization_id = $2
		)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, workflowID, orgID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed integration access query: %w", err)
	}
	return exists, nil
}

// HasWorkflowAccess is authorization query B: a workflow_access row in
// the user's org or the global scope whose selector the caller
// satisfies, either the authenticated marker or one of their roles.
func (r *AccessRepository) HasWorkflowAccess(ctx context.Context, workflowID, userID uuid.UUID, orgID *uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM workflow_access wa
			WHERE wa.workflow_id = $1
			  AND (wa.organization_id IS NULL OR ($3::uuid IS NOT NULL AND wa.organization_id = $3))
			  AND (
				wa.user_selector = 'authenticated'
				OR ($3::uuid IS NOT NULL AND wa.user_selector IN (
					SELECT 'role:' || ur.role
					FROM user_role ur
					WHERE ur.user_id = $2 AND ur.organization_id = $3
				))
			  )
		)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, workflowID, userID, orgID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed workflow access query: %w", err)
	}
	return exists, nil
}

// FormRepository handles form rows: the minimal collaborator surface
// that drives workflow-access derivation.
type FormRepository struct {
	db *db.DB
}

// NewFormRepository creates a new form repository
func NewFormRepository(db *db.DB) *FormRepository {
	return &FormRepository{db: db}
}

const formColumns = `id, name, organization_id, workflow_id, launch_workflow_id,
	access_level, allowed_roles, is_published, created_at, updated_at`

func scanForm(row pgx.Row) (*models.Form, error) {
	f := &models.Form{}
	err := row.Scan(
		&f.ID,
		&f.Name,
		&f.OrganizationID,
		&f.WorkflowID,
		&f.LaunchWorkflowID,
		&f.AccessLevel,
		&f.AllowedRoles,
		&f.IsPublished,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetByID retrieves a form. Returns nil when absent.
func (r *FormRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Form, error) {
	query := `SELECT ` + formColumns + ` FROM form WHERE id = $1`

	form, err := scanForm(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get form: %w", err)
	}
	return form, nil
}

// UpsertTx writes a form inside the caller's transaction so the
// access-derivation delta commits atomically with the mutation.
func (r *FormRepository) UpsertTx(ctx context.Context, tx pgx.Tx, f *models.Form) error {
	query := `
		INSERT INTO form (id, name, organization_id, workflow_id, launch_workflow_id, access_level, allowed_roles, is_published)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name               = EXCLUDED.name,
			workflow_id        = EXCLUDED.workflow_id,
			launch_workflow_id = EXCLUDED.launch_workflow_id,
			access_level       = EXCLUDED.access_level,
			allowed_roles      = EXCLUDED.allowed_roles,
			is_published       = EXCLUDED.is_published,
			updated_at         = now()`

	if _, err := tx.Exec(ctx, query,
		f.ID, f.Name, f.OrganizationID, f.WorkflowID, f.LaunchWorkflowID,
		f.AccessLevel, f.AllowedRoles, f.IsPublished,
	); err != nil {
		return fmt.Errorf("failed to upsert form: %w", err)
	}
	return nil
}
