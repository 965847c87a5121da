package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bifrost-hq/bifrost/common/apperr"
	"github.com/bifrost-hq/bifrost/common/db"
	"github.com/bifrost-hq/bifrost/common/models"
)

const entityColumns = `
	id, name, type, function_name, path, organization_id, integration_id,
	is_active, endpoint_enabled, schedule, access_level, parameters_schema,
	category, tags, created_at, updated_at`

// EntityRepository handles database operations for workspace entities
type EntityRepository struct {
	db *db.DB
}

// NewEntityRepository creates a new entity repository
func NewEntityRepository(db *db.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

func scanEntity(row pgx.Row) (*models.Entity, error) {
	e := &models.Entity{}
	err := row.Scan(
		&e.ID,
		&e.Name,
		&e.Type,
		&e.FunctionName,
		&e.Path,
		&e.OrganizationID,
		&e.IntegrationID,
		&e.IsActive,
		&e.EndpointEnabled,
		&e.Schedule,
		&e.AccessLevel,
		&e.ParametersSchema,
		&e.Category,
		&e.Tags,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetByID retrieves an entity by its ID
func (r *EntityRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entity WHERE id = $1`

	entity, err := scanEntity(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return entity, nil
}

// GetByName resolves an active entity of the given type by name with
// org-over-global precedence: the org-scoped query is issued first and
// wins; the global query runs only when the org query finds nothing.
// A single query with org IN (org, NULL) would be ambiguous when both
// scopes hold the same name. Returns nil when neither scope matches.
func (r *EntityRepository) GetByName(ctx context.Context, entityType models.EntityType, name string, orgID *uuid.UUID) (*models.Entity, error) {
	if orgID != nil {
		query := `SELECT ` + entityColumns + `
			FROM entity
			WHERE type = $1 AND name = $2 AND organization_id = $3 AND is_active`

		entity, err := scanEntity(r.db.QueryRow(ctx, query, entityType, name, *orgID))
		if err == nil {
			return entity, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to get entity by name (org scope): %w", err)
		}
	}

	query := `SELECT ` + entityColumns + `
		FROM entity
		WHERE type = $1 AND name = $2 AND organization_id IS NULL AND is_active`

	entity, err := scanEntity(r.db.QueryRow(ctx, query, entityType, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity by name (global scope): %w", err)
	}
	return entity, nil
}

// List returns entities visible in the given org context. With an org
// present, rows are filtered to that org plus global; filter.SeeAll
// (platform admins only) lifts the restriction.
func (r *EntityRepository) List(ctx context.Context, orgID *uuid.UUID, filter models.EntityFilter, page models.Pagination) ([]*models.Entity, error) {
	page.Normalize()

	query := `SELECT ` + entityColumns + ` FROM entity WHERE 1=1`
	args := []interface{}{}

	if !filter.SeeAll && orgID != nil {
		args = append(args, *orgID)
		query += fmt.Sprintf(" AND (organization_id = $%d OR organization_id IS NULL)", len(args))
	} else if !filter.SeeAll {
		query += " AND organization_id IS NULL"
	}

	if filter.Type != nil {
		args = append(args, *filter.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if filter.Category != nil {
		args = append(args, *filter.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if filter.ActiveOnly {
		query += " AND is_active"
	}

	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(" ORDER BY name ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, entity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return entities, nil
}

// UpsertByPathAndFunction creates or updates the entity declared at
// (path, function_name). The row ID is preserved across rediscoveries;
// the supplied ID is only used on first insert. A duplicate (type,
// name) in the same scope surfaces as a Conflict.
func (r *EntityRepository) UpsertByPathAndFunction(ctx context.Context, e *models.Entity) (*models.Entity, error) {
	query := `
		INSERT INTO entity (
			id, name, type, function_name, path, organization_id, integration_id,
			is_active, endpoint_enabled, schedule, access_level, parameters_schema,
			category, tags
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (path, function_name) DO UPDATE SET
			name              = EXCLUDED.name,
			type              = EXCLUDED.type,
			organization_id   = EXCLUDED.organization_id,
			is_active         = TRUE,
			endpoint_enabled  = EXCLUDED.endpoint_enabled,
			schedule          = EXCLUDED.schedule,
			access_level      = EXCLUDED.access_level,
			parameters_schema = EXCLUDED.parameters_schema,
			category          = EXCLUDED.category,
			tags              = EXCLUDED.tags,
			updated_at        = now()
		RETURNING ` + entityColumns

	row := r.db.QueryRow(ctx, query,
		e.ID,
		e.Name,
		e.Type,
		e.FunctionName,
		e.Path,
		e.OrganizationID,
		e.IntegrationID,
		e.EndpointEnabled,
		e.Schedule,
		e.AccessLevel,
		e.ParametersSchema,
		e.Category,
		e.Tags,
	)

	saved, err := scanEntity(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, apperr.Wrap(apperr.KindConflict,
				fmt.Sprintf("an active %s named %q already exists in this scope", e.Type, e.Name), err)
		}
		return nil, fmt.Errorf("failed to upsert entity: %w", err)
	}

	return saved, nil
}

// DeactivateMany flags entities inactive. Rows are never deleted by
// discovery: execution history holds foreign keys to them.
func (r *EntityRepository) DeactivateMany(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	query := `UPDATE entity SET is_active = FALSE, updated_at = now() WHERE id = ANY($1)`

	if _, err := r.db.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to deactivate entities: %w", err)
	}
	return nil
}

// ListByPaths returns active entities registered under the given paths
func (r *EntityRepository) ListByPaths(ctx context.Context, paths []string) ([]*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entity WHERE path = ANY($1) AND is_active`

	rows, err := r.db.Query(ctx, query, paths)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities by path: %w", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, entity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return entities, nil
}

// ListActive returns every active entity with its registration identity
func (r *EntityRepository) ListActive(ctx context.Context) ([]*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entity WHERE is_active`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active entities: %w", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, entity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return entities, nil
}

// UpdateMetadata persists mutable entity metadata after an RFC6902
// patch has been applied and validated.
func (r *EntityRepository) UpdateMetadata(ctx context.Context, e *models.Entity) error {
	query := `
		UPDATE entity SET
			endpoint_enabled  = $2,
			schedule          = $3,
			access_level      = $4,
			parameters_schema = $5,
			category          = $6,
			tags              = $7,
			updated_at        = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		e.ID,
		e.EndpointEnabled,
		e.Schedule,
		e.AccessLevel,
		e.ParametersSchema,
		e.Category,
		e.Tags,
	)
	if err != nil {
		return fmt.Errorf("failed to update entity metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("entity")
	}
	return nil
}
