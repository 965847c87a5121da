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

const configColumns = `id, key_name, value, type, description, organization_id, created_at, updated_at`

// ConfigRepository handles database operations for configuration entries
type ConfigRepository struct {
	db *db.DB
}

// NewConfigRepository creates a new config repository
func NewConfigRepository(db *db.DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

func scanConfigEntry(row pgx.Row) (*models.ConfigEntry, error) {
	e := &models.ConfigEntry{}
	err := row.Scan(
		&e.ID,
		&e.KeyName,
		&e.Value,
		&e.Type,
		&e.Description,
		&e.OrganizationID,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListScope returns the global entries plus, when orgID is non-nil,
// the org's entries. The caller merges with org-wins precedence.
func (r *ConfigRepository) ListScope(ctx context.Context, orgID *uuid.UUID) ([]*models.ConfigEntry, error) {
	var (
		rows pgx.Rows
		err  error
	)

	if orgID != nil {
		// Global first so org entries override on key collision when
		// the caller folds the slice into a map in order.
		query := `SELECT ` + configColumns + ` FROM config_entry
			WHERE organization_id IS NULL OR organization_id = $1
			ORDER BY organization_id NULLS FIRST`
		rows, err = r.db.Query(ctx, query, *orgID)
	} else {
		query := `SELECT ` + configColumns + ` FROM config_entry WHERE organization_id IS NULL`
		rows, err = r.db.Query(ctx, query)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list config entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.ConfigEntry
	for rows.Next() {
		entry, err := scanConfigEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan config entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating config entries: %w", err)
	}

	return entries, nil
}

// GetByKey retrieves one entry within an exact scope (no fallback)
func (r *ConfigRepository) GetByKey(ctx context.Context, orgID *uuid.UUID, keyName string) (*models.ConfigEntry, error) {
	var row pgx.Row
	if orgID != nil {
		query := `SELECT ` + configColumns + ` FROM config_entry
			WHERE organization_id = $1 AND key_name = $2`
		row = r.db.QueryRow(ctx, query, *orgID, keyName)
	} else {
		query := `SELECT ` + configColumns + ` FROM config_entry
			WHERE organization_id IS NULL AND key_name = $1`
		row = r.db.QueryRow(ctx, query, keyName)
	}

	entry, err := scanConfigEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config entry: %w", err)
	}
	return entry, nil
}

// Upsert creates or updates an entry within its scope
func (r *ConfigRepository) Upsert(ctx context.Context, e *models.ConfigEntry) error {
	existing, err := r.GetByKey(ctx, e.OrganizationID, e.KeyName)
	if err != nil {
		return err
	}

	if existing != nil {
		query := `UPDATE config_entry SET value = $2, type = $3, description = $4, updated_at = now()
			WHERE id = $1`
		if _, err := r.db.Exec(ctx, query, existing.ID, e.Value, e.Type, e.Description); err != nil {
			return fmt.Errorf("failed to update config entry: %w", err)
		}
		e.ID = existing.ID
		return nil
	}

	query := `
		INSERT INTO config_entry (id, key_name, value, type, description, organization_id)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.db.Exec(ctx, query, e.ID, e.KeyName, e.Value, e.Type, e.Description, e.OrganizationID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperr.Wrap(apperr.KindConflict,
				fmt.Sprintf("config key %q already exists in this scope", e.KeyName), err)
		}
		return fmt.Errorf("failed to insert config entry: %w", err)
	}
	return nil
}

// Delete removes an entry by ID
func (r *ConfigRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM config_entry WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete config entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("config entry")
	}
	return nil
}
