package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bifrost-hq/bifrost/common/db"
	"github.com/bifrost-hq/bifrost/common/models"
)

// FileIndexRepository owns the authoritative per-path file rows
type FileIndexRepository struct {
	db *db.DB
}

// NewFileIndexRepository creates a new file index repository
func NewFileIndexRepository(db *db.DB) *FileIndexRepository {
	return &FileIndexRepository{db: db}
}

// Get retrieves a file entry by path. Returns nil when absent.
func (r *FileIndexRepository) Get(ctx context.Context, path string) (*models.FileEntry, error) {
	query := `
		SELECT path, content, hash, created_at, updated_at
		FROM file_index
		WHERE path = $1`

	entry := &models.FileEntry{}
	err := r.db.QueryRow(ctx, query, path).Scan(
		&entry.Path,
		&entry.Content,
		&entry.Hash,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file entry: %w", err)
	}
	return entry, nil
}

// Upsert writes the row for a path, updating in place on re-writes
func (r *FileIndexRepository) Upsert(ctx context.Context, path string, content []byte, hash string) error {
	query := `
		INSERT INTO file_index (path, content, hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET
			content    = EXCLUDED.content,
			hash       = EXCLUDED.hash,
			updated_at = now()`

	if _, err := r.db.Exec(ctx, query, path, content, hash); err != nil {
		return fmt.Errorf("failed to upsert file entry: %w", err)
	}
	return nil
}

// Delete hard-deletes a path's row
func (r *FileIndexRepository) Delete(ctx context.Context, path string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM file_index WHERE path = $1`, path); err != nil {
		return fmt.Errorf("failed to delete file entry: %w", err)
	}
	return nil
}

// ListPaths returns all indexed paths under a prefix, with their hashes
func (r *FileIndexRepository) ListPaths(ctx context.Context, prefix string) (map[string]string, error) {
	query := `SELECT path, hash FROM file_index WHERE path LIKE $1 || '%' ORDER BY path`

	rows, err := r.db.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list file entries: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan file entry: %w", err)
		}
		hashes[path] = hash
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file entries: %w", err)
	}

	return hashes, nil
}

// DeleteMissing hard-deletes rows whose path is not in the live set.
// Returns the deleted paths so the caller can clean up mirrors.
func (r *FileIndexRepository) DeleteMissing(ctx context.Context, livePaths []string) ([]string, error) {
	query := `DELETE FROM file_index WHERE NOT (path = ANY($1)) RETURNING path`

	rows, err := r.db.Query(ctx, query, livePaths)
	if err != nil {
		return nil, fmt.Errorf("failed to delete missing file entries: %w", err)
	}
	defer rows.Close()

	var deleted []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan deleted path: %w", err)
		}
		deleted = append(deleted, path)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deleted paths: %w", err)
	}

	return deleted, nil
}
