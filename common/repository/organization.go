package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bifrost-hq/bifrost/common/db"
	"github.com/bifrost-hq/bifrost/common/models"
	rediscommon "github.com/bifrost-hq/bifrost/common/redis"
)

// OrganizationRepository handles organization rows with a Redis
// read-through cache in front of them.
type OrganizationRepository struct {
	db       *db.DB
	redis    *rediscommon.Client
	cacheTTL time.Duration
}

// NewOrganizationRepository creates a new organization repository.
// The redis client may be nil; lookups then always hit Postgres.
func NewOrganizationRepository(db *db.DB, redis *rediscommon.Client, cacheTTL time.Duration) *OrganizationRepository {
	return &OrganizationRepository{db: db, redis: redis, cacheTTL: cacheTTL}
}

func orgCacheKey(id uuid.UUID) string {
	return fmt.Sprintf("bifrost:org:%s", id)
}

// GetByID retrieves an organization, consulting the cache first.
// Cache failures are best-effort: they log inside the client and fall
// through to the authoritative row.
func (r *OrganizationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	if r.redis != nil {
		if cached, found, err := r.redis.Get(ctx, orgCacheKey(id)); err == nil && found {
			org := &models.Organization{}
			if err := json.Unmarshal([]byte(cached), org); err == nil {
				return org, nil
			}
		}
	}

	query := `SELECT id, name, created_at FROM organization WHERE id = $1`

	org := &models.Organization{}
	err := r.db.QueryRow(ctx, query, id).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	if r.redis != nil {
		if data, err := json.Marshal(org); err == nil {
			_ = r.redis.Set(ctx, orgCacheKey(id), string(data), r.cacheTTL)
		}
	}

	return org, nil
}

// Create inserts a new organization and invalidates nothing: IDs are
// fresh UUIDs.
func (r *OrganizationRepository) Create(ctx context.Context, org *models.Organization) error {
	query := `INSERT INTO organization (id, name) VALUES ($1, $2) RETURNING created_at`

	if err := r.db.QueryRow(ctx, query, org.ID, org.Name).Scan(&org.CreatedAt); err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}
