package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bifrost-hq/bifrost/common/apperr"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/models"
	rediscommon "github.com/bifrost-hq/bifrost/common/redis"
)

// ConfigStore is the repository surface the resolver needs
type ConfigStore interface {
	ListScope(ctx context.Context, orgID *uuid.UUID) ([]*models.ConfigEntry, error)
}

// Decryptor opens secret-typed values on read
type Decryptor interface {
	Decrypt(ciphertext string) (string, error)
}

// Resolver is the two-tier (Redis -> Postgres) configuration lookup.
// Secrets stay encrypted in the cache and in LoadScope results; only
// Get decrypts. Cache coherence is best-effort; encryption is the
// safety net against a stale read leaking a secret.
type Resolver struct {
	store     ConfigStore
	redis     *rediscommon.Client
	decryptor Decryptor
	ttl       time.Duration
	log       *logger.Logger
}

// New creates a config resolver. redis may be nil (cache disabled).
func New(store ConfigStore, redis *rediscommon.Client, decryptor Decryptor, ttl time.Duration, log *logger.Logger) *Resolver {
	return &Resolver{
		store:     store,
		redis:     redis,
		decryptor: decryptor,
		ttl:       ttl,
		log:       log,
	}
}

// CacheKey returns the Redis hash key for a scope
func CacheKey(orgID *uuid.UUID) string {
	if orgID == nil {
		return "bifrost:config:global"
	}
	return fmt.Sprintf("bifrost:config:%s", orgID)
}

// LoadScope returns the union of global entries and the scope's
// entries, scope entries winning on key collision. Secret values are
// returned still encrypted.
func (r *Resolver) LoadScope(ctx context.Context, orgID *uuid.UUID) (map[string]models.TypedValue, error) {
	if cached := r.loadFromCache(ctx, orgID); cached != nil {
		return cached, nil
	}

	entries, err := r.store.ListScope(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load config scope: %w", err)
	}

	// Entries arrive global-first; folding in order makes org-scoped
	// keys override global ones.
	data := make(map[string]models.TypedValue, len(entries))
	for _, entry := range entries {
		data[entry.KeyName] = models.TypedValue{
			Value: entryValueString(entry.Value),
			Type:  entry.Type,
		}
	}

	r.storeInCache(ctx, orgID, data)
	return data, nil
}

// Get looks up key in a loaded scope map, decrypts secrets, and parses
// typed values. The default is used only when the key is absent.
func (r *Resolver) Get(ctx context.Context, data map[string]models.TypedValue, key string, def *string) (interface{}, error) {
	tv, ok := data[key]
	if !ok {
		if def != nil {
			return *def, nil
		}
		return nil, apperr.NotFound(fmt.Sprintf("config key %q", key))
	}

	raw := tv.Value
	if tv.Type == models.ConfigSecret {
		plaintext, err := r.decryptor.Decrypt(raw)
		if err != nil {
			return nil, err
		}
		// Decryption applies before parsing would: the decrypted form
		// is already a string.
		return plaintext, nil
	}

	return parseTyped(key, raw, tv.Type)
}

// Invalidate drops a scope's cache entry, e.g. after a config mutation
func (r *Resolver) Invalidate(ctx context.Context, orgID *uuid.UUID) {
	if r.redis == nil {
		return
	}
	if err := r.redis.Delete(ctx, CacheKey(orgID)); err != nil {
		r.log.Warn("config cache invalidation failed", "scope", CacheKey(orgID), "error", err)
	}
}

func (r *Resolver) loadFromCache(ctx context.Context, orgID *uuid.UUID) map[string]models.TypedValue {
	if r.redis == nil {
		return nil
	}

	fields, err := r.redis.GetAllHash(ctx, CacheKey(orgID))
	if err != nil || len(fields) == 0 {
		return nil
	}

	data := make(map[string]models.TypedValue, len(fields))
	for key, raw := range fields {
		var tv models.TypedValue
		if err := json.Unmarshal([]byte(raw), &tv); err != nil {
			r.log.Warn("malformed config cache field, ignoring scope cache", "key", key)
			return nil
		}
		data[key] = tv
	}
	return data
}

func (r *Resolver) storeInCache(ctx context.Context, orgID *uuid.UUID, data map[string]models.TypedValue) {
	if r.redis == nil || len(data) == 0 {
		return
	}

	fields := make(map[string]string, len(data))
	for key, tv := range data {
		encoded, err := json.Marshal(tv)
		if err != nil {
			continue
		}
		fields[key] = string(encoded)
	}

	cacheKey := CacheKey(orgID)
	if err := r.redis.SetHashMap(ctx, cacheKey, fields); err != nil {
		r.log.Warn("config cache write failed", "scope", cacheKey, "error", err)
		return
	}
	if err := r.redis.Expire(ctx, cacheKey, r.ttl); err != nil {
		r.log.Warn("config cache expire failed", "scope", cacheKey, "error", err)
	}
}

// entryValueString normalizes a jsonb value to its string form: JSON
// strings are unquoted, everything else keeps its raw JSON text.
func entryValueString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func parseTyped(key, raw string, configType models.ConfigType) (interface{}, error) {
	switch configType {
	case models.ConfigInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation,
				fmt.Sprintf("config key %q is not a valid int", key), err)
		}
		return n, nil
	case models.ConfigBool:
		switch strings.ToLower(raw) {
		case "true", "1", "yes":
			return true, nil
		default:
			return false, nil
		}
	case models.ConfigJSON:
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation,
				fmt.Sprintf("config key %q is not valid JSON", key), err)
		}
		return v, nil
	default:
		return raw, nil
	}
}
