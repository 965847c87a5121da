package resolver

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-hq/bifrost/common/apperr"
	"github.com/bifrost-hq/bifrost/common/crypto"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/models"
	rediscommon "github.com/bifrost-hq/bifrost/common/redis"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

type fakeStore struct {
	mu      sync.Mutex
	entries []*models.ConfigEntry
	queries int
}

func (f *fakeStore) ListScope(ctx context.Context, orgID *uuid.UUID) ([]*models.ConfigEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++

	var global, scoped []*models.ConfigEntry
	for _, e := range f.entries {
		switch {
		case e.OrganizationID == nil:
			global = append(global, e)
		case orgID != nil && *e.OrganizationID == *orgID:
			scoped = append(scoped, e)
		}
	}
	return append(global, scoped...), nil
}

func (f *fakeStore) add(key, value string, configType models.ConfigType, orgID *uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, _ := json.Marshal(value)
	f.entries = append(f.entries, &models.ConfigEntry{
		ID:             uuid.New(),
		KeyName:        key,
		Value:          raw,
		Type:           configType,
		OrganizationID: orgID,
	})
}

func newTestResolver(t *testing.T) (*Resolver, *fakeStore, *crypto.Encryptor) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logger.New("error", "text")
	encryptor, err := crypto.NewEncryptor(testKey)
	require.NoError(t, err)

	store := &fakeStore{}
	return New(store, rediscommon.NewClient(client, log), encryptor, time.Minute, log), store, encryptor
}

func TestOrgScopeOverridesGlobal(t *testing.T) {
	res, store, _ := newTestResolver(t)
	ctx := context.Background()
	orgID := uuid.New()

	store.add("region", "us-east-1", models.ConfigString, nil)
	store.add("region", "eu-west-1", models.ConfigString, &orgID)

	scope, err := res.LoadScope(ctx, &orgID)
	require.NoError(t, err)

	value, err := res.Get(ctx, scope, "region", nil)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", value)

	globalScope, err := res.LoadScope(ctx, nil)
	require.NoError(t, err)
	value, err = res.Get(ctx, globalScope, "region", nil)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", value)
}

func TestSecretsStayEncryptedUntilGet(t *testing.T) {
	res, store, encryptor := newTestResolver(t)
	ctx := context.Background()

	ciphertext, err := encryptor.Encrypt("hunter2")
	require.NoError(t, err)
	store.add("token", ciphertext, models.ConfigSecret, nil)

	scope, err := res.LoadScope(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, ciphertext, scope["token"].Value, "LoadScope must not decrypt")
	assert.NotContains(t, scope["token"].Value, "hunter2")

	value, err := res.Get(ctx, scope, "token", nil)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)
}

func TestTypedParsing(t *testing.T) {
	res, store, _ := newTestResolver(t)
	ctx := context.Background()

	store.add("retries", "5", models.ConfigInt, nil)
	store.add("enabled", "true", models.ConfigBool, nil)
	store.add("limits", `{"max": 10}`, models.ConfigJSON, nil)

	scope, err := res.LoadScope(ctx, nil)
	require.NoError(t, err)

	retries, err := res.Get(ctx, scope, "retries", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), retries)

	enabled, err := res.Get(ctx, scope, "enabled", nil)
	require.NoError(t, err)
	assert.Equal(t, true, enabled)

	limits, err := res.Get(ctx, scope, "limits", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"max": float64(10)}, limits)
}

func TestDefaultOnlyWhenAbsent(t *testing.T) {
	res, store, _ := newTestResolver(t)
	ctx := context.Background()

	store.add("present", "actual", models.ConfigString, nil)
	scope, err := res.LoadScope(ctx, nil)
	require.NoError(t, err)

	def := "fallback"
	value, err := res.Get(ctx, scope, "present", &def)
	require.NoError(t, err)
	assert.Equal(t, "actual", value, "a default never shadows a present key")

	value, err = res.Get(ctx, scope, "absent", &def)
	require.NoError(t, err)
	assert.Equal(t, "fallback", value)

	_, err = res.Get(ctx, scope, "absent", nil)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCacheServesSecondLoad(t *testing.T) {
	res, store, _ := newTestResolver(t)
	ctx := context.Background()

	store.add("k", "v", models.ConfigString, nil)

	_, err := res.LoadScope(ctx, nil)
	require.NoError(t, err)
	_, err = res.LoadScope(ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, store.queries, "second load must come from the cache")
}

func TestInvalidateDropsStaleValues(t *testing.T) {
	res, store, _ := newTestResolver(t)
	ctx := context.Background()

	store.add("k", "old", models.ConfigString, nil)
	scope, err := res.LoadScope(ctx, nil)
	require.NoError(t, err)
	value, _ := res.Get(ctx, scope, "k", nil)
	assert.Equal(t, "old", value)

	store.mu.Lock()
	raw, _ := json.Marshal("new")
	store.entries[0].Value = raw
	store.mu.Unlock()

	// without invalidation the cache still answers with the old value
	scope, err = res.LoadScope(ctx, nil)
	require.NoError(t, err)
	value, _ = res.Get(ctx, scope, "k", nil)
	assert.Equal(t, "old", value)

	res.Invalidate(ctx, nil)
	scope, err = res.LoadScope(ctx, nil)
	require.NoError(t, err)
	value, _ = res.Get(ctx, scope, "k", nil)
	assert.Equal(t, "new", value)
}
