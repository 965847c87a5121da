package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apimiddleware "github.com/bifrost-hq/bifrost/cmd/api/middleware"
	"github.com/bifrost-hq/bifrost/common/crypto"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/models"
	rediscommon "github.com/bifrost-hq/bifrost/common/redis"
	"github.com/bifrost-hq/bifrost/common/resolver"
)

const testEncryptionKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

type fakeConfigStore struct {
	mu      sync.Mutex
	entries []*models.ConfigEntry
}

func (f *fakeConfigStore) ListScope(ctx context.Context, orgID *uuid.UUID) ([]*models.ConfigEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeConfigStore) GetByKey(ctx context.Context, orgID *uuid.UUID, keyName string) (*models.ConfigEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		sameScope := (e.OrganizationID == nil && orgID == nil) ||
			(e.OrganizationID != nil && orgID != nil && *e.OrganizationID == *orgID)
		if sameScope && e.KeyName == keyName {
			return e, nil
		}
	}
	return nil, nil
}

func (f *fakeConfigStore) Upsert(ctx context.Context, e *models.ConfigEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.entries {
		sameScope := (existing.OrganizationID == nil && e.OrganizationID == nil) ||
			(existing.OrganizationID != nil && e.OrganizationID != nil && *existing.OrganizationID == *e.OrganizationID)
		if sameScope && existing.KeyName == e.KeyName {
			e.ID = existing.ID
			f.entries[i] = e
			return nil
		}
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeConfigStore) Delete(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.entries {
		if e.ID == id {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func newConfigTest(t *testing.T) (*echo.Echo, *fakeConfigStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logger.New("error", "text")
	redis := rediscommon.NewClient(client, log)

	encryptor, err := crypto.NewEncryptor(testEncryptionKey)
	require.NoError(t, err)

	store := &fakeConfigStore{}
	res := resolver.New(store, redis, encryptor, time.Minute, log)
	h := NewConfigHandler(store, res, encryptor, log)

	e := echo.New()
	e.Use(apimiddleware.Identity())
	e.GET("/api/v1/config", h.ListConfig)
	e.GET("/api/v1/config/resolve/:key", h.ResolveConfig)
	e.PUT("/api/v1/config", h.UpsertConfig)
	e.DELETE("/api/v1/config/:id", h.DeleteConfig)
	return e, store
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Platform-Admin": "true"}
}

func TestUpsertSecretStoresCiphertext(t *testing.T) {
	e, store := newConfigTest(t)

	body, _ := json.Marshal(map[string]interface{}{
		"key_name": "api_token",
		"value":    "hunter2",
		"type":     "secret",
	})
	rec := doAuthedRequest(t, e, http.MethodPut, "/api/v1/config", string(body), adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, store.entries, 1)
	var stored string
	require.NoError(t, json.Unmarshal(store.entries[0].Value, &stored))
	assert.NotEqual(t, "hunter2", stored, "secret must not be stored in plaintext")
	assert.NotContains(t, rec.Body.String(), "hunter2", "response must not echo the plaintext")
}

func TestListMasksSecrets(t *testing.T) {
	e, _ := newConfigTest(t)

	body, _ := json.Marshal(map[string]interface{}{"key_name": "token", "value": "s3cret", "type": "secret"})
	rec := doAuthedRequest(t, e, http.MethodPut, "/api/v1/config", string(body), adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doAuthedRequest(t, e, http.MethodGet, "/api/v1/config", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), maskedSecret)
	assert.NotContains(t, rec.Body.String(), "s3cret")
}

func TestResolveDecryptsForAdmin(t *testing.T) {
	e, _ := newConfigTest(t)

	body, _ := json.Marshal(map[string]interface{}{"key_name": "token", "value": "s3cret", "type": "secret"})
	rec := doAuthedRequest(t, e, http.MethodPut, "/api/v1/config", string(body), adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doAuthedRequest(t, e, http.MethodGet, "/api/v1/config/resolve/token", "", adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "s3cret", out["value"])
}

func TestResolveDeniedForRegularUsers(t *testing.T) {
	e, _ := newConfigTest(t)

	rec := doAuthedRequest(t, e, http.MethodGet, "/api/v1/config/resolve/token", "", userHeaders())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUpsertRequiresAdmin(t *testing.T) {
	e, store := newConfigTest(t)

	body, _ := json.Marshal(map[string]interface{}{"key_name": "k", "value": "v", "type": "string"})
	rec := doAuthedRequest(t, e, http.MethodPut, "/api/v1/config", string(body), userHeaders())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, store.entries)
}

func TestOrgScopeOverridesGlobalOnResolve(t *testing.T) {
	e, _ := newConfigTest(t)
	orgID := uuid.New()

	global, _ := json.Marshal(map[string]interface{}{"key_name": "region", "value": "us-east-1", "type": "string"})
	rec := doAuthedRequest(t, e, http.MethodPut, "/api/v1/config", string(global), adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	scoped, _ := json.Marshal(map[string]interface{}{
		"key_name": "region", "value": "eu-west-1", "type": "string",
		"organization_id": orgID,
	})
	rec = doAuthedRequest(t, e, http.MethodPut, "/api/v1/config", string(scoped), adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doAuthedRequest(t, e, http.MethodGet, "/api/v1/config/resolve/region?org_id="+orgID.String(), "", adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "eu-west-1")
}

func TestDeleteInvalidatesScopeCache(t *testing.T) {
	e, store := newConfigTest(t)

	body, _ := json.Marshal(map[string]interface{}{"key_name": "flag", "value": "true", "type": "bool"})
	rec := doAuthedRequest(t, e, http.MethodPut, "/api/v1/config", string(body), adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	// prime the cache, then delete and resolve again
	rec = doAuthedRequest(t, e, http.MethodGet, "/api/v1/config/resolve/flag", "", adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	id := store.entries[0].ID
	rec = doAuthedRequest(t, e, http.MethodDelete, "/api/v1/config/"+id.String(), "", adminHeaders())
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doAuthedRequest(t, e, http.MethodGet, "/api/v1/config/resolve/flag", "", adminHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code, "stale cache would have answered here")
}
