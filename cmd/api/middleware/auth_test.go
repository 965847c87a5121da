package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-hq/bifrost/common/models"
)

func callerFor(t *testing.T, headers map[string]string) *models.Caller {
	t.Helper()
	e := echo.New()
	e.Use(Identity())

	var caller *models.Caller
	e.GET("/", func(c echo.Context) error {
		caller = CallerFrom(c)
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, caller)
	return caller
}

func TestIdentityParsesHeaders(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()
	keyID := uuid.New()

	caller := callerFor(t, map[string]string{
		"X-User-ID":        userID.String(),
		"X-Org-ID":         orgID.String(),
		"X-API-Key":        keyID.String(),
		"X-Platform-Admin": "true",
		"X-User-Roles":     "analyst, operator",
	})

	require.NotNil(t, caller.UserID)
	assert.Equal(t, userID, *caller.UserID)
	require.NotNil(t, caller.OrganizationID)
	assert.Equal(t, orgID, *caller.OrganizationID)
	require.NotNil(t, caller.APIKeyID)
	assert.Equal(t, keyID, *caller.APIKeyID)
	assert.True(t, caller.IsPlatformAdmin)
	assert.True(t, caller.IsAPIKey())
	assert.Equal(t, []string{"analyst", "operator"}, caller.Roles)
}

func TestIdentityAnonymousWithoutHeaders(t *testing.T) {
	caller := callerFor(t, nil)

	assert.Nil(t, caller.UserID)
	assert.Nil(t, caller.OrganizationID)
	assert.False(t, caller.IsPlatformAdmin)
	assert.False(t, caller.IsAPIKey())
}

func TestIdentityIgnoresMalformedIDs(t *testing.T) {
	caller := callerFor(t, map[string]string{
		"X-User-ID":        "not-a-uuid",
		"X-Platform-Admin": "yes", // only the literal "true" grants admin
	})

	assert.Nil(t, caller.UserID)
	assert.False(t, caller.IsPlatformAdmin)
}
