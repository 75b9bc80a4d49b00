package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authedServer(secret string) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return authMiddleware(secret, next)
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	rec := httptest.NewRecorder()
	authedServer("").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRejectsMissingToken(t *testing.T) {
	rec := httptest.NewRecorder()
	authedServer("secret").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsBadToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	authedServer("secret").ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsTokenSignedWithOtherSecret(t *testing.T) {
	token, err := IssueToken("other-secret", "ui", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	authedServer("secret").ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthAcceptsIssuedToken(t *testing.T) {
	token, err := IssueToken("secret", "ui", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	authedServer("secret").ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	token, err := IssueToken("secret", "ui", -time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	authedServer("secret").ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthExemptFromAuth(t *testing.T) {
	rec := httptest.NewRecorder()
	authedServer("secret").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
