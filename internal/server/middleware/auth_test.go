package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func callAuth(t *testing.T, apiKey string, exempt []string, path string, header map[string]string) int {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := Auth(apiKey, exempt...)(next)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestAuthDisabledWhenKeyEmpty(t *testing.T) {
	t.Parallel()
	assert.Equal(t, http.StatusOK, callAuth(t, "", nil, "/api/status", nil))
}

func TestAuthRejectsMissingAndWrongToken(t *testing.T) {
	t.Parallel()
	assert.Equal(t, http.StatusUnauthorized, callAuth(t, "secret", nil, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, callAuth(t, "secret", nil, "/api/status", map[string]string{
		"X-API-Key": "nope",
	}))
}

func TestAuthAcceptsBearerAndHeaderKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, http.StatusOK, callAuth(t, "secret", nil, "/api/status", map[string]string{
		"Authorization": "Bearer secret",
	}))
	assert.Equal(t, http.StatusOK, callAuth(t, "secret", nil, "/api/status", map[string]string{
		"X-API-Key": "secret",
	}))
}

func TestAuthExemptPaths(t *testing.T) {
	t.Parallel()
	exempt := []string{"/webhook", "/api/health"}
	assert.Equal(t, http.StatusOK, callAuth(t, "secret", exempt, "/webhook", nil))
	assert.Equal(t, http.StatusOK, callAuth(t, "secret", exempt, "/api/health", nil))
	assert.Equal(t, http.StatusUnauthorized, callAuth(t, "secret", exempt, "/api/pending", nil))
}
