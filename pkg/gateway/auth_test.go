package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthHandler_Authorize(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	tests := []struct {
		name   string
		target string
		header string
		want   bool
	}{
		{"should accept bearer token", "/v1/sessions", "Bearer test-secret", true},
		{"should reject wrong bearer token", "/v1/sessions", "Bearer nope", false},
		{"should reject non-bearer scheme", "/v1/sessions", "Basic test-secret", false},
		{"should accept query token", "/ws?token=test-secret", "", true},
		{"should reject wrong query token", "/ws?token=nope", "", false},
		{"should reject missing credentials", "/v1/sessions", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, auth.Authorize(r))
		})
	}
}

func TestAuthHandler_Disabled(t *testing.T) {
	auth := NewAuthHandler("")

	assert.False(t, auth.Enabled())
	assert.True(t, auth.Authorize(httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)))
}

func TestAuthHandler_Middleware(t *testing.T) {
	auth := NewAuthHandler("test-secret")
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := auth.Middleware(next)

	t.Run("should reject unauthorized requests", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "unauthorized")
		assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("should pass authorized requests through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer test-secret")
		h.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusTeapot, rec.Code)
	})
}
