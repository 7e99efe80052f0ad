package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthHandler checks the shared secret on incoming requests. An empty
// secret disables authentication.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether a secret is configured.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// VerifyToken compares token with the shared secret in constant time.
func (a *AuthHandler) VerifyToken(token string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.sharedSecret)) == 1
}

// Authorize extracts the token from the Authorization bearer header, or
// from the token query parameter for websocket clients that cannot set
// headers.
func (a *AuthHandler) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		return ok && a.VerifyToken(strings.TrimSpace(token))
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return a.VerifyToken(token)
	}
	return false
}

// Middleware rejects unauthorized requests with 401.
func (a *AuthHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Authorize(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="taskpilot"`)
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
