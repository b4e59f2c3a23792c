package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"

	"github.com/peterje/ptyhost/internal/api"
	"github.com/peterje/ptyhost/internal/tunnel"
)

// Auth checks the shared token on every request but health and metrics.
type Auth struct {
	digest []byte
}

func NewAuth(token string) *Auth {
	return &Auth{digest: digest(token)}
}

// Middleware returns an HTTP middleware that enforces authentication.
// Exempt paths: /api/health, /metrics
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !a.Valid(requestToken(r)) {
			api.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Valid compares digests so the comparison time does not depend on where
// the tokens differ or on their lengths.
func (a *Auth) Valid(token string) bool {
	if token == "" {
		return false
	}
	return hmac.Equal(digest(token), a.digest)
}

func requestToken(r *http.Request) string {
	if t := r.Header.Get(tunnel.TokenHeader); t != "" {
		return t
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return bearer
	}
	return ""
}

func digest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
