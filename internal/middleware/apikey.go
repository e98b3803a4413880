// Package middleware provides shared HTTP middleware utilities.
package middleware

import (
	"context"
	"net/http"

	"tavren/internal/domain"
)

// APIKeyValidator resolves a raw API key to its record.
type APIKeyValidator interface {
	ValidateKey(ctx context.Context, rawKey string) (*domain.APIKey, error)
}

// APIKeyMiddleware authenticates buyer requests by X-API-Key header and
// injects the key's principal into the context.
type APIKeyMiddleware struct {
	keys APIKeyValidator
}

// NewAPIKeyMiddleware constructs an APIKeyMiddleware.
func NewAPIKeyMiddleware(keys APIKeyValidator) *APIKeyMiddleware {
	return &APIKeyMiddleware{keys: keys}
}

// Authenticate enforces API key auth on buyer routes.
func (m *APIKeyMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := r.Header.Get("X-API-Key")
		if rawKey == "" {
			jsonError(w, http.StatusUnauthorized, "X-API-Key header required")
			return
		}

		key, err := m.keys.ValidateKey(r.Context(), rawKey)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), ctxPrincipalKey, key.Principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
