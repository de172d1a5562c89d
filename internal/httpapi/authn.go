package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tiercore.io/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

func (a *API) withAuth(next http.Handler) http.Handler {
	if !a.requireAuth {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		if tenant := r.Header.Get(tenantHeader); tenant != "" && !claims.AllowsTenant(tenant) {
			writeError(w, r, http.StatusForbidden, "token is not scoped to tenant "+tenant)
			return
		}
		ctx := auth.ContextWithUser(r.Context(), claims.Subject, claims.Tenants, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
