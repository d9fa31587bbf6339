package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/api200/gateway/internal/auth"
)

// AdminAuth guards the admin API with an HS256 bearer token carrying the
// admin role.
type AdminAuth struct {
	jwtSecret string
}

func NewAdminAuth(jwtSecret string) *AdminAuth {
	return &AdminAuth{jwtSecret: jwtSecret}
}

func (m *AdminAuth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Missing authorization"})
			return
		}

		bearerToken := strings.TrimPrefix(authHeader, "Bearer ")
		if bearerToken == authHeader {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid authorization format"})
			return
		}

		claims, err := auth.ValidateToken(bearerToken, m.jwtSecret)
		if err != nil {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
			return
		}
		if !claims.IsAdmin() {
			respondJSON(w, http.StatusForbidden, map[string]string{"error": "Admin access required"})
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetClaims(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(ClaimsKey).(*auth.Claims)
	return claims
}
