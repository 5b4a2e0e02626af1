package middleware

import (
	"net/http"
	"strings"

	"pairquiz/internal/service"
)

// AuthMiddleware guards the diagnostics endpoints with an admin JWT.
type AuthMiddleware struct {
	authSvc *service.AuthService
}

func NewAuthMiddleware(authSvc *service.AuthService) *AuthMiddleware {
	return &AuthMiddleware{authSvc: authSvc}
}

// RequireAdmin validates a Bearer admin token.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, err := m.authSvc.ValidateAdminToken(token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
