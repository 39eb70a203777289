package middleware

import (
	"context"
	"net/http"
	"strings"

	"campo-sync/pkg/jwt"
	"campo-sync/pkg/response"
)

type contextKey string

const (
	PrincipalKey contextKey = "principal"
	RolesKey     contextKey = "roles"
)

// AuthMiddleware accepts the locally signed token issued at login. It does
// not contact the remote, so the API keeps working offline.
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				response.Unauthorized(w, "Missing or malformed authorization header")
				return
			}

			claims, err := jwt.ValidateToken(token, jwtSecret)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			ctx := WithPrincipal(r.Context(), claims.Name, claims.Roles)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken reads the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

func WithPrincipal(ctx context.Context, name string, roles []string) context.Context {
	ctx = context.WithValue(ctx, PrincipalKey, name)
	return context.WithValue(ctx, RolesKey, roles)
}

func GetPrincipal(r *http.Request) string {
	name, ok := r.Context().Value(PrincipalKey).(string)
	if !ok {
		return ""
	}
	return name
}

func GetRoles(r *http.Request) []string {
	roles, _ := r.Context().Value(RolesKey).([]string)
	return roles
}
