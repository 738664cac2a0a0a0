package middleware

import (
	"context"
	"net/http"

	"pigeon/internal/auth"
)

type contextKey string

const UsernameKey contextKey = "username"

// Username returns the authenticated identity placed in the context by
// AuthMiddleware, or "" when the request was not authenticated.
func Username(ctx context.Context) string {
	username, _ := ctx.Value(UsernameKey).(string)
	return username
}

// AuthMiddleware verifies the signed username cookie set at login and puts
// the identity into the request context.
func AuthMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie("username")
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			username, err := auth.VerifyCookie(cookie.Value, secret)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UsernameKey, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
