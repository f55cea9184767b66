package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey int

const userIdKey contextKey = iota

// Middleware authenticates requests via the Authorization bearer token and
// stores the user id in the request context. Requests without a valid token
// are rejected before reaching the handler.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing or malformed authorization header", http.StatusUnauthorized)
			return
		}

		userId, err := s.ParseAccessToken(token)
		if err != nil {
			http.Error(w, "invalid or expired access token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIdKey, userId)))
	})
}

// UserId returns the authenticated user id placed in the context by
// Middleware. The second return is false for unauthenticated contexts.
func UserId(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIdKey).(uuid.UUID)
	return id, ok
}
