package auth

import (
	"context"
	"encoding/json"
	"net/http"
)

// UserIDHeader carries the acting user's id on every request. A real
// deployment would resolve it from a session or JWT; this stands in for
// that collaborator.
const UserIDHeader = "X-User-ID"

type ctxKey struct{}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the acting user id stored in the request context.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Middleware resolves the acting user from the X-User-ID header, falling
// back to defaultUserID when the header is absent. Requests with no
// resolvable identity are rejected.
func Middleware(defaultUserID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get(UserIDHeader)
			if userID == "" {
				userID = defaultUserID
			}
			if userID == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing user identity"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
