package myMiddleware

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const (
	UserKey    contextKey = "user_id"
	ExpiresKey contextKey = "token_expires_at"
)

// TokenValidator is what the middleware needs from the auth verifier.
type TokenValidator interface {
	Verify(tokenString string) (userID string, expiresAt time.Time, err error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// Handle rejects requests without a valid token with 401 before any
// websocket upgrade happens, which the client treats as a terminal
// authentication failure.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := TokenFromRequest(r)
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		userID, expiresAt, err := am.validator.Verify(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, userID)
		if !expiresAt.IsZero() {
			ctx = context.WithValue(ctx, ExpiresKey, expiresAt)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TokenFromRequest reads a bearer token from the Authorization header,
// falling back to the token query parameter (browsers cannot set headers
// on websocket upgrades).
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserKey).(string)
	return userID, ok && userID != ""
}

// ExpiresAt is when the request's token stops being valid.
func ExpiresAt(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(ExpiresKey).(time.Time)
	return t, ok
}
