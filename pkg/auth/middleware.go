package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mcclellann/sinkfund/pkg/models"
)

type contextKey string

const identityKey contextKey = "identity"

// UserRecorder keeps the local profile cache in sync with resolved identities.
type UserRecorder interface {
	UpsertUser(ctx context.Context, user *models.User) error
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the authenticated caller, or nil.
func IdentityFrom(ctx context.Context) *models.Identity {
	id, _ := ctx.Value(identityKey).(*models.Identity)
	return id
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// RequireAuth rejects requests without a valid bearer token and stores the
// resolved identity in the request context. When users is non-nil the
// identity is cached as a user profile; a failed cache write is logged and
// does not fail the request.
func RequireAuth(resolver Resolver, users UserRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver.Resolve(r.Context(), BearerToken(r))
			if err != nil {
				slog.Debug("Authentication failed", "path", r.URL.Path, "error", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"authentication required"}`))
				return
			}

			if users != nil {
				u := &models.User{ID: id.ID, Email: id.Email, Name: id.Name, Image: id.Image, UpdatedAt: time.Now().UTC()}
				if err := users.UpsertUser(r.Context(), u); err != nil {
					slog.Warn("Failed to cache user profile", "user_id", id.ID, "error", err)
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
