package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/clubrecords/sqlassist/internal/identity"
	"github.com/clubrecords/sqlassist/internal/observability"
)

type contextKey struct{}

func WithIdentity(ctx context.Context, who identity.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, who)
}

func IdentityFromContext(ctx context.Context) (identity.Identity, bool) {
	who, ok := ctx.Value(contextKey{}).(identity.Identity)
	return who, ok
}

// DevelopmentIdentity is attached to every request when auth is disabled.
var DevelopmentIdentity = identity.Identity{UserID: 1, Name: "development", Role: identity.RoleAdmin}

// Anonymous attaches a fixed identity so handlers see the same context shape
// with and without auth.
func Anonymous(who identity.Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), who)))
		})
	}
}

// Middleware resolves the caller's club identity from an API key. Requests
// without a valid key never reach next.
func Middleware(logger *slog.Logger, validator APIKeyValidator) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, source := credential(r)
			if key == "" {
				observability.IncrementAuthFailure("missing")
				reject(w, r, "missing API key")
				return
			}

			who, ok := validator.Validate(r.Context(), key)
			if !ok {
				observability.IncrementAuthFailure("invalid")
				logger.LogAttrs(r.Context(), slog.LevelWarn, "authentication failed",
					slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
					slog.String("credential_source", source),
					slog.String("path", r.URL.Path),
				)
				reject(w, r, "invalid API key")
				return
			}

			logger.LogAttrs(r.Context(), slog.LevelDebug, "authenticated",
				slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
				slog.Int64("user_id", who.UserID),
				slog.String("role", string(who.Role)),
			)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), who)))
		})
	}
}

// credential returns the presented key and the header it came from. The
// X-API-Key header wins over a bearer token.
func credential(r *http.Request) (string, string) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, "x-api-key"
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", ""
	}
	return strings.TrimSpace(token), "bearer"
}

func reject(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="sqlassist"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": "UNAUTHORIZED",
		"message":    message,
		"retryable":  false,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
