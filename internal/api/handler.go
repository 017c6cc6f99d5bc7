package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clubrecords/sqlassist/internal/assistant"
	"github.com/clubrecords/sqlassist/internal/audit"
	"github.com/clubrecords/sqlassist/internal/auth"
	"github.com/clubrecords/sqlassist/internal/config"
	"github.com/clubrecords/sqlassist/internal/identity"
	"github.com/clubrecords/sqlassist/internal/observability"
)

type ReadinessCheck func(ctx context.Context) error

// SessionProvider hands out per-session pipelines keyed by the X-Session-ID
// header.
type SessionProvider interface {
	Session(sessionID string, who identity.Identity) (*assistant.Session, error)
	Lookup(sessionID string, who identity.Identity) (*assistant.Session, bool)
}

type AuditStore interface {
	List(ctx context.Context, filter audit.Filter) ([]audit.Event, error)
	MarkReviewed(ctx context.Context, logIDs []int64, reviewer int64) (int64, error)
	Summary(ctx context.Context, since time.Time) (audit.Summary, error)
}

type AuditExporter interface {
	Export(ctx context.Context, filter audit.Filter) (audit.ExportResult, error)
	Prune(ctx context.Context, cutoff time.Time) ([]string, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Sessions          SessionProvider
	Policies          assistant.PolicyBuilder
	Audit             AuditStore
	AuditExporter     AuditExporter
	// AuditRetention is how long exported objects are kept when a prune
	// request does not say otherwise.
	AuditRetention    time.Duration
	// AnonymousIdentity is used for every request when auth is not required.
	AnonymousIdentity *identity.Identity
}

// routes are the paths served by NewHandler, used as metric labels.
var routes = []string{
	"/v1/health",
	"/v1/ready",
	"/v1/metrics",
	"/v1/assistant/turns",
	"/v1/assistant/conversation",
	"/v1/assistant/policy",
	"/v1/audit/events",
	"/v1/audit/summary",
	"/v1/audit/review",
	"/v1/audit/export",
	"/v1/audit/prune",
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/assistant/turns", func(w http.ResponseWriter, r *http.Request) {
		handleTurn(deps, w, r)
	})
	protected.HandleFunc("GET /v1/assistant/conversation", func(w http.ResponseWriter, r *http.Request) {
		handleGetConversation(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/assistant/conversation", func(w http.ResponseWriter, r *http.Request) {
		handleClearConversation(deps, w, r)
	})
	protected.HandleFunc("GET /v1/assistant/policy", func(w http.ResponseWriter, r *http.Request) {
		handlePolicy(deps, w, r)
	})
	protected.HandleFunc("GET /v1/audit/events", func(w http.ResponseWriter, r *http.Request) {
		handleListAuditEvents(deps, w, r)
	})
	protected.HandleFunc("GET /v1/audit/summary", func(w http.ResponseWriter, r *http.Request) {
		handleAuditSummary(deps, w, r)
	})
	protected.HandleFunc("POST /v1/audit/review", func(w http.ResponseWriter, r *http.Request) {
		handleAuditReview(deps, w, r)
	})
	protected.HandleFunc("POST /v1/audit/export", func(w http.ResponseWriter, r *http.Request) {
		handleAuditExport(deps, w, r)
	})
	protected.HandleFunc("POST /v1/audit/prune", func(w http.ResponseWriter, r *http.Request) {
		handleAuditPrune(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	} else {
		anonymous := auth.DevelopmentIdentity
		if deps.AnonymousIdentity != nil {
			anonymous = *deps.AnonymousIdentity
		}
		protectedHandler = auth.Anonymous(anonymous)(protectedHandler)
	}
	mux.Handle("/v1/assistant/", protectedHandler)
	mux.Handle("/v1/audit/", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware(routes...),
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckDatabase pings the records database.
func CheckDatabase(ping func(ctx context.Context) error) ReadinessCheck {
	return func(ctx context.Context) error {
		if ping == nil {
			return errors.New("records database is not configured")
		}
		if err := ping(ctx); err != nil {
			return fmt.Errorf("records database: %w", err)
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.ObjectStore.Enabled {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

// CheckObjectStore probes the bucket. A nil probe means no object store is
// configured and the check passes.
func CheckObjectStore(probe func(ctx context.Context) error) ReadinessCheck {
	return func(ctx context.Context) error {
		if probe == nil {
			return nil
		}
		if err := probe(ctx); err != nil {
			return fmt.Errorf("object store: %w", err)
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func identityFromRequest(r *http.Request) (identity.Identity, error) {
	who, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return identity.Identity{}, fmt.Errorf("identity context is required")
	}
	return who, nil
}

func requireRole(r *http.Request, roles ...identity.Role) (identity.Identity, error) {
	who, err := identityFromRequest(r)
	if err != nil {
		return identity.Identity{}, err
	}
	for _, role := range roles {
		if who.Role == role {
			return who, nil
		}
	}
	return identity.Identity{}, fmt.Errorf("role %q is not allowed here", who.Role)
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
