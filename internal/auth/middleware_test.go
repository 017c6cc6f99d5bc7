package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/clubrecords/sqlassist/internal/identity"
)

func TestStaticAPIKeyValidatorParsing(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:7:7:Archer:Robin, k2:2:0:recorder")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	if validator.Len() != 2 {
		t.Fatalf("Len() = %d", validator.Len())
	}
	who, ok := validator.Validate(context.Background(), "k1")
	if !ok {
		t.Fatal("expected key to be valid")
	}
	want := identity.Identity{UserID: 7, ArcherID: 7, Name: "Robin", Role: identity.RoleArcher}
	if who != want {
		t.Fatalf("identity = %+v, want %+v", who, want)
	}
	who, ok = validator.Validate(context.Background(), "k2")
	if !ok || who.Role != identity.RoleRecorder || who.Name != "" {
		t.Fatalf("identity = %+v, ok = %v", who, ok)
	}
	if _, ok := validator.Validate(context.Background(), "missing"); ok {
		t.Fatal("unexpected identity for unknown key")
	}
}

func TestStaticAPIKeyValidatorRejectsBadSpec(t *testing.T) {
	specs := []string{
		"invalid",
		"k1:x:0:Admin",
		"k1:1:0:Superuser",
		"k1:1:0:Archer",
		":1:0:Admin",
		"k1:1:0:Admin,k1:2:0:Recorder",
	}
	for _, spec := range specs {
		if _, err := NewStaticAPIKeyValidator(spec); err == nil {
			t.Fatalf("expected parse error for %q", spec)
		}
	}
}

func TestMiddlewareRequiresKey(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:1:0:Admin")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(slog.New(slog.NewJSONHandler(io.Discard, nil)), validator)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/assistant/turns", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/assistant/turns", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestMiddlewareInjectsIdentity(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:7:7:Archer")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(nil, validator)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		if who.ArcherID != 7 || who.Role != identity.RoleArcher {
			t.Fatalf("identity = %+v", who)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, header := range []string{"X-API-Key", "Authorization"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/assistant/conversation", nil)
		if header == "Authorization" {
			req.Header.Set(header, "Bearer k1")
		} else {
			req.Header.Set(header, "k1")
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s: status = %d", header, rr.Code)
		}
	}
}

func TestAnonymousAttachesIdentity(t *testing.T) {
	handler := Anonymous(DevelopmentIdentity)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, ok := IdentityFromContext(r.Context())
		if !ok || who != DevelopmentIdentity {
			t.Fatalf("identity = %+v, ok = %v", who, ok)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCredentialSources(t *testing.T) {
	tests := []struct {
		header, value string
		key, source   string
	}{
		{header: "X-API-Key", value: " k1 ", key: "k1", source: "x-api-key"},
		{header: "Authorization", value: "bearer k2", key: "k2", source: "bearer"},
		{header: "Authorization", value: "Basic dXNlcjpwYXNz"},
		{header: "Authorization", value: "Bearer"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/v1/assistant/conversation", nil)
		req.Header.Set(tt.header, tt.value)
		key, source := credential(req)
		if key != tt.key || source != tt.source {
			t.Fatalf("%s=%q: credential() = %q/%q, want %q/%q", tt.header, tt.value, key, source, tt.key, tt.source)
		}
	}
}

func TestRejectionAdvertisesBearerScheme(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:1:0:Admin")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}
	handler := Middleware(nil, validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a key")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/audit/events", nil))
	if rr.Code != http.StatusUnauthorized || !strings.HasPrefix(rr.Header().Get("WWW-Authenticate"), "Bearer") {
		t.Fatalf("status = %d, header = %q", rr.Code, rr.Header().Get("WWW-Authenticate"))
	}
}
