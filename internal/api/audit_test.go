package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clubrecords/sqlassist/internal/audit"
	"github.com/clubrecords/sqlassist/internal/config"
	"github.com/clubrecords/sqlassist/internal/identity"
)

type fakeAuditStore struct {
	events     []audit.Event
	lastFilter audit.Filter
	reviewed   []int64
	reviewer   int64
	summary    audit.Summary
}

func (s *fakeAuditStore) List(_ context.Context, filter audit.Filter) ([]audit.Event, error) {
	s.lastFilter = filter
	return s.events, nil
}

func (s *fakeAuditStore) MarkReviewed(_ context.Context, logIDs []int64, reviewer int64) (int64, error) {
	s.reviewed = append(s.reviewed, logIDs...)
	s.reviewer = reviewer
	return int64(len(logIDs)), nil
}

func (s *fakeAuditStore) Summary(_ context.Context, since time.Time) (audit.Summary, error) {
	summary := s.summary
	summary.Since = since
	return summary, nil
}

type fakeExporter struct {
	lastFilter audit.Filter
	cutoff     time.Time
	pruneErr   error
}

func (e *fakeExporter) Export(_ context.Context, filter audit.Filter) (audit.ExportResult, error) {
	e.lastFilter = filter
	return audit.ExportResult{Key: "exports/security_log/part.parquet", Events: 2, Since: filter.Since, Until: filter.Until}, nil
}

func (e *fakeExporter) Prune(_ context.Context, cutoff time.Time) ([]string, error) {
	e.cutoff = cutoff
	return []string{"exports/security_log/old.parquet"}, e.pruneErr
}

func newAuditHandler(t *testing.T, who identity.Identity, store *fakeAuditStore, exporter *fakeExporter) http.Handler {
	t.Helper()
	cfg, err := config.Load("sqlassist-api", mapLookup(map[string]string{"SQLASSIST_PROFILE": "test"}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	deps := Dependencies{AnonymousIdentity: &who, AuditRetention: 90 * 24 * time.Hour}
	if store != nil {
		deps.Audit = store
	}
	if exporter != nil {
		deps.AuditExporter = exporter
	}
	return NewHandler(cfg, deps)
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAuditEndpointsRequireAdmin(t *testing.T) {
	recorder := identity.Identity{UserID: 2, Role: identity.RoleRecorder}
	h := newAuditHandler(t, recorder, &fakeAuditStore{}, &fakeExporter{})

	for _, target := range []struct{ method, path string }{
		{http.MethodGet, "/v1/audit/events"},
		{http.MethodGet, "/v1/audit/summary"},
		{http.MethodPost, "/v1/audit/review"},
		{http.MethodPost, "/v1/audit/export"},
		{http.MethodPost, "/v1/audit/prune"},
	} {
		rr := serve(h, target.method, target.path, "")
		if rr.Code != http.StatusForbidden {
			t.Fatalf("%s %s: status = %d", target.method, target.path, rr.Code)
		}
	}
}

func TestAuditEndpointsReportMissingBackends(t *testing.T) {
	admin := identity.Identity{UserID: 1, Role: identity.RoleAdmin}
	h := newAuditHandler(t, admin, nil, nil)

	if rr := serve(h, http.MethodGet, "/v1/audit/events", ""); rr.Code != http.StatusNotImplemented {
		t.Fatalf("events status = %d", rr.Code)
	}
	if rr := serve(h, http.MethodPost, "/v1/audit/export", ""); rr.Code != http.StatusNotImplemented {
		t.Fatalf("export status = %d", rr.Code)
	}
}

func TestListAuditEventsParsesFilter(t *testing.T) {
	admin := identity.Identity{UserID: 1, Role: identity.RoleAdmin}
	store := &fakeAuditStore{events: []audit.Event{{LogID: 4, Type: audit.EventSecurityViolation, Severity: audit.SeverityCritical}}}
	h := newAuditHandler(t, admin, store, nil)

	rr := serve(h, http.MethodGet, "/v1/audit/events?since=2026-10-01T00:00:00Z&limit=25", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if store.lastFilter.Limit != 25 || !store.lastFilter.Since.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("filter = %+v", store.lastFilter)
	}
	var body struct {
		Events []audit.Event `json:"events"`
		Count  int           `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body.Count != 1 || body.Events[0].LogID != 4 {
		t.Fatalf("body = %+v", body)
	}

	for _, query := range []string{"?since=yesterday", "?limit=0", "?until=soon"} {
		if rr := serve(h, http.MethodGet, "/v1/audit/events"+query, ""); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", query, rr.Code)
		}
	}
}

func TestAuditReviewRecordsReviewer(t *testing.T) {
	admin := identity.Identity{UserID: 11, Role: identity.RoleAdmin}
	store := &fakeAuditStore{}
	h := newAuditHandler(t, admin, store, nil)

	rr := serve(h, http.MethodPost, "/v1/audit/review", `{"log_ids":[3,5]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if len(store.reviewed) != 2 || store.reviewer != 11 {
		t.Fatalf("reviewed = %v by %d", store.reviewed, store.reviewer)
	}

	if rr := serve(h, http.MethodPost, "/v1/audit/review", `{"log_ids":[]}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty ids status = %d", rr.Code)
	}
}

func TestAuditSummaryDefaultsToLastDay(t *testing.T) {
	admin := identity.Identity{UserID: 1, Role: identity.RoleAdmin}
	store := &fakeAuditStore{summary: audit.Summary{Total: 7, Unreviewed: 2}}
	h := newAuditHandler(t, admin, store, nil)

	rr := serve(h, http.MethodGet, "/v1/audit/summary", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var summary audit.Summary
	if err := json.Unmarshal(rr.Body.Bytes(), &summary); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if summary.Total != 7 || summary.Unreviewed != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if age := time.Since(summary.Since); age < 23*time.Hour || age > 25*time.Hour {
		t.Fatalf("since = %s", summary.Since)
	}
}

func TestAuditExportAndPrune(t *testing.T) {
	admin := identity.Identity{UserID: 1, Role: identity.RoleAdmin}
	exporter := &fakeExporter{}
	h := newAuditHandler(t, admin, nil, exporter)

	rr := serve(h, http.MethodPost, "/v1/audit/export", `{"since":"2026-10-01T00:00:00Z","until":"2026-10-02T00:00:00Z"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("export status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if !exporter.lastFilter.Until.Equal(time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("filter = %+v", exporter.lastFilter)
	}
	if rr := serve(h, http.MethodPost, "/v1/audit/export", `{"since":"2026-10-02T00:00:00Z","until":"2026-10-01T00:00:00Z"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("inverted window status = %d", rr.Code)
	}

	rr = serve(h, http.MethodPost, "/v1/audit/prune", `{"older_than":"48h"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("prune status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if age := time.Since(exporter.cutoff); age < 47*time.Hour || age > 49*time.Hour {
		t.Fatalf("cutoff = %s", exporter.cutoff)
	}

	rr = serve(h, http.MethodPost, "/v1/audit/prune", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("default prune status = %d", rr.Code)
	}
	if age := time.Since(exporter.cutoff); age < 89*24*time.Hour {
		t.Fatalf("default cutoff = %s", exporter.cutoff)
	}

	exporter.pruneErr = errors.New("bucket gone")
	rr = serve(h, http.MethodPost, "/v1/audit/prune", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("failing prune status = %d", rr.Code)
	}
}
