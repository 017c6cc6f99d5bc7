package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clubrecords/sqlassist/internal/audit"
	"github.com/clubrecords/sqlassist/internal/identity"
)

const defaultAuditWindow = 24 * time.Hour

type reviewRequest struct {
	LogIDs []int64 `json:"log_ids"`
}

type exportRequest struct {
	Since *time.Time `json:"since"`
	Until *time.Time `json:"until"`
}

type pruneRequest struct {
	OlderThan string `json:"older_than"`
}

func handleListAuditEvents(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Audit == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AUDIT_NOT_CONFIGURED", "audit log is not persisted", false, nil)
		return
	}
	if _, err := requireRole(r, identity.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FILTER", err.Error(), false, nil)
		return
	}
	events, err := deps.Audit.List(r.Context(), filter)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "AUDIT_LIST_FAILED", "failed to list audit events", true, map[string]any{"details": err.Error()})
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func handleAuditSummary(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Audit == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AUDIT_NOT_CONFIGURED", "audit log is not persisted", false, nil)
		return
	}
	if _, err := requireRole(r, identity.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	since := time.Now().UTC().Add(-defaultAuditWindow)
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FILTER", "since must be RFC3339", false, nil)
			return
		}
		since = parsed
	}
	summary, err := deps.Audit.Summary(r.Context(), since)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "AUDIT_SUMMARY_FAILED", "failed to summarise audit events", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func handleAuditReview(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Audit == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AUDIT_NOT_CONFIGURED", "audit log is not persisted", false, nil)
		return
	}
	who, err := requireRole(r, identity.RoleAdmin)
	if err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request reviewRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid review request body", false, map[string]any{"details": err.Error()})
		return
	}
	if len(request.LogIDs) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "LOG_IDS_REQUIRED", "log_ids must not be empty", false, nil)
		return
	}

	updated, err := deps.Audit.MarkReviewed(r.Context(), request.LogIDs, who.UserID)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "AUDIT_REVIEW_FAILED", "failed to mark events reviewed", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviewed": updated, "reviewed_by": who.UserID})
}

func handleAuditExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.AuditExporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "audit export requires the object store", false, nil)
		return
	}
	if _, err := requireRole(r, identity.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request exportRequest
	if r.ContentLength != 0 {
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&request); err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid export request body", false, map[string]any{"details": err.Error()})
			return
		}
	}
	filter := audit.Filter{Since: time.Now().UTC().Add(-defaultAuditWindow)}
	if request.Since != nil {
		filter.Since = *request.Since
	}
	if request.Until != nil {
		filter.Until = *request.Until
	}
	if !filter.Until.IsZero() && !filter.Until.After(filter.Since) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FILTER", "until must be after since", false, nil)
		return
	}

	result, err := deps.AuditExporter.Export(r.Context(), filter)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_FAILED", "audit export failed", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleAuditPrune(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.AuditExporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "audit export requires the object store", false, nil)
		return
	}
	if _, err := requireRole(r, identity.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request pruneRequest
	if r.ContentLength != 0 {
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&request); err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid prune request body", false, map[string]any{"details": err.Error()})
			return
		}
	}
	retention := deps.AuditRetention
	if strings.TrimSpace(request.OlderThan) != "" {
		parsed, err := time.ParseDuration(request.OlderThan)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_RETENTION", "older_than must be a duration", false, nil)
			return
		}
		retention = parsed
	}
	if retention <= 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_RETENTION", "retention must be positive", false, nil)
		return
	}

	cutoff := time.Now().UTC().Add(-retention)
	deleted, err := deps.AuditExporter.Prune(r.Context(), cutoff)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "PRUNE_FAILED", "audit export prune failed", true, map[string]any{
			"details": err.Error(),
			"deleted": deleted,
		})
		return
	}
	if deleted == nil {
		deleted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "cutoff": cutoff})
}

func auditFilterFromQuery(r *http.Request) (audit.Filter, error) {
	values := r.URL.Query()
	filter := audit.Filter{}
	if raw := strings.TrimSpace(values.Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("since must be RFC3339")
		}
		filter.Since = parsed
	}
	if raw := strings.TrimSpace(values.Get("until")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("until must be RFC3339")
		}
		filter.Until = parsed
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return audit.Filter{}, fmt.Errorf("limit must be a positive integer")
		}
		filter.Limit = parsed
	}
	return filter, nil
}
