package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/clubrecords/sqlassist/internal/assistant"
	"github.com/clubrecords/sqlassist/internal/conversation"
	"github.com/clubrecords/sqlassist/internal/policy"
)

const (
	sessionHeader      = "X-Session-ID"
	maxSessionIDLength = 128
	maxPromptBodyBytes = 64 << 10
)

type turnRequest struct {
	Prompt string `json:"prompt"`
}

type conversationResponse struct {
	SessionID     string                       `json:"session_id"`
	Turns         []conversation.Turn          `json:"turns"`
	ResultContext []conversation.ExecutedQuery `json:"result_context"`
}

func handleTurn(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASSISTANT_NOT_CONFIGURED", "assistant is not configured", false, nil)
		return
	}
	who, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "IDENTITY_REQUIRED", err.Error(), false, nil)
		return
	}

	var request turnRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPromptBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid turn request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Prompt) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "PROMPT_REQUIRED", "prompt is required", false, nil)
		return
	}

	sessionID, err := sessionIDFromRequest(r, true)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SESSION_ID", err.Error(), false, nil)
		return
	}
	session, err := deps.Sessions.Session(sessionID, who)
	if errors.Is(err, assistant.ErrSessionOwned) {
		writeError(r.Context(), w, http.StatusConflict, "SESSION_CONFLICT", "session id belongs to another user; start a new session", false, map[string]any{"session_id": sessionID})
		return
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_FAILED", "failed to open session", true, map[string]any{"details": err.Error()})
		return
	}
	w.Header().Set(sessionHeader, sessionID)
	if !session.Allow() {
		writeError(r.Context(), w, http.StatusTooManyRequests, "RATE_LIMITED", "too many turns, slow down", true, map[string]any{"session_id": sessionID, "user_id": who.UserID})
		return
	}

	result := session.HandleUserTurn(r.Context(), request.Prompt)
	writeJSON(w, http.StatusOK, result)
}

func handleGetConversation(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASSISTANT_NOT_CONFIGURED", "assistant is not configured", false, nil)
		return
	}
	who, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "IDENTITY_REQUIRED", err.Error(), false, nil)
		return
	}
	sessionID, err := sessionIDFromRequest(r, false)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SESSION_ID", err.Error(), false, nil)
		return
	}

	response := conversationResponse{
		SessionID:     sessionID,
		Turns:         []conversation.Turn{},
		ResultContext: []conversation.ExecutedQuery{},
	}
	if session, ok := deps.Sessions.Lookup(sessionID, who); ok {
		response.Turns = session.Turns()
		response.ResultContext = session.ResultContext()
	}
	writeJSON(w, http.StatusOK, response)
}

func handleClearConversation(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASSISTANT_NOT_CONFIGURED", "assistant is not configured", false, nil)
		return
	}
	who, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "IDENTITY_REQUIRED", err.Error(), false, nil)
		return
	}
	sessionID, err := sessionIDFromRequest(r, false)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SESSION_ID", err.Error(), false, nil)
		return
	}

	if session, ok := deps.Sessions.Lookup(sessionID, who); ok {
		session.ClearConversation()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "session_id": sessionID})
}

func handlePolicy(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Policies == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "POLICY_NOT_CONFIGURED", "policy builder is not configured", false, nil)
		return
	}
	who, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "IDENTITY_REQUIRED", err.Error(), false, nil)
		return
	}

	doc, err := deps.Policies.Build(r.Context(), who)
	warnings := []string{}
	if errors.Is(err, policy.ErrUnknownRole) {
		warnings = append(warnings, "role is not recognised; SQL is disabled")
	}
	if errors.Is(err, policy.ErrSchemaUnavailable) {
		warnings = append(warnings, "schema document is unavailable")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":       doc.Role,
		"allows_sql": doc.AllowsSQL,
		"text":       doc.Text,
		"warnings":   warnings,
	})
}

// sessionIDFromRequest reads X-Session-ID. When issue is set a missing header
// gets a fresh id; otherwise it is an error.
func sessionIDFromRequest(r *http.Request, issue bool) (string, error) {
	sessionID := strings.TrimSpace(r.Header.Get(sessionHeader))
	if sessionID == "" {
		if !issue {
			return "", errors.New("X-Session-ID header is required")
		}
		return uuid.NewString(), nil
	}
	if len(sessionID) > maxSessionIDLength {
		return "", errors.New("X-Session-ID header is too long")
	}
	return sessionID, nil
}
