package sqlassistctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	SessionID  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type request struct {
	method       string
	path         string
	body         []byte
	needsSession bool
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("sqlassistctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sqlassist API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	sessionID := fs.String("session", defaults.SessionID, "conversation session id (X-Session-ID)")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 90*time.Second), "HTTP timeout (e.g. 90s)")
	since := fs.String("since", "", "RFC3339 lower bound for audit commands")
	until := fs.String("until", "", "RFC3339 upper bound for audit-export")
	limit := fs.Int("limit", 0, "maximum events for audit-events")
	olderThan := fs.String("older-than", "", "retention window for audit-prune (e.g. 720h)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	var req request
	switch command {
	case "health":
		req = request{method: http.MethodGet, path: "/v1/health"}
	case "ready":
		req = request{method: http.MethodGet, path: "/v1/ready"}
	case "policy":
		req = request{method: http.MethodGet, path: "/v1/assistant/policy"}
	case "ask":
		prompt := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
		if prompt == "" {
			_, _ = fmt.Fprintln(stderr, "ask needs a prompt")
			return 2
		}
		body, err := json.Marshal(map[string]string{"prompt": prompt})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "encode prompt: %v\n", err)
			return 1
		}
		req = request{method: http.MethodPost, path: "/v1/assistant/turns", body: body}
	case "history":
		req = request{method: http.MethodGet, path: "/v1/assistant/conversation", needsSession: true}
	case "clear":
		req = request{method: http.MethodDelete, path: "/v1/assistant/conversation", needsSession: true}
	case "audit-events":
		query := url.Values{}
		if *since != "" {
			query.Set("since", *since)
		}
		if *limit > 0 {
			query.Set("limit", fmt.Sprint(*limit))
		}
		path := "/v1/audit/events"
		if encoded := query.Encode(); encoded != "" {
			path += "?" + encoded
		}
		req = request{method: http.MethodGet, path: path}
	case "audit-summary":
		path := "/v1/audit/summary"
		if *since != "" {
			path += "?" + url.Values{"since": {*since}}.Encode()
		}
		req = request{method: http.MethodGet, path: path}
	case "audit-export":
		payload := map[string]string{}
		if *since != "" {
			payload["since"] = *since
		}
		if *until != "" {
			payload["until"] = *until
		}
		body, err := json.Marshal(payload)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "encode export window: %v\n", err)
			return 1
		}
		req = request{method: http.MethodPost, path: "/v1/audit/export", body: body}
	case "audit-prune":
		body, err := json.Marshal(map[string]string{"older_than": *olderThan})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "encode prune request: %v\n", err)
			return 1
		}
		req = request{method: http.MethodPost, path: "/v1/audit/prune", body: body}
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
	if req.needsSession && strings.TrimSpace(*sessionID) == "" {
		_, _ = fmt.Fprintf(stderr, "%s needs -session\n", command)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, header, responseBody, err := doRequest(ctx, client, req.method, endpoint, req.body, *apiKey, *sessionID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}
	if issued := header.Get("X-Session-ID"); issued != "" && issued != strings.TrimSpace(*sessionID) {
		_, _ = fmt.Fprintf(stderr, "session: %s\n", issued)
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func doRequest(ctx context.Context, client *http.Client, method, endpoint string, body []byte, apiKey, sessionID string) (int, http.Header, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}
	if strings.TrimSpace(sessionID) != "" {
		req.Header.Set("X-Session-ID", strings.TrimSpace(sessionID))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: sqlassistctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health               GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  policy               GET /v1/assistant/policy")
	_, _ = fmt.Fprintln(w, "  ask <prompt...>      POST /v1/assistant/turns")
	_, _ = fmt.Fprintln(w, "  history              GET /v1/assistant/conversation (needs -session)")
	_, _ = fmt.Fprintln(w, "  clear                DELETE /v1/assistant/conversation (needs -session)")
	_, _ = fmt.Fprintln(w, "  audit-events         GET /v1/audit/events")
	_, _ = fmt.Fprintln(w, "  audit-summary        GET /v1/audit/summary")
	_, _ = fmt.Fprintln(w, "  audit-export         POST /v1/audit/export")
	_, _ = fmt.Fprintln(w, "  audit-prune          POST /v1/audit/prune")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
