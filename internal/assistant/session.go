package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clubrecords/sqlassist/internal/audit"
	"github.com/clubrecords/sqlassist/internal/conversation"
	"github.com/clubrecords/sqlassist/internal/danger"
	"github.com/clubrecords/sqlassist/internal/identity"
	"github.com/clubrecords/sqlassist/internal/nl2sql"
	"github.com/clubrecords/sqlassist/internal/observability"
	"github.com/clubrecords/sqlassist/internal/policy"
	"github.com/clubrecords/sqlassist/internal/query"
	"github.com/clubrecords/sqlassist/internal/sqltext"
)

type Generator interface {
	Generate(ctx context.Context, req nl2sql.Request) (nl2sql.Response, error)
}

type PolicyBuilder interface {
	Build(ctx context.Context, id identity.Identity) (policy.Document, error)
}

// Dependencies are shared by every session a Manager creates.
type Dependencies struct {
	Generator Generator
	Policies  PolicyBuilder
	Executor  query.Executor
	Audit     audit.Recorder
	Injection *InjectionDetector
	Logger    *slog.Logger
}

func (d Dependencies) validate() error {
	if d.Generator == nil {
		return fmt.Errorf("generator is required")
	}
	if d.Policies == nil {
		return fmt.Errorf("policy builder is required")
	}
	if d.Executor == nil {
		return fmt.Errorf("query executor is required")
	}
	return nil
}

type SessionOptions struct {
	Conversation conversation.Options
	// TurnsPerMinute limits turns; zero disables the limit. A Manager shares
	// one limiter across all sessions of a user.
	TurnsPerMinute int
	TurnBurst      int
}

// Session is one user's conversation. Its identity never changes; turns run
// one at a time.
type Session struct {
	id       string
	identity identity.Identity
	deps     Dependencies
	logger   *slog.Logger
	limiter  *rate.Limiter

	mu    sync.Mutex
	store *conversation.Store
}

func NewSession(sessionID string, who identity.Identity, deps Dependencies, opts SessionOptions) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		id:       sessionID,
		identity: who,
		deps:     deps,
		logger:   logger.With(slog.String("session_id", sessionID), slog.String("role", string(who.Role))),
		limiter:  newTurnLimiter(opts),
		store:    conversation.NewStore(opts.Conversation),
	}, nil
}

// newTurnLimiter returns nil when opts does not limit turns.
func newTurnLimiter(opts SessionOptions) *rate.Limiter {
	if opts.TurnsPerMinute <= 0 {
		return nil
	}
	burst := opts.TurnBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.TurnsPerMinute)), burst)
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Identity() identity.Identity {
	return s.identity
}

// Allow reports whether another turn fits in the rate limit.
func (s *Session) Allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

func (s *Session) Turns() []conversation.Turn {
	return s.store.Turns()
}

func (s *Session) ResultContext() []conversation.ExecutedQuery {
	return s.store.ResultContext()
}

// Policy builds the document the next turn would send to the model.
func (s *Session) Policy(ctx context.Context) (policy.Document, error) {
	return s.deps.Policies.Build(ctx, s.identity)
}

// ClearConversation drops every turn and every remembered query result.
func (s *Session) ClearConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Clear()
	s.logger.Info("conversation_cleared")
}

// HandleUserTurn runs prompt through the pipeline. Every failure is reported
// in the returned TurnResult and recorded in the conversation; nothing is
// returned as an error.
func (s *Session) HandleUserTurn(ctx context.Context, prompt string) TurnResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return TurnResult{
			SessionID: s.id,
			State:     StateRejectedInput,
			Text:      "Please enter a question or request.",
			Refusal:   &Refusal{Gate: GateInput, Reason: "the prompt is empty", Err: ErrEmptyPrompt},
		}
	}

	run := &turn{session: s, ctx: ctx, prompt: prompt}
	result := run.execute()
	observability.ObserveTurn(string(result.State))
	s.logger.InfoContext(ctx, "assistant_turn",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("turn_id", result.TurnID),
		slog.String("state", string(result.State)),
		slog.Bool("dangerous", result.Dangerous),
	)
	return result
}

// turn carries the state of one pipeline run.
type turn struct {
	session *Session
	ctx     context.Context
	prompt  string
	userID  string
	doc     policy.Document
}

func (t *turn) execute() TurnResult {
	s := t.session
	history := s.store.Turns()
	resultContext := s.store.ResultContext()
	t.userID = s.store.AppendUser(t.prompt).ID

	injection := s.deps.Injection.Scan(t.prompt)
	if len(injection) > 0 {
		observability.IncrementInjectionSuspect()
		t.record(audit.Event{
			Type:        audit.EventPotentialInjection,
			Description: "prompt matches injection patterns: " + strings.Join(injection, ", "),
			Details:     map[string]any{"patterns": injection, "prompt": t.prompt},
		})
	}

	doc, err := s.deps.Policies.Build(t.ctx, s.identity)
	switch {
	case errors.Is(err, policy.ErrUnknownRole):
		s.logger.WarnContext(t.ctx, "unknown role, using no-sql policy", slog.String("error", err.Error()))
	case err != nil:
		s.logger.WarnContext(t.ctx, "policy built without schema", slog.String("error", err.Error()))
	}
	t.doc = doc

	resp, err := s.deps.Generator.Generate(t.ctx, nl2sql.Request{
		Prompt:        t.prompt,
		Policy:        doc,
		History:       history,
		ResultContext: resultContext,
	})
	observability.ObserveModelCall(resp.Duration, err != nil)
	if err != nil {
		t.record(audit.Event{Type: audit.EventApplicationError, Description: err.Error()})
		result := t.refuse(resp.Text, "", StateModelFailed, &Refusal{Gate: GateModel, Reason: err.Error(), Err: err}, false)
		result.Injection = injection
		return result
	}

	result := t.classify(resp)
	result.Injection = injection
	return result
}

func (t *turn) classify(resp nl2sql.Response) TurnResult {
	if resp.SelfFlaggedDanger {
		observability.IncrementDangerVeto("")
		reason := "the model marked this query as dangerous, so it was not executed"
		t.record(audit.Event{Type: audit.EventSecurityViolation, Description: reason, SQL: resp.FlaggedSQL, Details: map[string]any{"gate": string(GateDanger), "source": "model"}})
		return t.refuse(resp.Text, resp.FlaggedSQL, StateVetoedByParser, &Refusal{Gate: GateDanger, Reason: reason, Err: ErrDangerVeto}, true)
	}
	if !resp.Permitted {
		observability.IncrementPermissionDenial(string(t.doc.Role))
		reason := "the request needs permissions your role does not have"
		t.record(audit.Event{Type: audit.EventSecurityViolation, Description: "model refused: " + reason, Details: map[string]any{"gate": string(GatePermission), "source": "model"}})
		return t.refuse(resp.Text, "", StatePermissionDenied, &Refusal{Gate: GatePermission, Reason: reason, Err: ErrPermissionDenied}, false)
	}
	if resp.IsGeneralQuestion {
		reply := t.session.store.AppendAssistant(resp.Text, nil)
		return TurnResult{
			TurnID:         reply.ID,
			SessionID:      t.session.id,
			State:          StateGeneralAnswer,
			Text:           resp.Text,
			Classification: Classification{Permitted: true},
		}
	}
	if !resp.HasSQL() {
		reason := "the response contained code but no block under the final code heading, so nothing was executed"
		return t.refuse(resp.Text, "", StateNoExecutableSQL, &Refusal{Gate: GateParse, Reason: reason, Err: ErrNoExecutableSQL}, false)
	}

	verdict := danger.Classify(resp.SQL)
	if verdict.Dangerous {
		observability.IncrementDangerVeto(string(verdict.Rule))
		t.record(audit.Event{Type: audit.EventSecurityViolation, Description: "danger veto: " + verdict.Reason, SQL: resp.SQL, Details: map[string]any{"gate": string(GateDanger), "rule": string(verdict.Rule)}})
		return t.refuse(resp.Text, resp.SQL, StateBlocked, &Refusal{Gate: GateDanger, Reason: verdict.Reason, Err: ErrDangerVeto}, true)
	}

	decision := policy.Authorize(t.doc, resp.SQL)
	if !decision.Allowed {
		observability.IncrementPermissionDenial(string(t.doc.Role))
		t.record(audit.Event{Type: audit.EventSecurityViolation, Description: "permission denied: " + decision.Reason, SQL: resp.SQL, Details: map[string]any{"gate": string(GatePermission), "table": decision.Table, "operation": string(decision.Operation)}})
		return t.refuse(resp.Text, resp.SQL, StatePermissionDenied, &Refusal{Gate: GatePermission, Reason: decision.Reason, Err: ErrPermissionDenied}, false)
	}

	return t.run(resp)
}

func (t *turn) run(resp nl2sql.Response) TurnResult {
	s := t.session
	result := s.deps.Executor.Execute(t.ctx, resp.SQL)
	observability.ObserveQuery(string(result.Kind), result.Duration)

	executed := executedQuery(resp.SQL, result)
	reply := s.store.AppendAssistant(resp.Text, &executed)
	out := TurnResult{
		TurnID:         reply.ID,
		SessionID:      s.id,
		Text:           resp.Text,
		SQL:            resp.SQL,
		Result:         &executed,
		Classification: Classification{Permitted: true},
	}

	if result.Failed() {
		out.State = StateExecutionFailed
		gate := GateSQL
		if result.IsConnectivity() {
			gate = GateConnectivity
		}
		out.Refusal = &Refusal{Gate: gate, Reason: result.ErrorMessage(), Err: result.Err}
		t.recordTurn(reply.ID, audit.Event{Type: audit.EventApplicationError, Description: "statement failed: " + result.ErrorMessage(), SQL: resp.SQL, Details: map[string]any{"gate": string(gate)}})
		return out
	}

	out.State = StateExecuted
	t.recordTurn(reply.ID, executionEvent(resp.SQL, result))
	return out
}

// refuse records a terminal state that did not execute anything. sql is kept
// for transparency and stored as a refused query when present.
func (t *turn) refuse(text, sql string, state State, refusal *Refusal, dangerous bool) TurnResult {
	s := t.session
	if strings.TrimSpace(text) == "" {
		text = "Nothing was executed: " + refusal.Reason + "."
	}

	var executed *conversation.ExecutedQuery
	if sql != "" {
		executed = &conversation.ExecutedQuery{
			SQL:     sql,
			Kind:    conversation.ResultRefused,
			Payload: conversation.Payload{Message: string(refusal.Gate) + ": " + refusal.Reason},
			At:      time.Now().UTC(),
		}
	}
	reply := s.store.AppendAssistant(text, executed)
	return TurnResult{
		TurnID:    reply.ID,
		SessionID: s.id,
		State:     state,
		Text:      text,
		SQL:       sql,
		Result:    executed,
		Dangerous: dangerous,
		Classification: Classification{
			Permitted: false,
			Dangerous: dangerous,
			Reason:    refusal.Reason,
		},
		Refusal: refusal,
	}
}

func (t *turn) record(event audit.Event) {
	t.recordTurn(t.userID, event)
}

// recordTurn never fails the turn; a lost audit event is only logged.
func (t *turn) recordTurn(turnID string, event audit.Event) {
	s := t.session
	event.UserID = s.identity.UserID
	event.ArcherID = s.identity.ArcherID
	event.Role = string(s.identity.Role)
	event.SessionID = s.id
	event.TurnID = turnID
	if _, err := s.deps.Audit.Record(t.ctx, event); err != nil {
		s.logger.ErrorContext(t.ctx, "record security event failed",
			slog.String("event_type", string(event.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func executedQuery(sql string, result query.Result) conversation.ExecutedQuery {
	executed := conversation.ExecutedQuery{SQL: sql, At: time.Now().UTC()}
	switch result.Kind {
	case query.KindRows:
		executed.Kind = conversation.ResultRows
		executed.Payload = conversation.Payload{Columns: result.Columns, Rows: result.Rows, Truncated: result.Truncated}
	case query.KindAffected:
		executed.Kind = conversation.ResultAffected
		executed.Payload = conversation.Payload{RowsAffected: result.RowsAffected}
	default:
		executed.Kind = conversation.ResultError
		executed.Payload = conversation.Payload{Message: result.ErrorMessage()}
	}
	return executed
}

func executionEvent(sql string, result query.Result) audit.Event {
	event := audit.Event{
		Type:    audit.EventQuery,
		SQL:     sql,
		Details: map[string]any{"kind": string(result.Kind)},
	}
	if result.Kind == query.KindRows {
		event.Description = fmt.Sprintf("query returned %d rows", len(result.Rows))
		event.Details["rows"] = len(result.Rows)
		return event
	}

	event.Type = writeEventType(sql)
	event.Details["rows_affected"] = result.RowsAffected
	event.Description = fmt.Sprintf("%d rows affected", result.RowsAffected)
	return event
}

// writeEventType classifies a write batch by its first modifying statement.
func writeEventType(sql string) audit.EventType {
	for _, stmt := range sqltext.SplitStatements(sqltext.Analyzable(sql)) {
		switch sqltext.StatementKind(stmt) {
		case sqltext.KindInsert:
			return audit.EventDataCreate
		case sqltext.KindUpdate:
			return audit.EventDataUpdate
		case sqltext.KindDelete:
			return audit.EventDataDelete
		case sqltext.KindOther:
			return audit.EventSchemaChange
		}
	}
	return audit.EventQuery
}
