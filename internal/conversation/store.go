// Package conversation keeps one session's turn history and the rolling list
// of recent query results the model sees as context.
package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxTurns          = 40
	DefaultResultContextSize = 5
)

type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

type ResultKind string

const (
	ResultRows     ResultKind = "rows"
	ResultAffected ResultKind = "affected_count"
	ResultError    ResultKind = "error"
	ResultRefused  ResultKind = "refused"
)

// Payload is what a query produced, or why it did not run.
type Payload struct {
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	RowsAffected int64    `json:"rows_affected,omitempty"`
	Truncated    bool     `json:"truncated,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// ExecutedQuery is created once per accepted or refused SQL candidate and is
// never mutated afterwards.
type ExecutedQuery struct {
	SQL     string     `json:"sql"`
	Kind    ResultKind `json:"kind"`
	Payload Payload    `json:"payload"`
	At      time.Time  `json:"at"`
}

type Turn struct {
	ID      string         `json:"id"`
	Speaker Speaker        `json:"speaker"`
	Text    string         `json:"text"`
	Query   *ExecutedQuery `json:"query,omitempty"`
	At      time.Time      `json:"at"`
}

type Options struct {
	MaxTurns          int
	ResultContextSize int
	Now               func() time.Time
}

// Store is safe for concurrent use. Turns are append-only until Clear; the
// oldest turns and results fall off once the configured bounds are reached.
type Store struct {
	mu      sync.Mutex
	opts    Options
	turns   []Turn
	results []ExecutedQuery
}

func NewStore(opts Options) *Store {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.ResultContextSize <= 0 {
		opts.ResultContextSize = DefaultResultContextSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{opts: opts}
}

func (s *Store) AppendUser(text string) Turn {
	return s.append(SpeakerUser, text, nil)
}

// AppendAssistant records the assistant reply and, when present, the query it
// carried. The query also enters the rolling result context.
func (s *Store) AppendAssistant(text string, query *ExecutedQuery) Turn {
	return s.append(SpeakerAssistant, text, query)
}

func (s *Store) append(speaker Speaker, text string, query *ExecutedQuery) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now().UTC()
	turn := Turn{ID: uuid.NewString(), Speaker: speaker, Text: text, At: now}
	if query != nil {
		stored := *query
		if stored.At.IsZero() {
			stored.At = now
		}
		turn.Query = &stored
		s.results = append(s.results, stored)
		if overflow := len(s.results) - s.opts.ResultContextSize; overflow > 0 {
			s.results = append([]ExecutedQuery(nil), s.results[overflow:]...)
		}
	}

	s.turns = append(s.turns, turn)
	if overflow := len(s.turns) - s.opts.MaxTurns; overflow > 0 {
		s.turns = append([]Turn(nil), s.turns[overflow:]...)
	}
	return cloneTurn(turn)
}

// Turns returns a copy of every retained turn, oldest first.
func (s *Store) Turns() []Turn {
	return s.History(0)
}

// History returns at most limit of the most recent turns; limit <= 0 means all.
func (s *Store) History(limit int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if limit > 0 && len(s.turns) > limit {
		start = len(s.turns) - limit
	}
	out := make([]Turn, 0, len(s.turns)-start)
	for _, turn := range s.turns[start:] {
		out = append(out, cloneTurn(turn))
	}
	return out
}

func (s *Store) ResultContext() []ExecutedQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExecutedQuery(nil), s.results...)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Clear drops every turn and executed query of the session.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	s.results = nil
}

func cloneTurn(turn Turn) Turn {
	if turn.Query != nil {
		query := *turn.Query
		turn.Query = &query
	}
	return turn
}
