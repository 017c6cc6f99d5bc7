// Package nl2sql turns a user request into a model response and extracts the
// SQL, if any, that the model marked for execution.
package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clubrecords/sqlassist/internal/conversation"
	"github.com/clubrecords/sqlassist/internal/policy"
)

var ErrModelCall = errors.New("model call failed")

const (
	DefaultHistoryTurns = 10
	DefaultDialect      = "PostgreSQL"
)

type Request struct {
	Prompt        string
	Policy        policy.Document
	History       []conversation.Turn
	ResultContext []conversation.ExecutedQuery
}

type Response struct {
	Text              string
	SQL               string
	IsGeneralQuestion bool
	Permitted         bool
	SelfFlaggedDanger bool
	FlaggedSQL        string
	HasCodeBlocks     bool
	Model             string
	Duration          time.Duration
}

func (r Response) HasSQL() bool {
	return r.SQL != ""
}

type Generator struct {
	model        Model
	historyTurns int
	dialect      string
	now          func() time.Time
}

type GeneratorOptions struct {
	// HistoryTurns bounds how many prior turns are replayed to the model.
	HistoryTurns int
	// Dialect names the SQL dialect the model should write.
	Dialect string
}

func NewGenerator(model Model, opts GeneratorOptions) (*Generator, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	historyTurns := opts.HistoryTurns
	if historyTurns <= 0 {
		historyTurns = DefaultHistoryTurns
	}
	dialect := strings.TrimSpace(opts.Dialect)
	if dialect == "" {
		dialect = DefaultDialect
	}
	return &Generator{model: model, historyTurns: historyTurns, dialect: dialect, now: time.Now}, nil
}

// Generate makes exactly one model call. On failure the response carries an
// explanation with Permitted false and the error wraps ErrModelCall.
func (g *Generator) Generate(ctx context.Context, req Request) (Response, error) {
	history := req.History
	if len(history) > g.historyTurns {
		history = history[len(history)-g.historyTurns:]
	}
	req.History = history

	started := g.now()
	completion, err := g.model.Complete(ctx, buildMessages(req, g.dialect))
	elapsed := g.now().Sub(started)
	if err == nil && strings.TrimSpace(completion.Content) == "" {
		err = fmt.Errorf("model returned an empty response")
	}
	if err != nil {
		return Response{
			Text:     fmt.Sprintf("The language model could not be reached, so nothing was executed: %v", err),
			Duration: elapsed,
		}, fmt.Errorf("%w: %v", ErrModelCall, err)
	}

	extraction := ParseResponse(completion.Content)
	resp := Response{
		Text:              completion.Content,
		SQL:               extraction.SQL,
		Permitted:         !extraction.PermissionDenied,
		SelfFlaggedDanger: extraction.SelfFlagged,
		FlaggedSQL:        extraction.FlaggedSQL,
		HasCodeBlocks:     extraction.HasCodeBlocks,
		Model:             completion.Model,
		Duration:          elapsed,
	}
	resp.IsGeneralQuestion = !resp.HasSQL() && !resp.HasCodeBlocks && !resp.SelfFlaggedDanger && resp.Permitted
	return resp, nil
}
