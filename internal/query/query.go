package query

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConnectivity marks results where the database could not be reached.
	// The user may retry; nothing retries automatically.
	ErrConnectivity = errors.New("database unreachable")
	// ErrSQLRuntime marks results where the database rejected the statement.
	ErrSQLRuntime = errors.New("database rejected statement")
)

type Kind string

const (
	KindRows     Kind = "rows"
	KindAffected Kind = "affected"
	KindError    Kind = "error"
)

type Result struct {
	Kind         Kind
	Columns      []string
	Rows         [][]any
	Truncated    bool
	RowsAffected int64
	Err          error
	Duration     time.Duration
}

func (r Result) Failed() bool {
	return r.Kind == KindError
}

func (r Result) IsConnectivity() bool {
	return r.Failed() && errors.Is(r.Err, ErrConnectivity)
}

func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Executor runs one raw statement. Failures never escape as errors or panics;
// they come back as a Result of KindError.
type Executor interface {
	Execute(ctx context.Context, sqlText string) Result
}
