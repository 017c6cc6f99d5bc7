package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clubrecords/sqlassist/internal/query"
	"github.com/clubrecords/sqlassist/internal/sqltext"
)

const DefaultMaxRows = 1000

type Config struct {
	MaxRows      int
	QueryTimeout time.Duration
}

// Executor runs raw statements on a dedicated connection per call. Nothing is
// held open between calls and every write commits before Execute returns.
type Executor struct {
	db           *sql.DB
	maxRows      int
	queryTimeout time.Duration
	now          func() time.Time
}

func NewExecutor(db *sql.DB, cfg Config) (*Executor, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Executor{db: db, maxRows: maxRows, queryTimeout: cfg.QueryTimeout, now: time.Now}, nil
}

// Ping backs the readiness probe.
func (e *Executor) Ping(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", query.ErrConnectivity, err)
	}
	return nil
}

func (e *Executor) Execute(ctx context.Context, sqlText string) query.Result {
	start := e.now()
	result := e.execute(ctx, sqlText)
	result.Duration = e.now().Sub(start)
	return result
}

func (e *Executor) execute(ctx context.Context, sqlText string) query.Result {
	statement := sqltext.StripTrailingSemicolons(sqlText)
	if statement == "" {
		return failed(query.ErrSQLRuntime, "empty statement")
	}
	if e.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.queryTimeout)
		defer cancel()
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return failed(query.ErrConnectivity, err.Error())
	}
	defer func() { _ = conn.Close() }()
	if err := conn.PingContext(ctx); err != nil {
		return failed(query.ErrConnectivity, err.Error())
	}

	if sqltext.IsReadOnly(statement) {
		return e.read(ctx, conn, statement)
	}
	return e.write(ctx, conn, statement)
}

func (e *Executor) read(ctx context.Context, conn *sql.Conn, statement string) query.Result {
	rows, err := conn.QueryContext(ctx, statement)
	if err != nil {
		return failed(query.ErrSQLRuntime, err.Error())
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return failed(query.ErrSQLRuntime, fmt.Sprintf("query columns: %v", err))
	}

	result := query.Result{Kind: query.KindRows, Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if len(result.Rows) == e.maxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return failed(query.ErrSQLRuntime, fmt.Sprintf("scan row: %v", err))
		}
		result.Rows = append(result.Rows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return failed(query.ErrSQLRuntime, fmt.Sprintf("iterate rows: %v", err))
	}
	return result
}

func (e *Executor) write(ctx context.Context, conn *sql.Conn, statement string) query.Result {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return failed(query.ErrSQLRuntime, fmt.Sprintf("begin tx: %v", err))
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, statement)
	if err != nil {
		return failed(query.ErrSQLRuntime, err.Error())
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	if err := tx.Commit(); err != nil {
		return failed(query.ErrSQLRuntime, fmt.Sprintf("commit: %v", err))
	}
	return query.Result{Kind: query.KindAffected, RowsAffected: affected}
}

func failed(kind error, detail string) query.Result {
	return query.Result{Kind: query.KindError, Err: fmt.Errorf("%w: %s", kind, detail)}
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
