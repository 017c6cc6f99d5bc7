package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const DefaultListLimit = 500

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository stores events in the security_log table.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) Record(ctx context.Context, event Event) (Event, error) {
	if event.At.IsZero() {
		event.At = r.now()
	}
	event.At = event.At.UTC()
	if event.Severity == "" {
		event.Severity = SeverityFor(event.Type)
	}
	details, err := encodeDetails(event.Details)
	if err != nil {
		return Event{}, err
	}

	query := `
INSERT INTO security_log (event_time, user_id, archer_id, role, session_id, turn_id, event_type, severity, description, sql_text, details_json)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING log_id`
	if err := r.db.QueryRowContext(ctx, query,
		event.At,
		nullableID(event.UserID),
		nullableID(event.ArcherID),
		event.Role,
		event.SessionID,
		event.TurnID,
		string(event.Type),
		string(event.Severity),
		event.Description,
		event.SQL,
		details,
	).Scan(&event.LogID); err != nil {
		return Event{}, fmt.Errorf("record security event: %w", err)
	}
	return event, nil
}

func (r *Repository) List(ctx context.Context, filter Filter) ([]Event, error) {
	until := filter.Until
	if until.IsZero() {
		until = r.now()
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
SELECT log_id, event_time, user_id, archer_id, role, session_id, turn_id, event_type, severity, description, sql_text, details_json, is_reviewed
FROM security_log
WHERE event_time >= $1 AND event_time < $2
ORDER BY event_time ASC, log_id ASC
LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, filter.Since.UTC(), until.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			event     Event
			userID    sql.NullInt64
			archerID  sql.NullInt64
			eventType string
			severity  string
			details   sql.NullString
		)
		if err := rows.Scan(
			&event.LogID,
			&event.At,
			&userID,
			&archerID,
			&event.Role,
			&event.SessionID,
			&event.TurnID,
			&eventType,
			&severity,
			&event.Description,
			&event.SQL,
			&details,
			&event.Reviewed,
		); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		event.UserID = userID.Int64
		event.ArcherID = archerID.Int64
		event.Type = EventType(eventType)
		event.Severity = Severity(severity)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("decode details for event %d: %w", event.LogID, err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}
	return events, nil
}

// MarkReviewed flags each event as reviewed by reviewer in one transaction and
// returns how many rows changed.
func (r *Repository) MarkReviewed(ctx context.Context, logIDs []int64, reviewer int64) (int64, error) {
	if len(logIDs) == 0 {
		return 0, nil
	}
	var updated int64
	err := r.withTx(ctx, func(q dbTX) error {
		query := `
UPDATE security_log
SET is_reviewed = TRUE, reviewed_by = $1, reviewed_at = $2
WHERE log_id = $3`
		reviewedAt := r.now().UTC()
		for _, logID := range logIDs {
			res, err := q.ExecContext(ctx, query, reviewer, reviewedAt, logID)
			if err != nil {
				return fmt.Errorf("mark security event %d reviewed: %w", logID, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				updated += n
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func (r *Repository) Summary(ctx context.Context, since time.Time) (Summary, error) {
	summary := Summary{Since: since.UTC(), BySeverity: make([]SeverityCount, 0, 4)}

	query := `
SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_reviewed THEN 0 ELSE 1 END), 0)
FROM security_log
WHERE event_time >= $1`
	if err := r.db.QueryRowContext(ctx, query, summary.Since).Scan(&summary.Total, &summary.Unreviewed); err != nil {
		return Summary{}, fmt.Errorf("count security events: %w", err)
	}

	query = `
SELECT severity, COUNT(*)
FROM security_log
WHERE event_time >= $1
GROUP BY severity
ORDER BY severity ASC`
	rows, err := r.db.QueryContext(ctx, query, summary.Since)
	if err != nil {
		return Summary{}, fmt.Errorf("count security events by severity: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			severity string
			count    int64
		)
		if err := rows.Scan(&severity, &count); err != nil {
			return Summary{}, fmt.Errorf("scan severity count: %w", err)
		}
		summary.BySeverity = append(summary.BySeverity, SeverityCount{Severity: Severity(severity), Count: count})
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("iterate severity counts: %w", err)
	}
	return summary, nil
}

func (r *Repository) withTx(ctx context.Context, fn func(q dbTX) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullableID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}

func encodeDetails(details map[string]any) (any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode event details: %w", err)
	}
	return string(raw), nil
}
