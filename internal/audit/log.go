package audit

import (
	"context"
	"log/slog"
)

// LogRecorder writes each event to the logger and then hands it to Next when
// one is configured. Without Next the log line is the only record.
type LogRecorder struct {
	Logger *slog.Logger
	Next   Recorder
}

func (r LogRecorder) Record(ctx context.Context, event Event) (Event, error) {
	if event.Severity == "" {
		event.Severity = SeverityFor(event.Type)
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(ctx, levelFor(event.Severity), "security event",
		slog.String("event_type", string(event.Type)),
		slog.String("severity", string(event.Severity)),
		slog.String("session_id", event.SessionID),
		slog.String("turn_id", event.TurnID),
		slog.Int64("user_id", event.UserID),
		slog.String("role", event.Role),
		slog.String("description", event.Description),
	)
	if r.Next == nil {
		return event, nil
	}
	return r.Next.Record(ctx, event)
}

func levelFor(severity Severity) slog.Level {
	switch severity {
	case SeverityCritical, SeverityError:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
