package audit

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/clubrecords/sqlassist/internal/storage"
)

const exportDataset = "security_log"

type Lister interface {
	List(ctx context.Context, filter Filter) ([]Event, error)
}

type ExportResult struct {
	Key    string    `json:"key,omitempty"`
	Events int       `json:"events"`
	Bytes  int64     `json:"bytes"`
	Since  time.Time `json:"since"`
	Until  time.Time `json:"until"`
}

// Exporter writes security events as Parquet objects for offline review.
type Exporter struct {
	events Lister
	store  storage.ObjectStore
	now    func() time.Time
}

func NewExporter(events Lister, store storage.ObjectStore) (*Exporter, error) {
	if events == nil {
		return nil, fmt.Errorf("event lister is required")
	}
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	return &Exporter{events: events, store: store, now: time.Now}, nil
}

// Export writes one object for the events in filter. No object is written
// when the window is empty.
func (e *Exporter) Export(ctx context.Context, filter Filter) (ExportResult, error) {
	now := e.now().UTC()
	if filter.Until.IsZero() {
		filter.Until = now
	}
	result := ExportResult{Since: filter.Since.UTC(), Until: filter.Until.UTC()}

	events, err := e.events.List(ctx, filter)
	if err != nil {
		return ExportResult{}, err
	}
	if len(events) == 0 {
		return result, nil
	}

	data, err := EncodeEventsToParquet(events)
	if err != nil {
		return ExportResult{}, err
	}
	key, err := storage.BuildAuditExportPath(exportDataset, now, uuid.NewString())
	if err != nil {
		return ExportResult{}, err
	}
	opts := storage.PutOptions{
		ContentType: "application/vnd.apache.parquet",
		Metadata: map[string]string{
			"events": strconv.Itoa(len(events)),
			"since":  result.Since.Format(time.RFC3339),
			"until":  result.Until.Format(time.RFC3339),
		},
	}
	if _, err := e.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return ExportResult{}, fmt.Errorf("upload audit export: %w", err)
	}
	info, err := e.store.Stat(ctx, key)
	if err != nil {
		return ExportResult{}, fmt.Errorf("verify audit export: %w", err)
	}

	result.Key = key
	result.Events = len(events)
	result.Bytes = info.Size
	return result, nil
}

// Prune deletes exports last modified before cutoff and returns their keys.
func (e *Exporter) Prune(ctx context.Context, cutoff time.Time) ([]string, error) {
	objects, err := e.store.List(ctx, "audit/"+exportDataset+"/")
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, object := range objects {
		if !strings.HasSuffix(object.Key, ".parquet") || object.LastModified.IsZero() || !object.LastModified.Before(cutoff) {
			continue
		}
		if err := e.store.Delete(ctx, object.Key); err != nil {
			return removed, fmt.Errorf("delete audit export %q: %w", object.Key, err)
		}
		removed = append(removed, object.Key)
	}
	return removed, nil
}

type parquetEvent struct {
	LogID           int64  `parquet:"log_id"`
	EventTimeUnixMs int64  `parquet:"event_time_unix_ms"`
	UserID          int64  `parquet:"user_id"`
	ArcherID        int64  `parquet:"archer_id"`
	Role            string `parquet:"role"`
	SessionID       string `parquet:"session_id"`
	TurnID          string `parquet:"turn_id"`
	EventType       string `parquet:"event_type"`
	Severity        string `parquet:"severity"`
	Description     string `parquet:"description"`
	SQLText         string `parquet:"sql_text"`
	Reviewed        bool   `parquet:"reviewed"`
}

func EncodeEventsToParquet(events []Event) ([]byte, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("events are required")
	}

	rows := make([]parquetEvent, 0, len(events))
	for _, event := range events {
		rows = append(rows, parquetEvent{
			LogID:           event.LogID,
			EventTimeUnixMs: event.At.UnixMilli(),
			UserID:          event.UserID,
			ArcherID:        event.ArcherID,
			Role:            event.Role,
			SessionID:       event.SessionID,
			TurnID:          event.TurnID,
			EventType:       string(event.Type),
			Severity:        string(event.Severity),
			Description:     event.Description,
			SQLText:         event.SQL,
			Reviewed:        event.Reviewed,
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetEvent](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
