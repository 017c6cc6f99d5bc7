// Package maintenance runs the scheduled security log jobs: periodic Parquet
// exports to the object store and deletion of exports past retention.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clubrecords/sqlassist/internal/audit"
)

type Exporter interface {
	Export(ctx context.Context, filter audit.Filter) (audit.ExportResult, error)
	Prune(ctx context.Context, cutoff time.Time) ([]string, error)
}

type Config struct {
	ExportInterval    time.Duration
	RetentionInterval time.Duration
	// Retention is the age after which exported objects are deleted.
	Retention time.Duration
}

type Service struct {
	Exporter Exporter
	Config   Config
	Logger   *slog.Logger
	Clock    func() time.Time

	mu         sync.Mutex
	exportedTo time.Time
}

type ExportSummary struct {
	Since  time.Time `json:"since"`
	Until  time.Time `json:"until"`
	Key    string    `json:"key,omitempty"`
	Events int       `json:"events"`
	Bytes  int64     `json:"bytes"`
}

type RetentionSummary struct {
	Cutoff         time.Time `json:"cutoff"`
	ObjectsDeleted int       `json:"objects_deleted"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()
	if s.Exporter == nil {
		return fmt.Errorf("exporter is required")
	}

	exportTicker := time.NewTicker(s.Config.ExportInterval)
	defer exportTicker.Stop()
	retentionTicker := time.NewTicker(s.Config.RetentionInterval)
	defer retentionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-exportTicker.C:
			summary, err := s.RunExportOnce(ctx)
			if err != nil {
				s.Logger.ErrorContext(ctx, "audit export cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				continue
			}
			s.Logger.InfoContext(ctx, "audit export cycle completed", slog.Any("summary", summary))
		case <-retentionTicker.C:
			summary, err := s.RunRetentionOnce(ctx)
			if err != nil {
				s.Logger.ErrorContext(ctx, "audit retention cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				continue
			}
			s.Logger.InfoContext(ctx, "audit retention cycle completed", slog.Any("summary", summary))
		}
	}
}

// RunExportOnce exports every event since the previous successful export.
// The first run covers one export interval. A failed run leaves the window
// open so the next run picks the same events up again.
func (s *Service) RunExportOnce(ctx context.Context) (ExportSummary, error) {
	s.ensureDefaults()
	if s.Exporter == nil {
		return ExportSummary{}, fmt.Errorf("exporter is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	until := s.Clock().UTC()
	since := s.exportedTo
	if since.IsZero() {
		since = until.Add(-s.Config.ExportInterval)
	}
	summary := ExportSummary{Since: since, Until: until}

	result, err := s.Exporter.Export(ctx, audit.Filter{Since: since, Until: until})
	if err != nil {
		exportRunsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("export security log: %w", err)
	}
	summary.Key = result.Key
	summary.Events = result.Events
	summary.Bytes = result.Bytes
	s.exportedTo = until

	exportRunsTotal.WithLabelValues("succeeded").Inc()
	exportedEventsTotal.Add(float64(result.Events))
	return summary, nil
}

func (s *Service) RunRetentionOnce(ctx context.Context) (RetentionSummary, error) {
	s.ensureDefaults()
	if s.Exporter == nil {
		return RetentionSummary{}, fmt.Errorf("exporter is required")
	}

	summary := RetentionSummary{Cutoff: s.Clock().UTC().Add(-s.Config.Retention)}
	deleted, err := s.Exporter.Prune(ctx, summary.Cutoff)
	summary.ObjectsDeleted = len(deleted)
	exportObjectsDeletedTotal.Add(float64(len(deleted)))
	if err != nil {
		retentionRunsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("prune security log exports: %w", err)
	}
	retentionRunsTotal.WithLabelValues("succeeded").Inc()
	return summary, nil
}

// ExportedThrough reports the end of the last successful export window.
func (s *Service) ExportedThrough() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exportedTo
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Config.ExportInterval <= 0 {
		s.Config.ExportInterval = time.Hour
	}
	if s.Config.RetentionInterval <= 0 {
		s.Config.RetentionInterval = 6 * time.Hour
	}
	if s.Config.Retention <= 0 {
		s.Config.Retention = 90 * 24 * time.Hour
	}
}
