package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clubrecords/sqlassist/internal/audit"
	"github.com/clubrecords/sqlassist/internal/config"
	"github.com/clubrecords/sqlassist/internal/maintenance"
	"github.com/clubrecords/sqlassist/internal/observability"
	"github.com/clubrecords/sqlassist/internal/query/sqldb"
	s3store "github.com/clubrecords/sqlassist/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlassist-auditor")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if !cfg.ObjectStore.Enabled {
		logger.Error("audit exports need SQLASSIST_OBJECTSTORE_ENABLED=true")
		os.Exit(1)
	}
	db, err := sqldb.Open(context.Background(), sqldb.DBConfig{
		Driver:       sqldb.DriverPostgres,
		DSN:          cfg.AuditDSN(),
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	})
	if err != nil {
		logger.Error("failed to open audit db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store, err := s3store.New(context.Background(), s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	exporter, err := audit.NewExporter(audit.NewRepository(db), store)
	if err != nil {
		logger.Error("failed to initialize audit exporter", slog.Any("error", err))
		os.Exit(1)
	}
	svc := &maintenance.Service{
		Exporter: exporter,
		Config: maintenance.Config{
			ExportInterval:    cfg.Audit.ExportInterval,
			RetentionInterval: cfg.Audit.RetentionInterval,
			Retention:         cfg.Audit.ExportRetention,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Audit.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /v1/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.Audit.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("audit worker started",
		slog.Duration("export_interval", cfg.Audit.ExportInterval),
		slog.Duration("retention", cfg.Audit.ExportRetention),
	)
	if err := svc.Run(ctx); err != nil {
		logger.Error("audit worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("audit worker stopped")
}
