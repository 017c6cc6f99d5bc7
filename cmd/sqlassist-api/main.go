package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clubrecords/sqlassist/internal/api"
	"github.com/clubrecords/sqlassist/internal/assistant"
	"github.com/clubrecords/sqlassist/internal/audit"
	"github.com/clubrecords/sqlassist/internal/auth"
	"github.com/clubrecords/sqlassist/internal/config"
	"github.com/clubrecords/sqlassist/internal/conversation"
	"github.com/clubrecords/sqlassist/internal/nl2sql"
	"github.com/clubrecords/sqlassist/internal/observability"
	"github.com/clubrecords/sqlassist/internal/policy"
	"github.com/clubrecords/sqlassist/internal/query/sqldb"
	"github.com/clubrecords/sqlassist/internal/storage"
	s3store "github.com/clubrecords/sqlassist/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlassist-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	recordsDB, err := sqldb.Open(context.Background(), sqldb.DBConfig{
		Driver:          cfg.Records.Driver,
		DSN:             cfg.Records.DSN,
		MaxOpenConns:    cfg.Records.MaxOpenConns,
		MaxIdleConns:    cfg.Records.MaxIdleConns,
		ConnMaxIdleTime: cfg.Records.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Records.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open records db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = recordsDB.Close() }()

	executor, err := sqldb.NewExecutor(recordsDB, sqldb.Config{
		MaxRows:      cfg.Records.MaxRows,
		QueryTimeout: cfg.Records.QueryTimeout,
	})
	if err != nil {
		logger.Error("failed to initialize query executor", slog.Any("error", err))
		os.Exit(1)
	}

	var objectStore storage.ObjectStore
	var bucketProbe func(context.Context) error
	if cfg.ObjectStore.Enabled {
		bucket, err := s3store.New(context.Background(), s3store.Config{
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
		objectStore = bucket
		bucketProbe = bucket.Check
	}

	var schema policy.SchemaSource = policy.FileSchema{Path: cfg.Schema.Path}
	if cfg.Schema.ObjectKey != "" {
		schema = policy.ObjectSchema{Store: objectStore, Key: cfg.Schema.ObjectKey}
	}
	policies := &policy.Builder{Schema: schema}

	model, err := nl2sql.NewOpenAIModel(nl2sql.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize language model", slog.Any("error", err))
		os.Exit(1)
	}
	generator, err := nl2sql.NewGenerator(model, nl2sql.GeneratorOptions{
		HistoryTurns: cfg.Conversation.HistoryTurns,
		Dialect:      cfg.Schema.Dialect,
	})
	if err != nil {
		logger.Error("failed to initialize sql generator", slog.Any("error", err))
		os.Exit(1)
	}

	detector, err := assistant.LoadInjectionDetector(cfg.Injection.PatternsFile)
	if err != nil {
		logger.Error("failed to load injection patterns", slog.Any("error", err))
		os.Exit(1)
	}

	recorder := audit.LogRecorder{Logger: logger}
	var auditRepo *audit.Repository
	if auditDB, ok := openAuditDB(cfg, recordsDB, logger); ok {
		if auditDB != recordsDB {
			defer func() { _ = auditDB.Close() }()
		}
		auditRepo = audit.NewRepository(auditDB)
		recorder.Next = auditRepo
	}

	manager, err := assistant.NewManager(assistant.Dependencies{
		Generator: generator,
		Policies:  policies,
		Executor:  executor,
		Audit:     recorder,
		Injection: detector,
		Logger:    logger,
	}, assistant.ManagerOptions{
		Session: assistant.SessionOptions{
			Conversation: conversation.Options{
				MaxTurns:          cfg.Conversation.MaxTurns,
				ResultContextSize: cfg.Conversation.ResultContextSize,
			},
			TurnsPerMinute: cfg.RateLimit.TurnsPerMinute,
			TurnBurst:      cfg.RateLimit.Burst,
		},
		IdleTTL: cfg.Conversation.SessionTTL,
	})
	if err != nil {
		logger.Error("failed to initialize session manager", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:         logger,
		Sessions:       manager,
		Policies:       policies,
		AuditRetention: cfg.Audit.ExportRetention,
		Readiness: api.CombineReadinessChecks(
			api.CheckDatabase(executor.Ping),
			api.CheckObjectStoreConfig(cfg),
			api.CheckObjectStore(bucketProbe),
		),
		DependencyTimeout: time.Second,
	}
	if auditRepo != nil {
		deps.Audit = auditRepo
		if objectStore != nil {
			exporter, err := audit.NewExporter(auditRepo, objectStore)
			if err != nil {
				logger.Error("failed to initialize audit exporter", slog.Any("error", err))
				os.Exit(1)
			}
			deps.AuditExporter = exporter
		}
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	} else {
		logger.Warn("auth disabled, every request runs as the development identity",
			slog.String("role", string(auth.DevelopmentIdentity.Role)),
		)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go manager.RunSweeper(ctx, cfg.Conversation.SweepInterval)
	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("records_driver", cfg.Records.Driver),
			slog.Bool("audit_persisted", auditRepo != nil),
			slog.Bool("object_store", objectStore != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

// openAuditDB returns the database holding security_log. The table is created
// by sqlassist-migrate and only exists on PostgreSQL, so an in-process DuckDB
// records database keeps the audit trail in the log only.
func openAuditDB(cfg config.Config, recordsDB *sql.DB, logger *slog.Logger) (*sql.DB, bool) {
	if !cfg.Audit.Persist {
		return nil, false
	}
	if cfg.Audit.DSN == "" || cfg.Audit.DSN == cfg.Records.DSN {
		if cfg.Records.Driver == sqldb.DriverDuckDB {
			logger.Warn("audit persistence needs PostgreSQL, keeping security events in the log only")
			return nil, false
		}
		return recordsDB, true
	}

	db, err := sqldb.Open(context.Background(), sqldb.DBConfig{
		Driver:       sqldb.DriverPostgres,
		DSN:          cfg.Audit.DSN,
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	})
	if err != nil {
		logger.Error("failed to open audit db, keeping security events in the log only", slog.Any("error", err))
		return nil, false
	}
	return db, true
}
