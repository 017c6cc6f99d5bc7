package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/clubrecords/sqlassist/internal/config"
	"github.com/clubrecords/sqlassist/internal/demo/seed"
	"github.com/clubrecords/sqlassist/internal/observability"
	"github.com/clubrecords/sqlassist/internal/policy"
	"github.com/clubrecords/sqlassist/internal/query/sqldb"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlassist-seed")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	seedCfg, err := seed.LoadConfigFromEnv(os.LookupEnv)
	if err != nil {
		slog.Error("failed to load seed config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqldb.Open(ctx, sqldb.DBConfig{
		Driver:       cfg.Records.Driver,
		DSN:          cfg.Records.DSN,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		logger.Error("failed to open records db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	service, err := seed.NewService(db, policy.FileSchema{Path: cfg.Schema.Path}, seedCfg, logger)
	if err != nil {
		logger.Error("failed to initialize seeder", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("seeding club data",
		slog.String("driver", cfg.Records.Driver),
		slog.Int("archers", seedCfg.Archers),
		slog.Int64("seed", seedCfg.Seed),
		slog.Bool("create_schema", seedCfg.CreateSchema),
	)
	if _, err := service.Run(ctx); err != nil {
		logger.Error("seeding failed", slog.Any("error", err))
		os.Exit(1)
	}
}
