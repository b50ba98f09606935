package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/meterscan/telemetry-sync-worker/internal/config"
	"github.com/meterscan/telemetry-sync-worker/internal/db"
	"github.com/meterscan/telemetry-sync-worker/internal/logging"
	"github.com/meterscan/telemetry-sync-worker/internal/mq"
	"github.com/meterscan/telemetry-sync-worker/internal/repository"
	"github.com/meterscan/telemetry-sync-worker/internal/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// startSync runs one full sync pass in the background and shuts the
// application down when it completes
func startSync(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	svc *service.SyncService,
	logger *zap.Logger,
) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			go func() {
				if err := svc.Run(runCtx); err != nil {
					logger.Error("sync pass failed", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return nil
		},
	})
}

// ProvideRepository creates a new repository instance attributed to this run
func ProvideRepository(pool *db.Pool, cfg *config.Config, logger *zap.Logger) *repository.Repository {
	runID := uuid.New().String()
	logging.WithRunID(logger, runID).Info("repository writes attributed to run")
	return repository.NewRepository(pool, cfg.ServiceName+":"+runID)
}

// ProvideSyncService creates a new sync service instance
func ProvideSyncService(
	repo *repository.Repository,
	publisher *mq.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) *service.SyncService {
	return service.NewSyncService(repo, publisher, cfg, logger)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.Exchange, logger)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL, cfg.Database.MaxConns)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}
