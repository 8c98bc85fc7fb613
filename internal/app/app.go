package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/bda-association/bda-portal/internal/config"
	"github.com/bda-association/bda-portal/internal/health"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/service"
	"github.com/bda-association/bda-portal/internal/worker"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime
	DB            *gorm.DB
	Redis         redis.UniversalClient
	Events        service.EventPublisher
	Readiness     *health.ProbeRunner
	Workers       *worker.Runner
}

func New(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	runtime *observability.Runtime,
	db *gorm.DB,
	redisClient redis.UniversalClient,
	publisher service.EventPublisher,
	readiness *health.ProbeRunner,
	workers *worker.Runner,
) *App {
	return &App{
		Config:        cfg,
		Logger:        logger,
		Server:        server,
		Observability: runtime,
		DB:            db,
		Redis:         redisClient,
		Events:        publisher,
		Readiness:     readiness,
		Workers:       workers,
	}
}

// RunWorkers blocks running the background jobs until ctx is done. It is a
// no-op unless WORKERS_IN_PROCESS is set; deployments that run the jobs in a
// separate process use the worker command instead.
func (a *App) RunWorkers(ctx context.Context) error {
	if a.Workers == nil || !a.Config.WorkersInProcess {
		return nil
	}
	a.Logger.Info("starting in-process workers", "jobs", a.Workers.Names())
	err := a.Workers.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the event publisher, Redis and database connections.
// The HTTP server and telemetry are shut down by the caller first.
func (a *App) Close() {
	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			a.Logger.Error("failed to close event publisher", "error", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("failed to close redis client", "error", err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Logger.Error("failed to close database connection", "error", err)
			}
		}
	}
}
