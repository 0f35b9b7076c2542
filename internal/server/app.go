// Package server initializes and runs the sync server: it opens the
// database, runs migrations, wires the reconciliation engine to the HTTP
// API, and owns the retention purger and graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/finhorizon/plansync/internal/logging"
	"github.com/finhorizon/plansync/internal/server/config"
	"github.com/finhorizon/plansync/internal/server/httpapi"
	"github.com/finhorizon/plansync/internal/server/repositories/repomanager"
	"github.com/finhorizon/plansync/internal/server/services"
)

// timeTicker is a seam for testing the purge loop.
var timeTicker = time.NewTicker

type App struct {
	config      *config.Config
	logger      logging.Logger
	db          *sql.DB
	syncService *services.SyncService
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	ss := services.NewSyncService(db, rm, cfg, logger)

	return &App{config: cfg, logger: logger, db: db, syncService: ss}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	handler := httpapi.NewHandler(app.syncService, app.logger)
	s := httpapi.NewServer(app.config.EndpointAddr, handler, app.logger, app.config.SecretKey)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// startPurger drops change-log records that fell out of the retention
// window, on the configured interval.
func (app *App) startPurger(ctx context.Context) {
	ticker := timeTicker(app.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := app.syncService.PurgeChangeLog(ctx)
			if err != nil {
				app.logger.Error(ctx, "change log purge failed", "error", err.Error())
				continue
			}
			if n > 0 {
				app.logger.Info(ctx, "purged change log records", "count", n)
			}
		}
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startPurger(ctx)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "error closing database", "error", err.Error())
	}
}
