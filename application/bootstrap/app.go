// application/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"candle-pipeline/application/scheduler"
	"candle-pipeline/internal/core/domain/backfill"
	"candle-pipeline/internal/core/domain/candle"
	"candle-pipeline/internal/core/domain/series"
	"candle-pipeline/internal/core/domain/verifier"
	"candle-pipeline/internal/infrastructure/api/exchanges/okx/ws"
	"candle-pipeline/internal/infrastructure/config"
	"candle-pipeline/internal/infrastructure/persistence/writer"
	events "candle-pipeline/internal/infrastructure/transport/event_bus"
	"candle-pipeline/pkg/logger"

	"go.uber.org/multierr"
)

// Option настраивает Application до сборки
type Option func(*Application)

// WithStorage подставляет готовое хранилище вместо STORAGE_BACKEND
func WithStorage(s *Storage) Option {
	return func(app *Application) { app.storage = s }
}

// WithVenue подставляет REST клиент биржи
func WithVenue(v backfill.VenueClient) Option {
	return func(app *Application) { app.venue = v }
}

// Application - конвейер агрегации целиком
type Application struct {
	config *config.Config
	venue  backfill.VenueClient

	storage    *Storage
	eventBus   *events.EventBus
	series     *series.Store
	writer     *writer.BarWriter
	aggregator *candle.Aggregator
	fetcher    *backfill.HistoricalFetcher
	backfill   *backfill.Service
	verifier   *verifier.Verifier
	stream     *ws.KlineStream
	scheduler  *scheduler.Scheduler

	mu      sync.Mutex
	running bool
}

// New собирает приложение: хранилище, шина, серии, запись, агрегатор, биржа, задачи
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	app := &Application{config: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if err := app.build(ctx); err != nil {
		if app.storage != nil {
			_ = app.storage.Close()
		}
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return app, nil
}

// Start запускает компоненты в порядке зависимостей
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.running {
		return nil
	}

	logger.Info("🚀 Запуск конвейера свечей %s (%s)", app.config.Version, app.config.Environment)

	app.eventBus.Start()

	if err := app.series.Bootstrap(ctx); err != nil {
		logger.Warn("⚠️ Серии запущены пустыми: %v", err)
	}
	if err := app.writer.Start(); err != nil {
		return err
	}
	if err := app.aggregator.Start(); err != nil {
		return err
	}
	app.scheduler.Start()
	if app.stream != nil {
		if err := app.stream.Start(); err != nil {
			return err
		}
	}

	if app.config.Backfill.Enabled {
		if err := app.scheduler.RunAsync(JobBackfillSweep); err != nil && !errors.Is(err, scheduler.ErrJobRunning) {
			logger.Warn("⚠️ Стартовое дозаполнение: %v", err)
		}
	}

	app.running = true
	logger.Info("✅ Конвейер запущен")
	return nil
}

// Stop останавливает компоненты в обратном порядке
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if !app.running {
		return nil
	}
	app.running = false

	logger.Info("🛑 Останавливаем конвейер...")
	var errs error

	if app.stream != nil {
		app.stream.Stop()
	}
	app.scheduler.Stop()
	app.backfill.Stop()
	errs = multierr.Append(errs, app.aggregator.Stop())
	errs = multierr.Append(errs, app.writer.Stop(ctx))
	app.eventBus.Stop()
	errs = multierr.Append(errs, app.storage.Close())

	if errs != nil {
		logger.Error("❌ Остановка с ошибками: %v", errs)
	} else {
		logger.Info("✅ Конвейер остановлен")
	}
	return errs
}

// Run запускает приложение и ждет SIGINT/SIGTERM
func (app *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		_ = app.Stop(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info("🛑 Получен сигнал завершения...")

	timeout := app.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return app.Stop(shutdownCtx)
}

// Aggregator - вход минутных баров, нужен для ручной подачи
func (app *Application) Aggregator() *candle.Aggregator { return app.aggregator }

// Series - скользящие окна серий
func (app *Application) Series() *series.Store { return app.series }

// Storage - бэкенд баров
func (app *Application) Storage() *Storage { return app.storage }

// Scheduler - планировщик задач
func (app *Application) Scheduler() *scheduler.Scheduler { return app.scheduler }

// Backfill - сервис дозаполнения
func (app *Application) Backfill() *backfill.Service { return app.backfill }
