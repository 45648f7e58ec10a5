// application/bootstrap/builder.go
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"candle-pipeline/application/scheduler"
	"candle-pipeline/internal/core/domain/backfill"
	"candle-pipeline/internal/core/domain/candle"
	"candle-pipeline/internal/core/domain/series"
	"candle-pipeline/internal/core/domain/verifier"
	"candle-pipeline/internal/infrastructure/api/exchanges/okx"
	"candle-pipeline/internal/infrastructure/api/exchanges/okx/ws"
	"candle-pipeline/internal/infrastructure/config"
	"candle-pipeline/internal/infrastructure/persistence/writer"
	events "candle-pipeline/internal/infrastructure/transport/event_bus"
	"candle-pipeline/internal/types/storage"
	"candle-pipeline/pkg/logger"

	"github.com/shopspring/decimal"
)

// Имена задач планировщика
const (
	JobBackfillSweep = "backfill_sweep"
	JobBarVerify     = "bar_verify"
	JobSeriesRefresh = "series_refresh"

	seriesRefreshInterval = 10 * time.Minute
)

// NewOKXClient создает REST клиент из конфигурации
func NewOKXClient(cfg config.ExchangeConfig) *okx.Client {
	return okx.NewClient(okx.ClientConfig{
		BaseURL:     cfg.BaseURL,
		Timeout:     cfg.HTTPTimeout,
		MinInterval: cfg.MinInterval,
	})
}

// NewFetcher создает загрузчик истории
func NewFetcher(client backfill.VenueClient, cfg config.BackfillConfig) *backfill.HistoricalFetcher {
	return backfill.NewHistoricalFetcher(client, backfill.FetcherConfig{
		PageLimit:    cfg.PageLimit,
		PageDelay:    cfg.PageDelay,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	})
}

// NewBackfillService собирает детектор, загрузчик и заполнитель
func NewBackfillService(bars storage.BarStore, registry storage.SubscriptionRegistry, fetcher backfill.Fetcher, cfg config.BackfillConfig, publisher backfill.Publisher) *backfill.Service {
	return backfill.NewService(
		backfill.NewGapDetector(bars),
		fetcher,
		backfill.NewBackfillFiller(bars),
		registry,
		backfill.ServiceConfig{
			Concurrency:   cfg.Concurrency,
			RecentMinutes: cfg.RecentMinutes,
			Publisher:     publisher,
		},
	)
}

// build создает все компоненты без запуска
func (app *Application) build(ctx context.Context) error {
	cfg := app.config

	st, err := app.openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	app.storage = st

	// Шина событий
	busConfig := events.DefaultConfig
	busConfig.EnableLogging = cfg.IsDev()
	app.eventBus = events.NewEventBus(busConfig)
	app.eventBus.AddMiddleware(&events.ValidationMiddleware{})
	if cfg.IsDev() {
		app.eventBus.AddMiddleware(&events.LoggingMiddleware{SlowThreshold: 100 * time.Millisecond})
	}
	console := events.NewConsoleLoggerSubscriber()
	for _, et := range console.GetSubscribedEvents() {
		app.eventBus.Subscribe(et, console)
	}

	// Серии получают закрытые бары напрямую от агрегатора
	app.series, err = series.NewStore(st.Bars, st.Registry, series.StoreConfig{
		Periods: cfg.Pipeline.SeriesPeriods,
		MaxSize: cfg.Pipeline.SeriesMaxSize,
	})
	if err != nil {
		return err
	}

	// Запись
	app.writer, err = writer.NewBarWriter(st.Bars, writer.WriterConfig{
		Workers:         cfg.Pipeline.PersistWorkers,
		QueueSize:       cfg.Pipeline.PersistQueueSize,
		Policy:          cfg.Pipeline.OverflowPolicy,
		WriteTimeout:    10 * time.Second,
		QualityReporter: app.eventBus,
	})
	if err != nil {
		return err
	}

	// Биржа и дозаполнение
	client := app.venue
	if client == nil {
		client = NewOKXClient(cfg.Exchange)
	}
	app.fetcher = NewFetcher(client, cfg.Backfill)
	app.backfill = NewBackfillService(st.Bars, st.Registry, app.fetcher, cfg.Backfill, app.eventBus)

	// Агрегатор
	aggConfig := candle.DefaultAggregatorConfig()
	aggConfig.Periods = cfg.Pipeline.AggregatePeriods
	aggConfig.DedupRetention = cfg.Pipeline.DedupRetention
	aggConfig.ReaperInterval = cfg.Pipeline.ReaperInterval
	aggConfig.StaleGrace = cfg.Pipeline.StaleBucketGrace
	aggConfig.QualityReporter = app.eventBus
	if cfg.Backfill.Enabled {
		aggConfig.OnStale = func(symbol string) {
			app.backfill.TriggerRecent(symbol)
		}
	}
	app.aggregator, err = candle.NewAggregator(aggConfig, app.writer, app.series, events.NewBarPublisher(app.eventBus, "aggregator"))
	if err != nil {
		return err
	}

	// Сверка
	ceiling := decimal.Zero
	if cfg.Verify.PriceCeiling > 0 {
		ceiling = decimal.NewFromFloat(cfg.Verify.PriceCeiling)
	}
	app.verifier = verifier.NewVerifier(st.Bars, app.fetcher, verifier.Rules{PriceCeiling: ceiling}, app.eventBus)

	// Поток свечей
	if !cfg.Exchange.StreamDisabled {
		symbols, err := storage.EnabledSymbols(ctx, st.Registry)
		if err != nil {
			return fmt.Errorf("реестр инструментов: %w", err)
		}
		app.stream, err = ws.NewKlineStream(ws.StreamConfig{
			URL:      cfg.Exchange.WSURL,
			Symbols:  symbols,
			MaxDelay: cfg.Exchange.ReconnectMax,
		}, app.aggregator)
		if err != nil {
			return err
		}
	}

	app.scheduler = scheduler.New(scheduler.Config{})
	app.registerJobs()

	logger.Info("🧩 Компоненты собраны: хранилище %s, периоды %v, поток %v, дозаполнение %v, сверка %v",
		st.Backend, cfg.Pipeline.AggregatePeriods, app.stream != nil, cfg.Backfill.Enabled, cfg.Verify.Enabled)
	return nil
}

func (app *Application) openStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if app.storage != nil {
		return app.storage, nil
	}
	return OpenStorage(ctx, cfg)
}

// registerJobs регистрирует периодические задачи
func (app *Application) registerJobs() {
	cfg := app.config

	if cfg.Backfill.Enabled {
		app.scheduler.Register(&scheduler.Job{
			Name:        JobBackfillSweep,
			Description: "Поиск и заполнение пропусков 1m",
			Schedule:    scheduler.Every(cfg.Backfill.Interval),
			Timeout:     cfg.Backfill.Interval,
			Handler: func(ctx context.Context) error {
				end := time.Now().UTC().Truncate(time.Minute)
				_, err := app.backfill.SweepAll(ctx, end.Add(-cfg.Backfill.Lookback), end)
				return err
			},
		})
	}

	if cfg.Verify.Enabled {
		app.scheduler.Register(&scheduler.Job{
			Name:        JobBarVerify,
			Description: "Сверка 1m с биржей",
			Schedule:    scheduler.Every(cfg.Verify.Interval),
			Handler: func(ctx context.Context) error {
				end := time.Now().UTC().Truncate(time.Minute)
				_, err := app.verifier.VerifyAll(ctx, app.storage.Registry, end.Add(-cfg.Verify.Window), end)
				return err
			},
		})
	}

	app.scheduler.Register(&scheduler.Job{
		Name:        JobSeriesRefresh,
		Description: "Перечитывание реестра серий",
		Schedule:    scheduler.Every(seriesRefreshInterval),
		Handler:     app.series.Refresh,
	})
}
