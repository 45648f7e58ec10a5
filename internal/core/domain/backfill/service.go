// internal/core/domain/backfill/service.go
package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"candle-pipeline/internal/core/domain/candle"
	"candle-pipeline/internal/types"
	"candle-pipeline/internal/types/storage"
	"candle-pipeline/pkg/logger"
	"candle-pipeline/pkg/period"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Publisher - часть шины событий для итогов прогонок
type Publisher interface {
	Publish(event types.Event) error
}

// Fetcher - источник пропущенных баров
type Fetcher interface {
	Fetch(ctx context.Context, symbol string, missing []time.Time) ([]types.Bar, error)
}

// ServiceConfig - параметры прогонок
type ServiceConfig struct {
	Concurrency   int
	RecentMinutes int
	Now           func() time.Time
	Publisher     Publisher
}

// SweepResult - итог прогонки по одному инструменту
type SweepResult struct {
	RunID    string
	Symbol   string
	Start    time.Time
	End      time.Time
	Missing  int
	Fetched  int
	Inserted int
	Duration time.Duration
	Err      error
}

// Service связывает детектор, загрузчик и заполнитель
type Service struct {
	detector *GapDetector
	fetcher  Fetcher
	filler   *BackfillFiller
	registry storage.SubscriptionRegistry
	config   ServiceConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool
}

// NewService создает сервис дозагрузки
func NewService(detector *GapDetector, fetcher Fetcher, filler *BackfillFiller, registry storage.SubscriptionRegistry, config ServiceConfig) *Service {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.RecentMinutes <= 0 {
		config.RecentMinutes = 60
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		detector: detector,
		fetcher:  fetcher,
		filler:   filler,
		registry: registry,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]bool),
	}
}

// Sweep ищет и заполняет пропуски минутных баров в [start, end)
func (s *Service) Sweep(ctx context.Context, symbol string, start, end time.Time) SweepResult {
	started := time.Now()
	res := SweepResult{
		RunID:  uuid.New().String(),
		Symbol: symbol,
		Start:  start.UTC(),
		End:    end.UTC(),
	}
	defer func() {
		res.Duration = time.Since(started)
		s.publish(res)
	}()

	missing, err := s.detector.DetectMissing(ctx, symbol, start, end)
	if err != nil {
		res.Err = err
		return res
	}
	res.Missing = len(missing)
	if len(missing) == 0 {
		return res
	}

	logger.Info("🕳️ %s: %d пропущенных минут в [%s, %s)", symbol, len(missing),
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))

	// частичный результат тоже пишем
	bars, fetchErr := s.fetcher.Fetch(ctx, symbol, missing)
	res.Fetched = len(bars)

	inserted, fillErr := s.filler.Fill(ctx, symbol, bars)
	res.Inserted = inserted

	switch {
	case fetchErr != nil:
		res.Err = fetchErr
	case fillErr != nil:
		res.Err = fillErr
	}

	if res.Err != nil {
		logger.Warn("⚠️ Дозагрузка %s: записано %d из %d, ошибка: %v", symbol, inserted, len(missing), res.Err)
	} else {
		logger.Info("✅ Дозагрузка %s: записано %d из %d пропусков", symbol, inserted, len(missing))
	}
	return res
}

// SweepAll прогоняет все включенные инструменты реестра
func (s *Service) SweepAll(ctx context.Context, start, end time.Time) ([]SweepResult, error) {
	symbols, err := storage.EnabledSymbols(ctx, s.registry)
	if err != nil {
		return nil, fmt.Errorf("backfill.SweepAll: %w", err)
	}

	results := make([]SweepResult, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for i, symbol := range symbols {
		// проверка остановки между инструментами
		if gctx.Err() != nil {
			results[i] = SweepResult{Symbol: symbol, Start: start, End: end, Err: gctx.Err()}
			continue
		}
		g.Go(func() error {
			results[i] = s.Sweep(gctx, symbol, start, end)
			// ошибка инструмента не отменяет соседей
			return nil
		})
	}
	_ = g.Wait()

	var missing, inserted, failed int
	for _, r := range results {
		missing += r.Missing
		inserted += r.Inserted
		if r.Err != nil {
			failed++
		}
	}
	logger.Info("🧹 Прогонка дозагрузки: инструментов %d, пропусков %d, записано %d, с ошибками %d",
		len(symbols), missing, inserted, failed)
	return results, nil
}

// SweepRecent прогоняет последние minutes минут до текущей минуты
func (s *Service) SweepRecent(ctx context.Context, symbol string, minutes int) SweepResult {
	if minutes <= 0 {
		minutes = s.config.RecentMinutes
	}
	end := candle.Align(s.config.Now(), period.M1)
	start := end.Add(-time.Duration(minutes) * time.Minute)
	return s.Sweep(ctx, symbol, start, end)
}

// TriggerRecent запускает SweepRecent в фоне. Повторный вызов, пока прогонка идет, игнорируется.
func (s *Service) TriggerRecent(symbol string) bool {
	s.mu.Lock()
	if s.inflight[symbol] || s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	s.inflight[symbol] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, symbol)
			s.mu.Unlock()
		}()
		logger.Info("🚑 Внеочередная дозагрузка %s за %d минут", symbol, s.config.RecentMinutes)
		s.SweepRecent(s.ctx, symbol, s.config.RecentMinutes)
	}()
	return true
}

// Stop прерывает фоновые прогонки и ждет их завершения
func (s *Service) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) publish(res SweepResult) {
	if s.config.Publisher == nil {
		return
	}
	data := types.BackfillCompletedData{
		RunID:    res.RunID,
		Symbol:   res.Symbol,
		Start:    res.Start,
		End:      res.End,
		Missing:  res.Missing,
		Fetched:  res.Fetched,
		Inserted: res.Inserted,
		Duration: res.Duration,
	}
	if res.Err != nil {
		data.Error = res.Err.Error()
	}
	if err := s.config.Publisher.Publish(types.Event{
		Type:   types.EventBackfillCompleted,
		Source: "backfill",
		Data:   data,
	}); err != nil {
		logger.Debug("итог дозагрузки %s не опубликован: %v", res.Symbol, err)
	}
}
