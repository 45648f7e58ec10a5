// internal/core/domain/series/store.go
package series

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"candle-pipeline/internal/types"
	"candle-pipeline/internal/types/storage"
	"candle-pipeline/pkg/logger"
	"candle-pipeline/pkg/period"
)

// DefaultMaxSize - размер окна серии по умолчанию
const DefaultMaxSize = 365

// StoreConfig - конфигурация хранилища серий
type StoreConfig struct {
	Periods []period.Period
	MaxSize int
}

type seriesKey struct {
	symbol string
	period period.Period
}

// barSeries - упорядоченная серия одной пары, запись под mu
type barSeries struct {
	mu   sync.RWMutex
	bars []types.Bar
	max  int
}

// add добавляет бар, если его barTime еще нет в серии
func (s *barSeries) add(bar types.Bar) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.bars)
	if n > 0 && !bar.BarTime.After(s.bars[n-1].BarTime) {
		i := sort.Search(n, func(i int) bool { return !s.bars[i].BarTime.Before(bar.BarTime) })
		if i < n && s.bars[i].BarTime.Equal(bar.BarTime) {
			return false
		}
		// запоздавшее событие старше окна не вытесняет более новые бары
		if n >= s.max && i == 0 {
			return false
		}
	}

	s.bars = append(s.bars, bar)
	sort.Slice(s.bars, func(i, j int) bool { return s.bars[i].BarTime.Before(s.bars[j].BarTime) })
	if over := len(s.bars) - s.max; over > 0 {
		s.bars = append(s.bars[:0:0], s.bars[over:]...)
	}
	return true
}

func (s *barSeries) snapshot() []types.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]types.Bar, len(s.bars))
	copy(result, s.bars)
	return result
}

// Store держит ограниченные серии закрытых баров по (символ, период)
type Store struct {
	store    storage.BarStore
	registry storage.SubscriptionRegistry
	config   StoreConfig
	periods  map[period.Period]bool

	mu     sync.RWMutex
	series map[seriesKey]*barSeries
}

// NewStore создает хранилище серий
func NewStore(barStore storage.BarStore, registry storage.SubscriptionRegistry, config StoreConfig) (*Store, error) {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultMaxSize
	}
	if len(config.Periods) == 0 {
		config.Periods = period.Aggregated()
	}
	periods := make(map[period.Period]bool, len(config.Periods))
	for _, p := range config.Periods {
		if !p.Valid() {
			return nil, fmt.Errorf("series.NewStore: %w: %q", period.ErrUnknownPeriod, string(p))
		}
		periods[p] = true
	}

	return &Store{
		store:    barStore,
		registry: registry,
		config:   config,
		periods:  periods,
		series:   make(map[seriesKey]*barSeries),
	}, nil
}

// Maintains сообщает, ведется ли период
func (s *Store) Maintains(p period.Period) bool {
	return s.periods[p]
}

func (s *Store) get(symbol string, p period.Period) (*barSeries, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bs, ok := s.series[seriesKey{symbol, p}]
	return bs, ok
}

// getOrCreate возвращает серию, created=true если она создана сейчас
func (s *Store) getOrCreate(symbol string, p period.Period) (*barSeries, bool) {
	if bs, ok := s.get(symbol, p); ok {
		return bs, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey{symbol, p}
	if bs, ok := s.series[key]; ok {
		return bs, false
	}
	bs := &barSeries{max: s.config.MaxSize}
	s.series[key] = bs
	return bs, true
}

// Bootstrap создает серии для всех включенных инструментов и наполняет их из хранилища
func (s *Store) Bootstrap(ctx context.Context) error {
	return s.load(ctx, false)
}

// Refresh перечитывает реестр и наполняет только новые серии
func (s *Store) Refresh(ctx context.Context) error {
	return s.load(ctx, true)
}

func (s *Store) load(ctx context.Context, onlyNew bool) error {
	if s.registry == nil {
		return nil
	}
	symbols, err := storage.EnabledSymbols(ctx, s.registry)
	if err != nil {
		return fmt.Errorf("series.Store: реестр подписок: %w", err)
	}

	var errs []error
	seeded := 0
	for _, symbol := range symbols {
		for _, p := range s.config.Periods {
			if err := ctx.Err(); err != nil {
				return err
			}
			bs, created := s.getOrCreate(symbol, p)
			if onlyNew && !created {
				continue
			}
			n, err := s.seed(ctx, bs, symbol, p)
			if err != nil {
				errs = append(errs, err)
				logger.Warn("⚠️ Серия %s %s создана пустой: %v", symbol, p, err)
				continue
			}
			seeded++
			logger.Debug("📥 Серия %s %s: загружено %d баров", symbol, p, n)
		}
	}

	logger.Info("✅ Серии баров: %d инструментов, %d периодов, загружено серий: %d",
		len(symbols), len(s.config.Periods), seeded)
	return errors.Join(errs...)
}

func (s *Store) seed(ctx context.Context, bs *barSeries, symbol string, p period.Period) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	bars, err := s.store.QueryLatest(ctx, symbol, p, s.config.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("QueryLatest %s %s: %w", symbol, p, err)
	}
	added := 0
	for i := len(bars) - 1; i >= 0; i-- {
		if bs.add(bars[i]) {
			added++
		}
	}
	return added, nil
}

// OnBarClosed добавляет закрытый бар в его серию
func (s *Store) OnBarClosed(bar types.Bar) {
	if !s.periods[bar.Period] {
		return
	}
	bs, created := s.getOrCreate(bar.Symbol, bar.Period)
	if created {
		logger.Debug("➕ Новая серия %s %s", bar.Symbol, bar.Period)
	}
	if !bs.add(bar) {
		logger.Debug("🔁 Бар %s уже есть в серии", bar.Key())
	}
}

// HandleEvent - обработчик EventBarClosed для шины событий
func (s *Store) HandleEvent(event types.Event) error {
	switch data := event.Data.(type) {
	case types.Bar:
		s.OnBarClosed(data)
	case *types.Bar:
		if data != nil {
			s.OnBarClosed(*data)
		}
	default:
		return fmt.Errorf("series.Store: неожиданные данные события %s: %T", event.Type, event.Data)
	}
	return nil
}

func (s *Store) GetName() string { return "series_store" }

func (s *Store) GetSubscribedEvents() []types.EventType {
	return []types.EventType{types.EventBarClosed}
}

// Series возвращает снимок серии. Для ведущегося периода серия создается при первом запросе.
func (s *Store) Series(symbol string, p period.Period) (View, bool) {
	if !s.periods[p] {
		return View{symbol: symbol, period: p}, false
	}
	bs, _ := s.getOrCreate(symbol, p)
	return View{symbol: symbol, period: p, bars: bs.snapshot()}, true
}

// Keys возвращает все известные пары (символ, период)
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]string, 0, len(s.series))
	for k := range s.series {
		result = append(result, k.symbol+":"+string(k.period))
	}
	sort.Strings(result)
	return result
}

// GetStats возвращает статистику серий
func (s *Store) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, bs := range s.series {
		bs.mu.RLock()
		total += len(bs.bars)
		bs.mu.RUnlock()
	}
	return map[string]interface{}{
		"series":   len(s.series),
		"bars":     total,
		"max_size": s.config.MaxSize,
		"periods":  s.config.Periods,
	}
}
