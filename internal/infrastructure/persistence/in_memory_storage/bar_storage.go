// internal/infrastructure/persistence/in_memory_storage/bar_storage.go
package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/period"
)

type seriesKey struct {
	symbol string
	period period.Period
}

// BarStorage - хранилище баров в памяти
type BarStorage struct {
	mu     sync.RWMutex
	series map[seriesKey]map[int64]types.Bar

	saved    int64
	rejected int64
}

// NewBarStorage создает хранилище баров в памяти
func NewBarStorage() *BarStorage {
	return &BarStorage{
		series: make(map[seriesKey]map[int64]types.Bar),
	}
}

func (s *BarStorage) Exists(ctx context.Context, symbol string, p period.Period, barTime time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.series[seriesKey{symbol, p}][barTime.UnixMilli()]
	return ok, nil
}

func (s *BarStorage) Save(ctx context.Context, bar types.Bar) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey{bar.Symbol, bar.Period}
	bars, ok := s.series[key]
	if !ok {
		bars = make(map[int64]types.Bar)
		s.series[key] = bars
	}
	ts := bar.BarTime.UnixMilli()
	if _, exists := bars[ts]; exists {
		s.rejected++
		return false, nil
	}
	bar.BarTime = bar.BarTime.UTC()
	bars[ts] = bar
	s.saved++
	return true, nil
}

func (s *BarStorage) Query(ctx context.Context, symbol string, p period.Period, start, end time.Time) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, to := start.UnixMilli(), end.UnixMilli()
	var result []types.Bar
	for ts, bar := range s.series[seriesKey{symbol, p}] {
		if ts >= from && ts < to {
			result = append(result, bar)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BarTime.Before(result[j].BarTime) })
	return result, nil
}

func (s *BarStorage) QueryLatest(ctx context.Context, symbol string, p period.Period, limit int) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars := s.series[seriesKey{symbol, p}]
	result := make([]types.Bar, 0, len(bars))
	for _, bar := range bars {
		result = append(result, bar)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BarTime.After(result[j].BarTime) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *BarStorage) QueryDistinctTimestamps(ctx context.Context, symbol string, p period.Period, start, end time.Time) ([]time.Time, error) {
	bars, err := s.Query(ctx, symbol, p, start, end)
	if err != nil {
		return nil, err
	}
	result := make([]time.Time, len(bars))
	for i, b := range bars {
		result[i] = b.BarTime
	}
	return result, nil
}

// Delete удаляет бар (тесты и ручной ремонт)
func (s *BarStorage) Delete(symbol string, p period.Period, barTime time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	bars := s.series[seriesKey{symbol, p}]
	ts := barTime.UnixMilli()
	if _, ok := bars[ts]; !ok {
		return false
	}
	delete(bars, ts)
	return true
}

// Count возвращает число баров серии
func (s *BarStorage) Count(symbol string, p period.Period) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[seriesKey{symbol, p}])
}

// GetStats возвращает статистику хранилища
func (s *BarStorage) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, bars := range s.series {
		total += len(bars)
	}
	return map[string]interface{}{
		"storage_type": "memory",
		"series":       len(s.series),
		"bars":         total,
		"saved":        s.saved,
		"rejected":     s.rejected,
	}
}
