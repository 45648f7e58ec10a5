// internal/types/storage/storage.go
package storage

import (
	"context"
	"time"

	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/period"
)

// BarStore - постоянное хранилище баров, ключ (symbol, period, barTime)
type BarStore interface {
	// Exists проверяет наличие бара
	Exists(ctx context.Context, symbol string, p period.Period, barTime time.Time) (bool, error)

	// Save идемпотентно сохраняет бар, false если бар уже был
	Save(ctx context.Context, bar types.Bar) (bool, error)

	// Query возвращает бары из [start, end) по возрастанию barTime
	Query(ctx context.Context, symbol string, p period.Period, start, end time.Time) ([]types.Bar, error)

	// QueryLatest возвращает последние limit баров по убыванию barTime
	QueryLatest(ctx context.Context, symbol string, p period.Period, limit int) ([]types.Bar, error)

	// QueryDistinctTimestamps возвращает различные barTime из [start, end)
	QueryDistinctTimestamps(ctx context.Context, symbol string, p period.Period, start, end time.Time) ([]time.Time, error)
}

// SubscriptionRegistry - реестр инструментов для живого обслуживания
type SubscriptionRegistry interface {
	List(ctx context.Context) ([]types.Subscription, error)
}

// EnabledSymbols возвращает символы включенных подписок
func EnabledSymbols(ctx context.Context, r SubscriptionRegistry) ([]string, error) {
	subs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.Enabled {
			symbols = append(symbols, s.Symbol)
		}
	}
	return symbols, nil
}

// StaticRegistry - реестр из конфигурации
type StaticRegistry struct {
	symbols []string
}

func NewStaticRegistry(symbols []string) *StaticRegistry {
	return &StaticRegistry{symbols: append([]string(nil), symbols...)}
}

func (r *StaticRegistry) List(ctx context.Context) ([]types.Subscription, error) {
	subs := make([]types.Subscription, 0, len(r.symbols))
	for _, s := range r.symbols {
		subs = append(subs, types.Subscription{Symbol: s, Enabled: true})
	}
	return subs, nil
}
