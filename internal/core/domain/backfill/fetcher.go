// internal/core/domain/backfill/fetcher.go
package backfill

import (
	"context"
	"fmt"
	"sort"
	"time"

	"candle-pipeline/internal/core/domain/candle"
	"candle-pipeline/internal/infrastructure/api/exchanges/okx"
	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/logger"
	"candle-pipeline/pkg/period"
)

// VenueClient - исторические свечи биржи
type VenueClient interface {
	// Candles - недавний эндпоинт (текущие сутки)
	Candles(ctx context.Context, req okx.CandleRequest) ([]okx.Candle, error)
	// HistoryCandles - исторический эндпоинт
	HistoryCandles(ctx context.Context, req okx.CandleRequest) ([]okx.Candle, error)
}

// FetcherConfig - параметры постраничной загрузки
type FetcherConfig struct {
	PageLimit    int
	PageDelay    time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Now          func() time.Time
	Sleep        func(ctx context.Context, d time.Duration) error
}

// DefaultFetcherConfig - конфигурация по умолчанию
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		PageLimit:    okx.MaxLimit,
		PageDelay:    250 * time.Millisecond,
		MaxRetries:   3,
		RetryBackoff: time.Second,
	}
}

// HistoricalFetcher постранично забирает минутные свечи с биржи
type HistoricalFetcher struct {
	client VenueClient
	config FetcherConfig
}

// NewHistoricalFetcher создает загрузчик
func NewHistoricalFetcher(client VenueClient, config FetcherConfig) *HistoricalFetcher {
	def := DefaultFetcherConfig()
	if config.PageLimit <= 0 || config.PageLimit > okx.MaxLimit {
		config.PageLimit = def.PageLimit
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Sleep == nil {
		config.Sleep = sleepContext
	}
	return &HistoricalFetcher{client: client, config: config}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// span - отрезок пропусков [first, last] по barTime
type span struct {
	first time.Time
	last  time.Time
}

// clusterSpans группирует пропуски так, чтобы соседние пропуски дальше страницы шли отдельными отрезками
func clusterSpans(missing []time.Time, pageLimit int) []span {
	if len(missing) == 0 {
		return nil
	}
	maxGap := time.Duration(pageLimit) * time.Minute

	spans := []span{{first: missing[0], last: missing[0]}}
	for _, ts := range missing[1:] {
		cur := &spans[len(spans)-1]
		if ts.Sub(cur.last) > maxGap {
			spans = append(spans, span{first: ts, last: ts})
			continue
		}
		cur.last = ts
	}
	return spans
}

// Fetch загружает бары для указанных минутных barTime.
// При ошибке возвращает то, что успело загрузиться, вместе с ошибкой.
func (f *HistoricalFetcher) Fetch(ctx context.Context, symbol string, missing []time.Time) ([]types.Bar, error) {
	if len(missing) == 0 {
		return nil, nil
	}

	wanted := make(map[int64]struct{}, len(missing))
	sorted := make([]time.Time, 0, len(missing))
	for _, ts := range missing {
		aligned := candle.Align(ts, period.M1)
		if _, dup := wanted[aligned.UnixMilli()]; dup {
			continue
		}
		wanted[aligned.UnixMilli()] = struct{}{}
		sorted = append(sorted, aligned)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	collected := make(map[int64]types.Bar, len(sorted))
	calls := 0
	var fetchErr error

	for _, sp := range clusterSpans(sorted, f.config.PageLimit) {
		if err := ctx.Err(); err != nil {
			fetchErr = err
			break
		}
		if err := f.fetchSpan(ctx, symbol, sp, wanted, collected, &calls); err != nil {
			fetchErr = err
			break
		}
	}

	bars := make([]types.Bar, 0, len(collected))
	for _, b := range collected {
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].BarTime.Before(bars[j].BarTime) })

	logger.Debug("📥 HistoricalFetcher %s: запрошено %d, получено %d за %d запросов",
		symbol, len(sorted), len(bars), calls)
	if fetchErr != nil {
		return bars, fmt.Errorf("HistoricalFetcher.Fetch %s: %w", symbol, fetchErr)
	}
	return bars, nil
}

// FetchRange загружает всю минутную сетку [start, end)
func (f *HistoricalFetcher) FetchRange(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	return f.Fetch(ctx, symbol, candle.ExpectedTimestamps(start, end, period.M1).All())
}

// fetchSpan идет назад от конца отрезка курсором after (записи строго раньше ts)
func (f *HistoricalFetcher) fetchSpan(ctx context.Context, symbol string, sp span, wanted map[int64]struct{}, collected map[int64]types.Bar, calls *int) error {
	// нужна свеча с openTime = last - 1m, after = last ее включает
	cursor := sp.last.UnixMilli()
	firstOpen := sp.first.Add(-time.Minute).UnixMilli()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if *calls > 0 {
			if err := f.config.Sleep(ctx, f.config.PageDelay); err != nil {
				return err
			}
		}
		*calls++

		page, err := f.fetchPage(ctx, symbol, cursor)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			logger.Debug("HistoricalFetcher %s: пустая страница на after=%d", symbol, cursor)
			return nil
		}

		oldest := page[0].OpenTime.UnixMilli()
		for _, c := range page {
			if c.OpenTime.UnixMilli() < oldest {
				oldest = c.OpenTime.UnixMilli()
			}
			// незакрытая текущая минута
			if !c.Confirmed {
				continue
			}
			bar := candleToBar(symbol, c)
			ms := bar.BarTime.UnixMilli()
			if _, ok := wanted[ms]; ok {
				collected[ms] = bar
			}
		}

		if oldest <= firstOpen {
			return nil
		}
		if oldest >= cursor {
			logger.Warn("⚠️ HistoricalFetcher %s: страница не сдвинулась (after=%d)", symbol, cursor)
			return nil
		}
		cursor = oldest
	}
}

// fetchPage делает один запрос с повторами на временных ошибках
func (f *HistoricalFetcher) fetchPage(ctx context.Context, symbol string, after int64) ([]okx.Candle, error) {
	req := okx.CandleRequest{
		InstID: symbol,
		Bar:    period.M1.OKXBar(),
		After:  after,
		Limit:  f.config.PageLimit,
	}

	recent := f.isCurrentDay(time.UnixMilli(after).Add(-time.Minute))

	var lastErr error
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := f.config.RetryBackoff * time.Duration(attempt)
			logger.Warn("⚠️ HistoricalFetcher %s: повтор %d/%d через %v: %v",
				symbol, attempt, f.config.MaxRetries, delay, lastErr)
			if err := f.config.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		var page []okx.Candle
		var err error
		if recent {
			page, err = f.client.Candles(ctx, req)
		} else {
			page, err = f.client.HistoryCandles(ctx, req)
		}
		if err == nil {
			return page, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("после %d повторов: %w", f.config.MaxRetries, lastErr)
}

func (f *HistoricalFetcher) isCurrentDay(t time.Time) bool {
	now := f.config.Now().UTC()
	y1, m1, d1 := now.Date()
	y2, m2, d2 := t.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func candleToBar(symbol string, c okx.Candle) types.Bar {
	return types.Bar{
		Symbol:      symbol,
		Period:      period.M1,
		BarTime:     c.OpenTime.UTC().Add(time.Minute),
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
		SourceCount: 1,
	}
}
