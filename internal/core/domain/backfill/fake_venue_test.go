package backfill

import (
	"context"
	"sort"
	"sync"
	"time"

	"candle-pipeline/internal/infrastructure/api/exchanges/okx"

	"github.com/shopspring/decimal"
)

// fakeVenue отдает свечи по семантике OKX: after - записи строго раньше ts, не больше limit, самые новые
type fakeVenue struct {
	mu      sync.Mutex
	candles map[int64]okx.Candle // ключ - openTime мс
	errs    []error              // ошибки, которые вернутся первыми
	calls   []venueCall

	// начиная с вызова failFrom (с нуля) возвращается failErr
	failFrom int
	failErr  error
}

type venueCall struct {
	endpoint string
	after    int64
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{candles: make(map[int64]okx.Candle)}
}

// addMinutes добавляет свечи с openTime from, from+1m, ... (count штук)
func (v *fakeVenue) addMinutes(from time.Time, count int) {
	for i := 0; i < count; i++ {
		open := from.Add(time.Duration(i) * time.Minute)
		price := decimal.NewFromInt(int64(100 + i))
		v.candles[open.UnixMilli()] = okx.Candle{
			OpenTime: open, Open: price, High: price.Add(decimal.NewFromInt(1)), Low: price.Sub(decimal.NewFromInt(1)),
			Close: price, Volume: decimal.NewFromInt(10), Confirmed: true,
		}
	}
}

func (v *fakeVenue) Candles(ctx context.Context, req okx.CandleRequest) ([]okx.Candle, error) {
	return v.serve("candles", req)
}

func (v *fakeVenue) HistoryCandles(ctx context.Context, req okx.CandleRequest) ([]okx.Candle, error) {
	return v.serve("history", req)
}

func (v *fakeVenue) serve(endpoint string, req okx.CandleRequest) ([]okx.Candle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	call := len(v.calls)
	v.calls = append(v.calls, venueCall{endpoint: endpoint, after: req.After})
	if v.failErr != nil && call >= v.failFrom {
		return nil, v.failErr
	}
	if len(v.errs) > 0 {
		err := v.errs[0]
		v.errs = v.errs[1:]
		return nil, err
	}

	keys := make([]int64, 0, len(v.candles))
	for k := range v.candles {
		if req.After == 0 || k < req.After {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })
	if len(keys) > req.Limit {
		keys = keys[:req.Limit]
	}
	page := make([]okx.Candle, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		page = append(page, v.candles[keys[i]])
	}
	return page, nil
}

func (v *fakeVenue) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

// noSleep фиксирует запрошенные паузы
type noSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *noSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}
