package candle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/period"

	"github.com/shopspring/decimal"
)

type recorder struct {
	mu   sync.Mutex
	bars []types.Bar
}

func (r *recorder) OnBarClosed(bar types.Bar) {
	r.mu.Lock()
	r.bars = append(r.bars, bar)
	r.mu.Unlock()
}

func (r *recorder) byPeriod(p period.Period) []types.Bar {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []types.Bar
	for _, b := range r.bars {
		if b.Period == p {
			result = append(result, b)
		}
	}
	return result
}

func newTestAggregator(t *testing.T, cfg AggregatorConfig) (*Aggregator, *recorder) {
	t.Helper()
	rec := &recorder{}
	agg, err := NewAggregator(cfg, rec)
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	return agg, rec
}

func feed(t *testing.T, agg *Aggregator, bars ...types.MinuteBar) {
	t.Helper()
	for _, b := range bars {
		if err := agg.OnMinuteBar(b); err != nil {
			t.Fatalf("OnMinuteBar(%s): %v", b.OpenTime, err)
		}
	}
}

var base = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func TestAggregatorFiveMinuteScenario(t *testing.T) {
	agg, rec := newTestAggregator(t, DefaultAggregatorConfig())
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for i := int64(0); i < 5; i++ {
		o := 100 + i
		feed(t, agg, minuteBar("BTC-USDT", start.Add(time.Duration(i)*time.Minute), o, o+5, o-1, 103, 1000))
	}
	if got := rec.byPeriod(period.M5); len(got) != 0 {
		t.Fatalf("window closed early: %v", got)
	}

	feed(t, agg, minuteBar("BTC-USDT", start.Add(5*time.Minute), 105, 110, 104, 108, 1000))

	closed := rec.byPeriod(period.M5)
	if len(closed) != 1 {
		t.Fatalf("5m closures = %d, want 1", len(closed))
	}
	bar := closed[0]
	if !bar.BarTime.Equal(start.Add(5 * time.Minute)) {
		t.Errorf("barTime = %s, want 10:05", bar.BarTime)
	}
	if !bar.Open.Equal(decimal.NewFromInt(100)) || !bar.Close.Equal(decimal.NewFromInt(103)) {
		t.Errorf("open/close = %s/%s", bar.Open, bar.Close)
	}
	if !bar.High.Equal(decimal.NewFromInt(109)) || !bar.Low.Equal(decimal.NewFromInt(99)) {
		t.Errorf("high/low = %s/%s", bar.High, bar.Low)
	}
	if !bar.Volume.Equal(decimal.NewFromInt(5000)) || bar.SourceCount != 5 {
		t.Errorf("volume/count = %s/%d", bar.Volume, bar.SourceCount)
	}
}

func TestAggregatorClosesEachPeriodOnce(t *testing.T) {
	for _, p := range period.Aggregated() {
		t.Run(string(p), func(t *testing.T) {
			agg, rec := newTestAggregator(t, DefaultAggregatorConfig())
			n := p.Minutes()
			for i := 0; i <= n; i++ {
				feed(t, agg, minuteBar("ETH-USDT", at(i), int64(10+i), int64(20+i), int64(5+i), int64(15+i), 2))
			}
			closed := rec.byPeriod(p)
			if len(closed) != 1 {
				t.Fatalf("closures = %d, want 1", len(closed))
			}
			bar := closed[0]
			if !bar.Open.Equal(decimal.NewFromInt(10)) {
				t.Errorf("open = %s", bar.Open)
			}
			if !bar.Close.Equal(decimal.NewFromInt(int64(15 + n - 1))) {
				t.Errorf("close = %s, want %d", bar.Close, 15+n-1)
			}
			if bar.SourceCount != n || !bar.BarTime.Equal(at(n)) {
				t.Errorf("count/barTime = %d/%s", bar.SourceCount, bar.BarTime)
			}
		})
	}
}

func TestAggregatorFanOut(t *testing.T) {
	agg, rec := newTestAggregator(t, DefaultAggregatorConfig())
	for i := 0; i < 16; i++ {
		feed(t, agg, minuteBar("BTC-USDT", at(i), 1, 2, 1, 2, 1))
	}

	want := map[period.Period]int{
		period.M1:  16,
		period.M5:  3,
		period.M15: 1,
		period.M30: 0,
		period.H1:  0,
		period.H4:  0,
	}
	for p, n := range want {
		if got := len(rec.byPeriod(p)); got != n {
			t.Errorf("%s closures = %d, want %d", p, got, n)
		}
	}
}

func TestAggregatorIdempotentIngestion(t *testing.T) {
	once, _ := newTestAggregator(t, DefaultAggregatorConfig())
	twice, rec := newTestAggregator(t, DefaultAggregatorConfig())

	for i := 0; i < 7; i++ {
		bar := minuteBar("BTC-USDT", at(i), int64(100+i), int64(110+i), int64(90+i), int64(105+i), 3)
		feed(t, once, bar)
		feed(t, twice, bar, bar)
	}

	for _, p := range period.Aggregated() {
		a, b := once.OpenBuckets("BTC-USDT", p), twice.OpenBuckets("BTC-USDT", p)
		if len(a) != len(b) {
			t.Fatalf("%s open buckets %d vs %d", p, len(a), len(b))
		}
		for i := range a {
			if a[i].String() != b[i].String() {
				t.Errorf("%s bucket %d: %s vs %s", p, i, a[i], b[i])
			}
		}
	}
	if got := len(rec.byPeriod(period.M1)); got != 7 {
		t.Errorf("pass-through 1m bars = %d, want 7", got)
	}
	if s := twice.Stats(); s.Duplicates != 7*int64(len(period.Aggregated())) {
		t.Errorf("duplicates = %d", s.Duplicates)
	}
}

func TestAggregatorRedeliveryAfterClose(t *testing.T) {
	agg, rec := newTestAggregator(t, DefaultAggregatorConfig())
	for i := 0; i <= 5; i++ {
		feed(t, agg, minuteBar("BTC-USDT", at(i), 1, 2, 1, 2, 1))
	}
	// повтор бара из уже закрытого окна
	feed(t, agg, minuteBar("BTC-USDT", at(2), 1, 2, 1, 2, 1), minuteBar("BTC-USDT", at(6), 1, 2, 1, 2, 1))

	if got := len(rec.byPeriod(period.M5)); got != 1 {
		t.Errorf("5m closures = %d, want 1", got)
	}
	if s := agg.Stats(); s.Late != 0 {
		t.Errorf("late = %d, want 0", s.Late)
	}
}

func TestAggregatorLateBar(t *testing.T) {
	agg, rec := newTestAggregator(t, DefaultAggregatorConfig())
	for _, m := range []int{0, 1, 3, 4, 5} {
		feed(t, agg, minuteBar("BTC-USDT", at(m), 1, 2, 1, 2, 1))
	}
	closed := rec.byPeriod(period.M5)
	if len(closed) != 1 || closed[0].SourceCount != 4 {
		t.Fatalf("first closure = %v", closed)
	}

	feed(t, agg, minuteBar("BTC-USDT", at(2), 1, 2, 1, 2, 1))
	if s := agg.Stats(); s.Late != 1 {
		t.Fatalf("late = %d, want 1", s.Late)
	}

	// запоздавший бакет закрывается следующим баром потока
	feed(t, agg, minuteBar("BTC-USDT", at(6), 1, 2, 1, 2, 1))
	closed = rec.byPeriod(period.M5)
	if len(closed) != 2 {
		t.Fatalf("5m closures = %d, want 2", len(closed))
	}
	if !closed[1].BarTime.Equal(at(5)) || closed[1].SourceCount != 1 {
		t.Errorf("late closure = %s", closed[1])
	}

	// 15m окно еще открыто и получило все пять баров
	open := agg.OpenBuckets("BTC-USDT", period.M15)
	if len(open) != 1 || open[0].SourceCount != 7 {
		t.Errorf("15m open buckets = %v", open)
	}
}

func TestAggregatorSkipsNonFinalAndInvalid(t *testing.T) {
	agg, rec := newTestAggregator(t, DefaultAggregatorConfig())

	nonFinal := minuteBar("BTC-USDT", at(0), 1, 2, 1, 2, 1)
	nonFinal.IsFinal = false
	if err := agg.OnMinuteBar(nonFinal); err != nil {
		t.Fatalf("non-final: %v", err)
	}

	invalid := minuteBar("BTC-USDT", at(1), 1, 1, 2, 1, 1)
	if err := agg.OnMinuteBar(invalid); !errors.Is(err, ErrInvalidBar) {
		t.Fatalf("invalid bar error = %v", err)
	}
	if err := agg.OnMinuteBar(minuteBar("", at(1), 1, 2, 1, 2, 1)); !errors.Is(err, ErrInvalidBar) {
		t.Fatalf("empty symbol error = %v", err)
	}

	// после плохого бара поток продолжает обрабатываться
	feed(t, agg, minuteBar("BTC-USDT", at(2), 1, 2, 1, 2, 1))

	s := agg.Stats()
	if s.NonFinal != 1 || s.Invalid != 2 || s.PassThrough != 1 {
		t.Errorf("stats = %+v", s)
	}
	if len(rec.byPeriod(period.M1)) != 1 {
		t.Errorf("unexpected emissions: %v", rec.bars)
	}
}

func TestNewAggregatorRejectsBadPeriods(t *testing.T) {
	if _, err := NewAggregator(AggregatorConfig{Periods: []period.Period{"7m"}}); !errors.Is(err, period.ErrUnknownPeriod) {
		t.Errorf("unknown period error = %v", err)
	}
	if _, err := NewAggregator(AggregatorConfig{Periods: []period.Period{period.M1}}); err == nil {
		t.Error("1m accepted as aggregated period")
	}
}

func TestAggregatorReaper(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 11, 0, 0, time.UTC)
	var staleSymbols []string

	cfg := DefaultAggregatorConfig()
	cfg.Now = func() time.Time { return now }
	cfg.StaleGrace = 5 * time.Minute
	cfg.OnStale = func(symbol string) { staleSymbols = append(staleSymbols, symbol) }
	agg, rec := newTestAggregator(t, cfg)

	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		feed(t, agg, minuteBar("SOL-USDT", start.Add(time.Duration(i)*time.Minute), 1, 2, 1, 2, 1))
	}

	agg.Reap()
	forced := rec.byPeriod(period.M5)
	if len(forced) != 1 || forced[0].SourceCount != 5 || !forced[0].BarTime.Equal(start.Add(5*time.Minute)) {
		t.Fatalf("forced closure = %v", forced)
	}
	if len(agg.OpenBuckets("SOL-USDT", period.M15)) != 1 {
		t.Fatal("15m bucket reaped before its grace")
	}

	now = time.Date(2024, 1, 1, 10, 21, 0, 0, time.UTC)
	agg.Reap()
	if len(agg.OpenBuckets("SOL-USDT", period.M15)) != 0 {
		t.Error("incomplete 15m bucket was not discarded")
	}
	if len(rec.byPeriod(period.M15)) != 0 {
		t.Error("incomplete 15m bucket was emitted")
	}

	s := agg.Stats()
	if s.ForcedClosed != 1 || s.Discarded != 1 {
		t.Errorf("forced/discarded = %d/%d", s.ForcedClosed, s.Discarded)
	}
	if len(staleSymbols) != 2 || staleSymbols[0] != "SOL-USDT" {
		t.Errorf("stale callbacks = %v", staleSymbols)
	}
}

func TestAggregatorTrimsDedupKeys(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.DedupRetention = 10 * time.Minute
	cfg.Now = func() time.Time { return at(31) }
	agg, _ := newTestAggregator(t, cfg)

	for i := 0; i <= 30; i++ {
		feed(t, agg, minuteBar("BTC-USDT", at(i), 1, 2, 1, 2, 1))
	}
	before := agg.Stats().DedupKeys
	agg.Reap()
	after := agg.Stats()
	if after.TrimmedKeys == 0 || after.DedupKeys >= before {
		t.Errorf("dedup keys before=%d after=%d trimmed=%d", before, after.DedupKeys, after.TrimmedKeys)
	}
}

func TestAggregatorConcurrentSymbols(t *testing.T) {
	agg, rec := newTestAggregator(t, DefaultAggregatorConfig())
	symbols := []string{"BTC-USDT", "ETH-USDT", "SOL-USDT", "XRP-USDT"}

	var wg sync.WaitGroup
	for _, s := range symbols {
		// несколько горутин повторяют один и тот же поток символа
		for dup := 0; dup < 3; dup++ {
			wg.Add(1)
			go func(symbol string) {
				defer wg.Done()
				for i := 0; i < 16; i++ {
					if err := agg.OnMinuteBar(minuteBar(symbol, at(i), 1, 2, 1, 2, 1)); err != nil {
						t.Error(err)
					}
				}
			}(s)
		}
	}
	wg.Wait()

	for _, s := range symbols {
		var n5, n15 int
		for _, b := range rec.byPeriod(period.M5) {
			if b.Symbol == s {
				n5++
			}
		}
		for _, b := range rec.byPeriod(period.M15) {
			if b.Symbol == s {
				n15++
			}
		}
		if n5 != 3 || n15 != 1 {
			t.Errorf("%s: 5m=%d 15m=%d", s, n5, n15)
		}
	}
	if got := len(rec.byPeriod(period.M1)); got != 16*len(symbols) {
		t.Errorf("1m pass-through = %d", got)
	}
}

func TestAggregatorStartStop(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.ReaperInterval = time.Millisecond
	cfg.StatsInterval = 0
	agg, _ := newTestAggregator(t, cfg)

	if err := agg.Start(); err != nil {
		t.Fatal(err)
	}
	_ = agg.Start()
	time.Sleep(5 * time.Millisecond)
	if err := agg.Stop(); err != nil {
		t.Fatal(err)
	}
	_ = agg.Stop()

	stats := agg.GetStats()
	if _, ok := stats["active_buckets"]; !ok {
		t.Errorf("stats map missing keys: %v", stats)
	}
}
