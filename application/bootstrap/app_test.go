package bootstrap

import (
	"context"
	"testing"
	"time"

	"candle-pipeline/internal/infrastructure/config"
	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/period"

	"github.com/shopspring/decimal"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Environment:     "test",
		StorageBackend:  config.BackendMemory,
		ShutdownTimeout: 5 * time.Second,
	}
	cfg.Exchange.StreamDisabled = true
	cfg.Pipeline = config.PipelineConfig{
		Symbols:          []string{"BTC-USDT"},
		AggregatePeriods: []period.Period{period.M5, period.M15},
		SeriesPeriods:    []period.Period{period.M5},
		SeriesMaxSize:    10,
		PersistWorkers:   2,
		PersistQueueSize: 16,
		OverflowPolicy:   config.OverflowSync,
		DedupRetention:   time.Hour,
		ReaperInterval:   time.Minute,
		StaleBucketGrace: 5 * time.Minute,
	}
	return cfg
}

func minute(start time.Time, i int) types.MinuteBar {
	open := start.Add(time.Duration(i) * time.Minute)
	return types.MinuteBar{
		Symbol: "BTC-USDT", Exchange: "okx", Period: "1m",
		OpenTime: open, CloseTime: open.Add(time.Minute),
		Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101 + int64(i)),
		Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100), Volume: decimal.NewFromInt(1),
		IsFinal: true,
	}
}

func TestApplicationEndToEnd(t *testing.T) {
	ctx := context.Background()
	app, err := New(ctx, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := app.Start(ctx); err != nil {
		t.Fatal(err)
	}

	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		if err := app.Aggregator().OnMinuteBar(minute(start, i)); err != nil {
			t.Fatal(err)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}

	bars := app.Storage().Bars
	m1, err := bars.Query(ctx, "BTC-USDT", period.M1, start, start.Add(time.Hour))
	if err != nil || len(m1) != 6 {
		t.Fatalf("1m bars = %d, err = %v", len(m1), err)
	}
	m5, err := bars.Query(ctx, "BTC-USDT", period.M5, start, start.Add(time.Hour))
	if err != nil || len(m5) != 1 {
		t.Fatalf("5m bars = %d, err = %v", len(m5), err)
	}
	want := start.Add(5 * time.Minute)
	if !m5[0].BarTime.Equal(want) || !m5[0].High.Equal(decimal.NewFromInt(105)) || m5[0].SourceCount != 5 {
		t.Errorf("5m bar = %s", m5[0])
	}

	view, ok := app.Series().Series("BTC-USDT", period.M5)
	if !ok || view.Size() != 1 {
		t.Errorf("series size = %d", view.Size())
	}

	names := map[string]bool{}
	for _, job := range app.Scheduler().Jobs() {
		names[job.Name] = true
	}
	if !names[JobSeriesRefresh] || names[JobBackfillSweep] || names[JobBarVerify] {
		t.Errorf("jobs = %v", names)
	}
}

func TestSeriesCompleteWithoutBus(t *testing.T) {
	ctx := context.Background()
	app, err := New(ctx, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := app.Start(ctx); err != nil {
		t.Fatal(err)
	}
	// Шина не принимает события, серии должны наполняться мимо нее
	app.eventBus.Stop()

	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i <= 30; i++ {
		if err := app.Aggregator().OnMinuteBar(minute(start, i)); err != nil {
			t.Fatal(err)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}

	m5, err := app.Storage().Bars.Query(ctx, "BTC-USDT", period.M5, start, start.Add(time.Hour))
	if err != nil || len(m5) != 6 {
		t.Fatalf("5m bars = %d, err = %v", len(m5), err)
	}
	view, ok := app.Series().Series("BTC-USDT", period.M5)
	if !ok || view.Size() != len(m5) {
		t.Errorf("series size = %d, closed = %d", view.Size(), len(m5))
	}
}

func TestUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.StorageBackend = "sqlite"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error")
	}
}
