package candle

import (
	"testing"
	"time"

	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/period"

	"github.com/shopspring/decimal"
)

func minuteBar(symbol string, openTime time.Time, o, h, l, c, v int64) types.MinuteBar {
	return types.MinuteBar{
		Symbol:    symbol,
		Exchange:  "okx",
		OpenTime:  openTime,
		CloseTime: openTime.Add(time.Minute - time.Millisecond),
		Period:    "1m",
		Open:      decimal.NewFromInt(o),
		High:      decimal.NewFromInt(h),
		Low:       decimal.NewFromInt(l),
		Close:     decimal.NewFromInt(c),
		Volume:    decimal.NewFromInt(v),
		IsFinal:   true,
	}
}

func TestBucketAbsorb(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	b := NewBucket("BTC-USDT", period.M5, start)

	if !b.Absorb(minuteBar("BTC-USDT", start, 100, 105, 99, 103, 10)) {
		t.Fatal("first absorb rejected")
	}
	b.Absorb(minuteBar("BTC-USDT", start.Add(2*time.Minute), 103, 110, 101, 108, 5))
	// более ранний бар пришел последним: close не меняется
	b.Absorb(minuteBar("BTC-USDT", start.Add(time.Minute), 104, 106, 90, 104, 7))

	if !b.Open.Equal(decimal.NewFromInt(100)) {
		t.Errorf("open = %s", b.Open)
	}
	if !b.High.Equal(decimal.NewFromInt(110)) || !b.Low.Equal(decimal.NewFromInt(90)) {
		t.Errorf("high/low = %s/%s", b.High, b.Low)
	}
	if !b.Close.Equal(decimal.NewFromInt(108)) {
		t.Errorf("close = %s, want 108", b.Close)
	}
	if !b.Volume.Equal(decimal.NewFromInt(22)) || b.Count != 3 {
		t.Errorf("volume/count = %s/%d", b.Volume, b.Count)
	}
	if len(b.Sources()) != 3 {
		t.Errorf("sources = %v", b.Sources())
	}
}

func TestBucketRejectsDuplicateAndOutOfWindow(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	b := NewBucket("BTC-USDT", period.M5, start)
	bar := minuteBar("BTC-USDT", start, 100, 105, 99, 103, 10)

	b.Absorb(bar)
	if b.Absorb(bar) {
		t.Error("duplicate absorbed")
	}
	if b.Absorb(minuteBar("BTC-USDT", start.Add(5*time.Minute), 1, 1, 1, 1, 1)) {
		t.Error("bar from next window absorbed")
	}
	if b.Count != 1 || !b.Volume.Equal(decimal.NewFromInt(10)) {
		t.Errorf("count/volume = %d/%s", b.Count, b.Volume)
	}
}

func TestBucketBar(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	b := NewBucket("ETH-USDT", period.M15, start)
	for i := 0; i < 15; i++ {
		b.Absorb(minuteBar("ETH-USDT", start.Add(time.Duration(i)*time.Minute), 10, 11, 9, 10, 1))
	}
	if !b.Complete() {
		t.Error("bucket should be complete")
	}
	bar := b.Bar()
	if !bar.BarTime.Equal(start.Add(15*time.Minute)) || bar.SourceCount != 15 || bar.Period != period.M15 {
		t.Errorf("bar = %s", bar)
	}
	if !bar.OpenTime().Equal(start) {
		t.Errorf("open time = %s", bar.OpenTime())
	}
}
