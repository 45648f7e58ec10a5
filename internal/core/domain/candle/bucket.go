// internal/core/domain/candle/bucket.go
package candle

import (
	"time"

	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/period"

	"github.com/shopspring/decimal"
)

// Bucket - незакрытый бар одного окна (symbol, period, windowStart)
type Bucket struct {
	Symbol      string
	Period      period.Period
	WindowStart time.Time
	WindowEnd   time.Time

	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
	Count  int

	lastOpen time.Time
	sources  map[int64]struct{}
}

// NewBucket создает пустой бакет для окна
func NewBucket(symbol string, p period.Period, windowStart time.Time) *Bucket {
	return &Bucket{
		Symbol:      symbol,
		Period:      p,
		WindowStart: windowStart,
		WindowEnd:   windowStart.Add(p.Duration()),
		sources:     make(map[int64]struct{}, p.Minutes()),
	}
}

// Contains проверяет, попадает ли время открытия в окно
func (b *Bucket) Contains(openTime time.Time) bool {
	return !openTime.Before(b.WindowStart) && openTime.Before(b.WindowEnd)
}

// Absorb вливает минутный бар. false - бар уже учтен или вне окна.
func (b *Bucket) Absorb(bar types.MinuteBar) bool {
	if !b.Contains(bar.OpenTime) {
		return false
	}
	key := bar.OpenTime.UnixMilli()
	if _, ok := b.sources[key]; ok {
		return false
	}
	b.sources[key] = struct{}{}

	if b.Count == 0 {
		b.Open = bar.Open
		b.High = bar.High
		b.Low = bar.Low
		b.Close = bar.Close
		b.Volume = bar.Volume
		b.lastOpen = bar.OpenTime
		b.Count = 1
		return true
	}

	if bar.High.GreaterThan(b.High) {
		b.High = bar.High
	}
	if bar.Low.LessThan(b.Low) {
		b.Low = bar.Low
	}
	// close берется по времени бара, а не по порядку прихода
	if bar.OpenTime.After(b.lastOpen) {
		b.Close = bar.Close
		b.lastOpen = bar.OpenTime
	}
	b.Volume = b.Volume.Add(bar.Volume)
	b.Count++
	return true
}

// Complete сообщает, что в окне собраны все минутные бары
func (b *Bucket) Complete() bool {
	return b.Count >= b.Period.Minutes()
}

// Sources возвращает учтенные времена открытия (мс)
func (b *Bucket) Sources() []int64 {
	result := make([]int64, 0, len(b.sources))
	for k := range b.sources {
		result = append(result, k)
	}
	return result
}

// Bar возвращает закрытый бар, barTime = конец окна
func (b *Bucket) Bar() types.Bar {
	return types.Bar{
		Symbol:      b.Symbol,
		Period:      b.Period,
		BarTime:     b.WindowEnd,
		Open:        b.Open,
		High:        b.High,
		Low:         b.Low,
		Close:       b.Close,
		Volume:      b.Volume,
		SourceCount: b.Count,
	}
}
