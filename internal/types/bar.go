// internal/types/bar.go
package types

import (
	"fmt"
	"time"

	"candle-pipeline/pkg/period"

	"github.com/shopspring/decimal"
)

// Bar - закрытый OHLCV бар. BarTime - время закрытия бара (UTC).
type Bar struct {
	Symbol      string          `json:"symbol" db:"symbol"`
	Period      period.Period   `json:"period" db:"period"`
	BarTime     time.Time       `json:"bar_time" db:"bar_time"`
	Open        decimal.Decimal `json:"open" db:"open"`
	High        decimal.Decimal `json:"high" db:"high"`
	Low         decimal.Decimal `json:"low" db:"low"`
	Close       decimal.Decimal `json:"close" db:"close"`
	Volume      decimal.Decimal `json:"volume" db:"volume"`
	SourceCount int             `json:"source_count" db:"source_count"`
}

// OpenTime возвращает время открытия бара
func (b Bar) OpenTime() time.Time {
	return b.BarTime.Add(-b.Period.Duration())
}

// Key - уникальный ключ бара в хранилище
func (b Bar) Key() string {
	return fmt.Sprintf("%s:%s:%d", b.Symbol, b.Period, b.BarTime.UnixMilli())
}

func (b Bar) String() string {
	return fmt.Sprintf("%s %s @%s O=%s H=%s L=%s C=%s V=%s n=%d",
		b.Symbol, b.Period, b.BarTime.UTC().Format(time.RFC3339),
		b.Open, b.High, b.Low, b.Close, b.Volume, b.SourceCount)
}

// MinuteBar - входящее событие минутного бара с биржи
type MinuteBar struct {
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Period    string          `json:"period"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	IsFinal   bool            `json:"is_final"`
	EventTime time.Time       `json:"event_time"`
}

// AsBar переводит минутное событие в закрытый 1m бар
func (m MinuteBar) AsBar() Bar {
	return Bar{
		Symbol:      m.Symbol,
		Period:      period.M1,
		BarTime:     m.OpenTime.UTC().Add(time.Minute),
		Open:        m.Open,
		High:        m.High,
		Low:         m.Low,
		Close:       m.Close,
		Volume:      m.Volume,
		SourceCount: 1,
	}
}

// Subscription - запись реестра подписок
type Subscription struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
