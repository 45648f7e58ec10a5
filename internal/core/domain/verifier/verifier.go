// internal/core/domain/verifier/verifier.go
package verifier

import (
	"context"
	"fmt"
	"sort"
	"time"

	"candle-pipeline/internal/core/domain/candle"
	"candle-pipeline/internal/types"
	"candle-pipeline/internal/types/storage"
	"candle-pipeline/pkg/logger"
	"candle-pipeline/pkg/period"

	"github.com/shopspring/decimal"
)

// VenueSource - эталонные минутные бары биржи
type VenueSource interface {
	FetchRange(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error)
}

// Publisher - часть шины событий
type Publisher interface {
	Publish(event types.Event) error
}

// Rules - пороги проверок значений
type Rules struct {
	// PriceCeiling - цена выше считается аномалией, ноль отключает проверку
	PriceCeiling decimal.Decimal
}

// Verifier сверяет хранилище с биржей. Ничего не исправляет.
type Verifier struct {
	store     storage.BarStore
	venue     VenueSource
	rules     Rules
	publisher Publisher
}

func NewVerifier(store storage.BarStore, venue VenueSource, rules Rules, publisher Publisher) *Verifier {
	return &Verifier{store: store, venue: venue, rules: rules, publisher: publisher}
}

// Verify загружает локальные и биржевые минуты за [start, end) и сравнивает их
func (v *Verifier) Verify(ctx context.Context, symbol string, start, end time.Time) (Report, error) {
	local, err := v.store.Query(ctx, symbol, period.M1, start, end)
	if err != nil {
		return Report{Symbol: symbol, Start: start, End: end}, fmt.Errorf("Verifier.Verify %s: %w", symbol, err)
	}

	venue, venueErr := v.venue.FetchRange(ctx, symbol, start, end)

	report := Inspect(local, venue, v.rules)
	report.Symbol = symbol
	report.Start = start.UTC()
	report.End = end.UTC()

	v.publish(report)
	if report.Clean() {
		logger.Info("🔎 Сверка %s", report.Summary())
	} else {
		logger.Warn("⚠️ Сверка %s", report.Summary())
	}

	if venueErr != nil {
		return report, fmt.Errorf("Verifier.Verify %s: биржа: %w", symbol, venueErr)
	}
	return report, nil
}

// VerifyAll сверяет все включенные инструменты реестра, останавливаясь между ними при отмене
func (v *Verifier) VerifyAll(ctx context.Context, registry storage.SubscriptionRegistry, start, end time.Time) ([]Report, error) {
	symbols, err := storage.EnabledSymbols(ctx, registry)
	if err != nil {
		return nil, fmt.Errorf("Verifier.VerifyAll: %w", err)
	}
	reports := make([]Report, 0, len(symbols))
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := v.Verify(ctx, symbol, start, end)
		if err != nil {
			logger.Warn("⚠️ Сверка %s не завершена: %v", symbol, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Inspect сравнивает локальные строки (в порядке хранилища) с биржевыми
func Inspect(local, venue []types.Bar, rules Rules) Report {
	report := Report{LocalCount: len(local), VenueCount: len(venue)}

	seen := make(map[int64]int, len(local))
	var prev time.Time
	for i, bar := range local {
		ts := bar.BarTime.UnixMilli()
		seen[ts]++
		if seen[ts] == 2 {
			report.Duplicates = append(report.Duplicates, bar.BarTime)
			report.Anomalies = append(report.Anomalies, Anomaly{BarTime: bar.BarTime, Kind: KindDuplicate, Detail: "barTime повторяется"})
		}
		if i > 0 && bar.BarTime.Before(prev) {
			report.OutOfOrder = append(report.OutOfOrder, bar.BarTime)
			report.Anomalies = append(report.Anomalies, Anomaly{
				BarTime: bar.BarTime, Kind: KindOutOfOrder,
				Detail: fmt.Sprintf("после %s", prev.Format(time.RFC3339)),
			})
		}
		prev = bar.BarTime

		report.Anomalies = append(report.Anomalies, checkValues(bar, rules)...)
	}

	for _, bar := range venue {
		if _, ok := seen[bar.BarTime.UnixMilli()]; !ok {
			report.MissingLocally = append(report.MissingLocally, bar.BarTime)
		}
	}
	sort.Slice(report.MissingLocally, func(i, j int) bool { return report.MissingLocally[i].Before(report.MissingLocally[j]) })
	return report
}

// checkValues проверяет логику OHLC одного бара
func checkValues(bar types.Bar, rules Rules) []Anomaly {
	var result []Anomaly
	add := func(kind AnomalyKind, format string, args ...interface{}) {
		result = append(result, Anomaly{BarTime: bar.BarTime, Kind: kind, Detail: fmt.Sprintf(format, args...)})
	}

	if bar.Period.Valid() && !candle.IsAligned(bar.BarTime, bar.Period) {
		add(KindMisaligned, "не кратно %s", bar.Period)
	}
	if bar.High.LessThan(bar.Low) {
		add(KindHighBelowLow, "high %s < low %s", bar.High, bar.Low)
	}
	if bar.High.LessThan(bar.Open) || bar.High.LessThan(bar.Close) {
		add(KindHighBelowOC, "high %s, open %s, close %s", bar.High, bar.Open, bar.Close)
	}
	if bar.Low.GreaterThan(bar.Open) || bar.Low.GreaterThan(bar.Close) {
		add(KindLowAboveOC, "low %s, open %s, close %s", bar.Low, bar.Open, bar.Close)
	}
	for _, f := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", bar.Open}, {"high", bar.High}, {"low", bar.Low}, {"close", bar.Close}, {"volume", bar.Volume},
	} {
		if f.value.IsNegative() {
			add(KindNegative, "%s %s", f.name, f.value)
		}
	}
	if rules.PriceCeiling.IsPositive() {
		for _, value := range []decimal.Decimal{bar.Open, bar.High, bar.Low, bar.Close} {
			if value.GreaterThan(rules.PriceCeiling) {
				add(KindAboveCeiling, "%s > %s", value, rules.PriceCeiling)
				break
			}
		}
	}
	return result
}

func (v *Verifier) publish(report Report) {
	if v.publisher == nil {
		return
	}
	for _, a := range report.Anomalies {
		_ = v.publisher.Publish(types.Event{
			Type:   types.EventDataQuality,
			Source: "verifier",
			Data: types.DataQualityData{
				Kind:    types.QualityVerifyAnomaly,
				Symbol:  report.Symbol,
				Period:  period.M1.String(),
				BarTime: a.BarTime,
				Detail:  string(a.Kind) + ": " + a.Detail,
			},
		})
	}
	_ = v.publisher.Publish(types.Event{
		Type:   types.EventVerifyCompleted,
		Source: "verifier",
		Data:   report,
	})
}
