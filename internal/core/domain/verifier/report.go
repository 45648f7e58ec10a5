// internal/core/domain/verifier/report.go
package verifier

import (
	"fmt"
	"strings"
	"time"
)

// AnomalyKind - вид нарушения
type AnomalyKind string

const (
	KindDuplicate    AnomalyKind = "duplicate"
	KindOutOfOrder   AnomalyKind = "out_of_order"
	KindMisaligned   AnomalyKind = "misaligned"
	KindHighBelowLow AnomalyKind = "high_below_low"
	KindHighBelowOC  AnomalyKind = "high_below_open_close"
	KindLowAboveOC   AnomalyKind = "low_above_open_close"
	KindNegative     AnomalyKind = "negative_value"
	KindAboveCeiling AnomalyKind = "above_price_ceiling"
)

// Anomaly - одно найденное нарушение
type Anomaly struct {
	BarTime time.Time   `json:"bar_time"`
	Kind    AnomalyKind `json:"kind"`
	Detail  string      `json:"detail"`
}

// Report - результат сверки одного инструмента за диапазон
type Report struct {
	Symbol         string      `json:"symbol"`
	Start          time.Time   `json:"start"`
	End            time.Time   `json:"end"`
	LocalCount     int         `json:"local_count"`
	VenueCount     int         `json:"venue_count"`
	Duplicates     []time.Time `json:"duplicates,omitempty"`
	OutOfOrder     []time.Time `json:"out_of_order,omitempty"`
	Anomalies      []Anomaly   `json:"anomalies,omitempty"`
	MissingLocally []time.Time `json:"missing_locally,omitempty"`
}

// Clean - нарушений нет
func (r Report) Clean() bool {
	return len(r.Duplicates) == 0 && len(r.OutOfOrder) == 0 && len(r.Anomalies) == 0 && len(r.MissingLocally) == 0
}

// Summary - короткая строка для лога
func (r Report) Summary() string {
	if r.Clean() {
		return fmt.Sprintf("%s: чисто (локально %d, на бирже %d)", r.Symbol, r.LocalCount, r.VenueCount)
	}

	counts := make(map[AnomalyKind]int)
	for _, a := range r.Anomalies {
		counts[a.Kind]++
	}
	var parts []string
	for _, kind := range []AnomalyKind{KindDuplicate, KindOutOfOrder, KindMisaligned, KindHighBelowLow, KindHighBelowOC, KindLowAboveOC, KindNegative, KindAboveCeiling} {
		if counts[kind] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", kind, counts[kind]))
		}
	}
	if len(r.MissingLocally) > 0 {
		parts = append(parts, fmt.Sprintf("missing_locally=%d", len(r.MissingLocally)))
	}
	return fmt.Sprintf("%s: локально %d, на бирже %d, %s", r.Symbol, r.LocalCount, r.VenueCount, strings.Join(parts, " "))
}
