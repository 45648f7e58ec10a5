// internal/core/domain/backfill/gap_detector.go
package backfill

import (
	"context"
	"fmt"
	"time"

	"candle-pipeline/internal/core/domain/candle"
	"candle-pipeline/internal/types/storage"
	"candle-pipeline/pkg/period"
)

// GapDetector сравнивает минутную сетку с тем, что лежит в хранилище
type GapDetector struct {
	store storage.BarStore
}

func NewGapDetector(store storage.BarStore) *GapDetector {
	return &GapDetector{store: store}
}

// DetectMissing возвращает barTime минутной сетки [start, end), которых нет в хранилище, по возрастанию
func (d *GapDetector) DetectMissing(ctx context.Context, symbol string, start, end time.Time) ([]time.Time, error) {
	grid := candle.ExpectedTimestamps(start, end, period.M1)
	if grid.Len() == 0 {
		return nil, nil
	}

	stored, err := d.store.QueryDistinctTimestamps(ctx, symbol, period.M1, start, end)
	if err != nil {
		return nil, fmt.Errorf("GapDetector.DetectMissing %s: %w", symbol, err)
	}

	present := make(map[int64]struct{}, len(stored))
	for _, ts := range stored {
		present[candle.Align(ts, period.M1).UnixMilli()] = struct{}{}
	}

	var missing []time.Time
	for ts, ok := grid.Next(); ok; ts, ok = grid.Next() {
		if _, found := present[ts.UnixMilli()]; !found {
			missing = append(missing, ts)
		}
	}
	return missing, nil
}
