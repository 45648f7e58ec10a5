// internal/core/domain/backfill/filler.go
package backfill

import (
	"context"
	"fmt"

	"candle-pipeline/internal/types"
	"candle-pipeline/internal/types/storage"
	"candle-pipeline/pkg/logger"

	"go.uber.org/multierr"
)

// BackfillFiller пишет загруженные бары, перепроверяя наличие перед записью
type BackfillFiller struct {
	store storage.BarStore
}

func NewBackfillFiller(store storage.BarStore) *BackfillFiller {
	return &BackfillFiller{store: store}
}

// Fill возвращает число реально вставленных баров
func (f *BackfillFiller) Fill(ctx context.Context, symbol string, bars []types.Bar) (int, error) {
	inserted := 0
	var errs error

	for _, bar := range bars {
		if err := ctx.Err(); err != nil {
			return inserted, multierr.Append(errs, err)
		}
		if bar.Symbol == "" {
			bar.Symbol = symbol
		}

		exists, err := f.store.Exists(ctx, bar.Symbol, bar.Period, bar.BarTime)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("exists %s: %w", bar.Key(), err))
			continue
		}
		if exists {
			continue
		}

		ok, err := f.store.Save(ctx, bar)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("save %s: %w", bar.Key(), err))
			continue
		}
		// false - параллельная прогонка успела раньше
		if ok {
			inserted++
		}
	}

	if errs != nil {
		logger.Warn("⚠️ BackfillFiller %s: %d ошибок записи", symbol, len(multierr.Errors(errs)))
		return inserted, fmt.Errorf("BackfillFiller.Fill %s: %w", symbol, errs)
	}
	return inserted, nil
}
