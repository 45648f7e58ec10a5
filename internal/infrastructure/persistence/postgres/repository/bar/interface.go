package bar_repo

import (
	"context"
	"time"

	"candle-pipeline/internal/types/storage"
	"candle-pipeline/pkg/period"
)

// BarRepository - доступ к таблице bars
type BarRepository interface {
	storage.BarStore

	// Count возвращает число баров серии в диапазоне [start, end)
	Count(ctx context.Context, symbol string, p period.Period, start, end time.Time) (int, error)
	// DeleteBefore удаляет бары серии старше cutoff
	DeleteBefore(ctx context.Context, symbol string, p period.Period, cutoff time.Time) (int64, error)
}
