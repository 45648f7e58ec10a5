// /internal/infrastructure/persistence/postgres/repository/bar/repository.go
package bar_repo

import (
	"context"
	"fmt"
	"time"

	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/period"

	"github.com/jmoiron/sqlx"
)

const barColumns = `symbol, period, bar_time, open, high, low, close, volume, source_count`

type barRepoImpl struct {
	db *sqlx.DB
}

// NewBarRepository создаёт реализацию BarRepository
func NewBarRepository(db *sqlx.DB) BarRepository {
	return &barRepoImpl{db: db}
}

// Exists проверяет наличие бара
func (r *barRepoImpl) Exists(ctx context.Context, symbol string, p period.Period, barTime time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM bars WHERE symbol = $1 AND period = $2 AND bar_time = $3
		)
	`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, symbol, string(p), barTime.UTC()); err != nil {
		return false, fmt.Errorf("BarRepo.Exists: %w", err)
	}
	return exists, nil
}

// Save вставляет бар, повтор по (symbol, period, bar_time) игнорируется
func (r *barRepoImpl) Save(ctx context.Context, bar types.Bar) (bool, error) {
	query := `
		INSERT INTO bars (` + barColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (symbol, period, bar_time) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		bar.Symbol, string(bar.Period), bar.BarTime.UTC(),
		bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.SourceCount,
	)
	if err != nil {
		return false, fmt.Errorf("BarRepo.Save: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("BarRepo.Save: rows affected: %w", err)
	}
	return n == 1, nil
}

// Query возвращает бары серии в [start, end) по возрастанию
func (r *barRepoImpl) Query(ctx context.Context, symbol string, p period.Period, start, end time.Time) ([]types.Bar, error) {
	query := `
		SELECT ` + barColumns + `
		FROM bars
		WHERE symbol = $1 AND period = $2 AND bar_time >= $3 AND bar_time < $4
		ORDER BY bar_time ASC
	`
	var bars []types.Bar
	if err := r.db.SelectContext(ctx, &bars, query, symbol, string(p), start.UTC(), end.UTC()); err != nil {
		return nil, fmt.Errorf("BarRepo.Query: %w", err)
	}
	normalize(bars)
	return bars, nil
}

// QueryLatest возвращает последние limit баров по убыванию
func (r *barRepoImpl) QueryLatest(ctx context.Context, symbol string, p period.Period, limit int) ([]types.Bar, error) {
	query := `
		SELECT ` + barColumns + `
		FROM bars
		WHERE symbol = $1 AND period = $2
		ORDER BY bar_time DESC
		LIMIT $3
	`
	var bars []types.Bar
	if err := r.db.SelectContext(ctx, &bars, query, symbol, string(p), limit); err != nil {
		return nil, fmt.Errorf("BarRepo.QueryLatest: %w", err)
	}
	normalize(bars)
	return bars, nil
}

// QueryDistinctTimestamps возвращает различные bar_time серии в [start, end)
func (r *barRepoImpl) QueryDistinctTimestamps(ctx context.Context, symbol string, p period.Period, start, end time.Time) ([]time.Time, error) {
	query := `
		SELECT DISTINCT bar_time
		FROM bars
		WHERE symbol = $1 AND period = $2 AND bar_time >= $3 AND bar_time < $4
		ORDER BY bar_time ASC
	`
	var stamps []time.Time
	if err := r.db.SelectContext(ctx, &stamps, query, symbol, string(p), start.UTC(), end.UTC()); err != nil {
		return nil, fmt.Errorf("BarRepo.QueryDistinctTimestamps: %w", err)
	}
	for i := range stamps {
		stamps[i] = stamps[i].UTC()
	}
	return stamps, nil
}

// Count возвращает число баров серии в диапазоне
func (r *barRepoImpl) Count(ctx context.Context, symbol string, p period.Period, start, end time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM bars
		WHERE symbol = $1 AND period = $2 AND bar_time >= $3 AND bar_time < $4
	`
	var n int
	if err := r.db.GetContext(ctx, &n, query, symbol, string(p), start.UTC(), end.UTC()); err != nil {
		return 0, fmt.Errorf("BarRepo.Count: %w", err)
	}
	return n, nil
}

// DeleteBefore удаляет бары серии старше cutoff
func (r *barRepoImpl) DeleteBefore(ctx context.Context, symbol string, p period.Period, cutoff time.Time) (int64, error) {
	query := `DELETE FROM bars WHERE symbol = $1 AND period = $2 AND bar_time < $3`
	res, err := r.db.ExecContext(ctx, query, symbol, string(p), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("BarRepo.DeleteBefore: %w", err)
	}
	return res.RowsAffected()
}

func normalize(bars []types.Bar) {
	for i := range bars {
		bars[i].BarTime = bars[i].BarTime.UTC()
	}
}
