// /internal/infrastructure/persistence/postgres/repository/subscription/repository.go
package subscription_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/logger"

	"github.com/jmoiron/sqlx"
)

type subscriptionRepoImpl struct {
	db *sqlx.DB
}

// NewSubscriptionRepository создаёт реализацию SubscriptionRepository
func NewSubscriptionRepository(db *sqlx.DB) SubscriptionRepository {
	return &subscriptionRepoImpl{db: db}
}

// List возвращает все записи реестра
func (r *subscriptionRepoImpl) List(ctx context.Context) ([]types.Subscription, error) {
	query := `
		SELECT symbol, enabled, updated_at
		FROM bar_subscriptions
		ORDER BY symbol
	`
	var subs []types.Subscription
	if err := r.db.SelectContext(ctx, &subs, query); err != nil {
		return nil, fmt.Errorf("SubscriptionRepo.List: %w", err)
	}
	return subs, nil
}

// Get возвращает запись по символу, nil если ее нет
func (r *subscriptionRepoImpl) Get(ctx context.Context, symbol string) (*types.Subscription, error) {
	query := `SELECT symbol, enabled, updated_at FROM bar_subscriptions WHERE symbol = $1`
	var sub types.Subscription
	err := r.db.GetContext(ctx, &sub, query, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("SubscriptionRepo.Get: %w", err)
	}
	return &sub, nil
}

// Upsert добавляет инструмент или обновляет флаг
func (r *subscriptionRepoImpl) Upsert(ctx context.Context, symbol string, enabled bool) error {
	query := `
		INSERT INTO bar_subscriptions (symbol, enabled, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (symbol) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, symbol, enabled); err != nil {
		return fmt.Errorf("SubscriptionRepo.Upsert: %w", err)
	}
	logger.Info("💾 Подписка %s: enabled=%v", symbol, enabled)
	return nil
}

// Seed добавляет отсутствующие символы одной транзакцией
func (r *subscriptionRepoImpl) Seed(ctx context.Context, symbols []string) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("SubscriptionRepo.Seed: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO bar_subscriptions (symbol, enabled)
		VALUES ($1, TRUE)
		ON CONFLICT (symbol) DO NOTHING
	`
	added := 0
	for _, s := range symbols {
		res, err := tx.ExecContext(ctx, query, s)
		if err != nil {
			return 0, fmt.Errorf("SubscriptionRepo.Seed %s: %w", s, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("SubscriptionRepo.Seed: commit: %w", err)
	}
	return added, nil
}
