package subscription_repo

import (
	"context"

	"candle-pipeline/internal/types"
	"candle-pipeline/internal/types/storage"
)

// SubscriptionRepository - реестр инструментов в таблице bar_subscriptions
type SubscriptionRepository interface {
	storage.SubscriptionRegistry

	// Upsert добавляет инструмент или меняет его флаг enabled
	Upsert(ctx context.Context, symbol string, enabled bool) error
	// Get возвращает запись по символу
	Get(ctx context.Context, symbol string) (*types.Subscription, error)
	// Seed добавляет отсутствующие символы включенными, существующие не трогает
	Seed(ctx context.Context, symbols []string) (int, error)
}
