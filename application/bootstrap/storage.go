// application/bootstrap/storage.go
package bootstrap

import (
	"context"
	"fmt"

	redis_service "candle-pipeline/internal/infrastructure/cache/redis"
	"candle-pipeline/internal/infrastructure/config"
	inmemory "candle-pipeline/internal/infrastructure/persistence/in_memory_storage"
	"candle-pipeline/internal/infrastructure/persistence/postgres"
	bar_repo "candle-pipeline/internal/infrastructure/persistence/postgres/repository/bar"
	subscription_repo "candle-pipeline/internal/infrastructure/persistence/postgres/repository/subscription"
	"candle-pipeline/internal/infrastructure/persistence/redis_storage/bar_storage"
	"candle-pipeline/internal/types/storage"
	"candle-pipeline/pkg/logger"

	"github.com/jmoiron/sqlx"
)

// Storage - выбранный бэкенд баров и реестр инструментов
type Storage struct {
	Bars     storage.BarStore
	Registry storage.SubscriptionRegistry
	Backend  string

	db    *sqlx.DB
	redis *redis_service.RedisService
}

// OpenStorage подключает бэкенд из STORAGE_BACKEND.
// Реестр берется из Postgres, для остальных бэкендов - из PIPELINE_SYMBOLS.
func OpenStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	s := &Storage{Backend: cfg.StorageBackend}

	switch cfg.StorageBackend {
	case config.BackendPostgres:
		db, err := postgres.Connect(ctx, postgresConfig(cfg.Database))
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		s.db = db
		s.Bars = bar_repo.NewBarRepository(db)

		subs := subscription_repo.NewSubscriptionRepository(db)
		if len(cfg.Pipeline.Symbols) > 0 {
			added, err := subs.Seed(ctx, cfg.Pipeline.Symbols)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("seed bar_subscriptions: %w", err)
			}
			if added > 0 {
				logger.Info("📋 В реестр добавлено инструментов: %d", added)
			}
		}
		s.Registry = subs

	case config.BackendRedis:
		rs := redis_service.NewRedisService(cfg.Redis)
		if err := rs.Start(ctx); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		bars, err := bar_storage.NewRedisBarStorage(rs, cfg.Redis.Prefix)
		if err != nil {
			_ = rs.Stop()
			return nil, err
		}
		s.redis = rs
		s.Bars = bars
		s.Registry = storage.NewStaticRegistry(cfg.Pipeline.Symbols)

	case config.BackendMemory:
		s.Bars = inmemory.NewBarStorage()
		s.Registry = storage.NewStaticRegistry(cfg.Pipeline.Symbols)

	default:
		return nil, fmt.Errorf("неизвестный STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	logger.Info("🗄️ Хранилище баров: %s", s.Backend)
	return s, nil
}

// Close закрывает соединения бэкенда
func (s *Storage) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("postgres close: %w", err)
		}
	}
	if s.redis != nil {
		return s.redis.Stop()
	}
	return nil
}

func postgresConfig(db config.DatabaseConfig) *postgres.Config {
	return &postgres.Config{
		Host:            db.Host,
		Port:            db.Port,
		User:            db.User,
		Password:        db.Password,
		Database:        db.Name,
		SSLMode:         db.SSLMode,
		MaxConns:        db.MaxOpenConns,
		MaxIdle:         db.MaxIdleConns,
		ConnMaxLifetime: db.MaxConnLifetime,
		MigrationsPath:  db.MigrationsPath,
		AutoMigrate:     db.EnableAutoMigrate,
	}
}
