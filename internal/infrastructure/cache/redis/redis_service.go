// internal/infrastructure/cache/redis/redis_service.go
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"candle-pipeline/internal/infrastructure/config"
	"candle-pipeline/pkg/logger"

	"github.com/go-redis/redis/v8"
)

// RedisService сервис для работы с Redis
type RedisService struct {
	mu     sync.RWMutex
	config config.RedisConfig
	client *redis.Client
	state  ServiceState
}

// ServiceState состояние сервиса
type ServiceState string

const (
	StateStopped  ServiceState = "stopped"
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateStopping ServiceState = "stopping"
	StateError    ServiceState = "error"
)

// NewRedisService создает новый Redis сервис
func NewRedisService(cfg config.RedisConfig) *RedisService {
	return &RedisService{
		config: cfg,
		state:  StateStopped,
	}
}

// Addr возвращает адрес сервера
func (rs *RedisService) Addr() string {
	return fmt.Sprintf("%s:%d", rs.config.Host, rs.config.Port)
}

// Start подключается к Redis и проверяет соединение
func (rs *RedisService) Start(ctx context.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.state == StateRunning {
		return fmt.Errorf("Redis service already running")
	}

	logger.Info("🔄 Запуск Redis сервиса...")
	rs.state = StateStarting

	options := &redis.Options{
		Addr:     rs.Addr(),
		Password: rs.config.Password,
		DB:       rs.config.DB,

		PoolSize:     rs.config.PoolSize,
		MinIdleConns: rs.config.MinIdleConns,

		DialTimeout:  rs.config.DialTimeout,
		ReadTimeout:  rs.config.ReadTimeout,
		WriteTimeout: rs.config.WriteTimeout,
		PoolTimeout:  rs.config.PoolTimeout,

		MaxRetries:      rs.config.MaxRetries,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := client.Ping(pingCtx).Result(); err != nil {
		client.Close()
		rs.state = StateError
		logger.Error("❌ Не удалось подключиться к Redis %s: %v", options.Addr, err)
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	rs.client = client
	rs.state = StateRunning
	logger.Info("✅ Подключение к Redis %s (DB: %d, пул: %d)", options.Addr, rs.config.DB, rs.config.PoolSize)
	return nil
}

// Stop закрывает клиент
func (rs *RedisService) Stop() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.state != StateRunning {
		return fmt.Errorf("Redis service is not running")
	}

	logger.Info("🛑 Остановка Redis сервиса...")
	rs.state = StateStopping

	if err := rs.client.Close(); err != nil {
		rs.state = StateError
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	rs.client = nil
	rs.state = StateStopped
	logger.Info("✅ Redis сервис остановлен")
	return nil
}

// GetClient возвращает клиент Redis
func (rs *RedisService) GetClient() *redis.Client {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.client
}

// State возвращает состояние сервиса
func (rs *RedisService) State() ServiceState {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.state
}

// HealthCheck проверяет здоровье Redis
func (rs *RedisService) HealthCheck(ctx context.Context) bool {
	client := rs.GetClient()
	if client == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		logger.Warn("⚠️ Redis health check failed: %v", err)
		return false
	}
	return true
}

// GetStats возвращает статистику Redis
func (rs *RedisService) GetStats() map[string]interface{} {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	stats := map[string]interface{}{
		"state":     rs.state,
		"connected": rs.client != nil,
		"addr":      rs.Addr(),
		"db":        rs.config.DB,
	}

	if rs.client != nil {
		poolStats := rs.client.PoolStats()
		stats["pool_hits"] = poolStats.Hits
		stats["pool_misses"] = poolStats.Misses
		stats["pool_timeouts"] = poolStats.Timeouts
		stats["pool_total_conns"] = poolStats.TotalConns
		stats["pool_idle_conns"] = poolStats.IdleConns
		stats["pool_stale_conns"] = poolStats.StaleConns
	}
	return stats
}
