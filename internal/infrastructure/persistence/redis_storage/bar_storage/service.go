// internal/infrastructure/persistence/redis_storage/bar_storage/service.go
package bar_storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis_service "candle-pipeline/internal/infrastructure/cache/redis"
	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/logger"
	"candle-pipeline/pkg/period"

	"github.com/go-redis/redis/v8"
)

// saveScript атомарно пишет бар и индекс, только если бара еще нет
var saveScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
	redis.call('ZADD', KEYS[2], ARGV[1], ARGV[1])
	return 1
end
return 0
`)

// RedisBarStorage - хранилище баров в Redis.
// Данные: HASH <prefix>bars:data:<symbol>:<period>, поле = barTime в мс.
// Индекс: ZSET <prefix>bars:index:<symbol>:<period>, score = member = barTime в мс.
type RedisBarStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisBarStorage создает хранилище поверх запущенного RedisService
func NewRedisBarStorage(redisService *redis_service.RedisService, prefix string) (*RedisBarStorage, error) {
	if redisService == nil {
		return nil, fmt.Errorf("сервис Redis не инициализирован")
	}
	client := redisService.GetClient()
	if client == nil {
		return nil, fmt.Errorf("клиент Redis недоступен")
	}
	return NewWithClient(client, prefix), nil
}

// NewWithClient создает хранилище на готовом клиенте
func NewWithClient(client *redis.Client, prefix string) *RedisBarStorage {
	return &RedisBarStorage{client: client, prefix: prefix}
}

func (s *RedisBarStorage) dataKey(symbol string, p period.Period) string {
	return fmt.Sprintf("%sbars:data:%s:%s", s.prefix, symbol, p)
}

func (s *RedisBarStorage) indexKey(symbol string, p period.Period) string {
	return fmt.Sprintf("%sbars:index:%s:%s", s.prefix, symbol, p)
}

func field(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (s *RedisBarStorage) Exists(ctx context.Context, symbol string, p period.Period, barTime time.Time) (bool, error) {
	ok, err := s.client.HExists(ctx, s.dataKey(symbol, p), field(barTime)).Result()
	if err != nil {
		return false, fmt.Errorf("RedisBarStorage.Exists: %w", err)
	}
	return ok, nil
}

func (s *RedisBarStorage) Save(ctx context.Context, bar types.Bar) (bool, error) {
	bar.BarTime = bar.BarTime.UTC()
	data, err := json.Marshal(bar)
	if err != nil {
		return false, fmt.Errorf("RedisBarStorage.Save: marshal: %w", err)
	}

	n, err := saveScript.Run(ctx, s.client,
		[]string{s.dataKey(bar.Symbol, bar.Period), s.indexKey(bar.Symbol, bar.Period)},
		field(bar.BarTime), data,
	).Int()
	if err != nil {
		return false, fmt.Errorf("RedisBarStorage.Save: %w", err)
	}
	return n == 1, nil
}

func (s *RedisBarStorage) Query(ctx context.Context, symbol string, p period.Period, start, end time.Time) ([]types.Bar, error) {
	members, err := s.client.ZRangeByScore(ctx, s.indexKey(symbol, p), &redis.ZRangeBy{
		Min: strconv.FormatInt(start.UnixMilli(), 10),
		Max: "(" + strconv.FormatInt(end.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("RedisBarStorage.Query: %w", err)
	}
	return s.load(ctx, symbol, p, members)
}

func (s *RedisBarStorage) QueryLatest(ctx context.Context, symbol string, p period.Period, limit int) ([]types.Bar, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	members, err := s.client.ZRevRangeByScore(ctx, s.indexKey(symbol, p), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("RedisBarStorage.QueryLatest: %w", err)
	}
	return s.load(ctx, symbol, p, members)
}

func (s *RedisBarStorage) QueryDistinctTimestamps(ctx context.Context, symbol string, p period.Period, start, end time.Time) ([]time.Time, error) {
	members, err := s.client.ZRangeByScore(ctx, s.indexKey(symbol, p), &redis.ZRangeBy{
		Min: strconv.FormatInt(start.UnixMilli(), 10),
		Max: "(" + strconv.FormatInt(end.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("RedisBarStorage.QueryDistinctTimestamps: %w", err)
	}

	result := make([]time.Time, 0, len(members))
	for _, m := range members {
		ms, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			logger.Warn("⚠️ Битый элемент индекса %s: %q", s.indexKey(symbol, p), m)
			continue
		}
		result = append(result, time.UnixMilli(ms).UTC())
	}
	return result, nil
}

// load читает бары по полям индекса, сохраняя их порядок
func (s *RedisBarStorage) load(ctx context.Context, symbol string, p period.Period, members []string) ([]types.Bar, error) {
	if len(members) == 0 {
		return nil, nil
	}
	values, err := s.client.HMGet(ctx, s.dataKey(symbol, p), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("RedisBarStorage: HMGET: %w", err)
	}

	bars := make([]types.Bar, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			logger.Warn("⚠️ Индекс %s ссылается на отсутствующий бар %s", s.indexKey(symbol, p), members[i])
			continue
		}
		var bar types.Bar
		if err := json.Unmarshal([]byte(raw), &bar); err != nil {
			return nil, fmt.Errorf("RedisBarStorage: unmarshal %s: %w", members[i], err)
		}
		bar.BarTime = bar.BarTime.UTC()
		bars = append(bars, bar)
	}
	return bars, nil
}

// TrimBefore удаляет бары серии старше cutoff
func (s *RedisBarStorage) TrimBefore(ctx context.Context, symbol string, p period.Period, cutoff time.Time) (int, error) {
	max := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	members, err := s.client.ZRangeByScore(ctx, s.indexKey(symbol, p), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("RedisBarStorage.TrimBefore: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.dataKey(symbol, p), members...)
	pipe.ZRemRangeByScore(ctx, s.indexKey(symbol, p), "-inf", max)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("RedisBarStorage.TrimBefore: %w", err)
	}
	return len(members), nil
}

// GetStats возвращает количество баров серии
func (s *RedisBarStorage) Count(ctx context.Context, symbol string, p period.Period) (int64, error) {
	return s.client.ZCard(ctx, s.indexKey(symbol, p)).Result()
}
