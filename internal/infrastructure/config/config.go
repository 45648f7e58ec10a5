// /internal/infrastructure/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"candle-pipeline/pkg/logger"
	"candle-pipeline/pkg/period"

	"github.com/joho/godotenv"
)

// Политики переполнения очереди записи
const (
	OverflowSync = "sync"
	OverflowDrop = "drop"
)

// Бэкенды хранилища баров
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Предел OKX на размер страницы свечей
const MaxPageLimit = 300

// ============================================
// КОНФИГУРАЦИЯ БАЗЫ ДАННЫХ
// ============================================

// DatabaseConfig - конфигурация базы данных
type DatabaseConfig struct {
	// Основные параметры подключения
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string

	// Настройки пула соединений
	MaxOpenConns    int
	MaxIdleConns    int
	MaxConnLifetime time.Duration

	// Настройки миграций
	MigrationsPath    string
	EnableAutoMigrate bool
}

// RedisConfig конфигурация Redis
type RedisConfig struct {
	// Основные настройки подключения
	Host     string // localhost
	Port     int    // 6379
	Password string // пустой или пароль
	DB       int    // 0

	// Настройки пула соединений
	PoolSize     int           // 10
	MinIdleConns int           // 5
	MaxRetries   int           // 3
	DialTimeout  time.Duration // 5s
	ReadTimeout  time.Duration // 3s
	WriteTimeout time.Duration // 3s
	PoolTimeout  time.Duration // 4s

	// Префикс ключей баров
	Prefix string // candles:
}

// ExchangeConfig - параметры доступа к OKX
type ExchangeConfig struct {
	BaseURL        string
	WSURL          string
	HTTPTimeout    time.Duration
	MinInterval    time.Duration
	ReconnectMax   time.Duration
	StreamDisabled bool
}

// PipelineConfig - параметры агрегации и записи
type PipelineConfig struct {
	Symbols          []string
	AggregatePeriods []period.Period
	SeriesPeriods    []period.Period
	SeriesMaxSize    int

	PersistWorkers   int
	PersistQueueSize int
	OverflowPolicy   string

	DedupRetention   time.Duration
	ReaperInterval   time.Duration
	StaleBucketGrace time.Duration
}

// BackfillConfig - параметры поиска и заполнения пропусков
type BackfillConfig struct {
	Enabled       bool
	Interval      time.Duration
	Lookback      time.Duration
	RecentMinutes int
	PageLimit     int
	PageDelay     time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	Concurrency   int
}

// VerifyConfig - параметры сверки с биржей
type VerifyConfig struct {
	Enabled      bool
	Interval     time.Duration
	Window       time.Duration
	PriceCeiling float64
}

// Config - конфигурация приложения
type Config struct {
	Environment string
	Version     string

	Logging struct {
		Level string
		File  string
		Debug bool
	}

	StorageBackend  string
	ShutdownTimeout time.Duration

	Database DatabaseConfig
	Redis    RedisConfig
	Exchange ExchangeConfig
	Pipeline PipelineConfig
	Backfill BackfillConfig
	Verify   VerifyConfig
}

// LoadConfig читает .env (если есть) и переменные окружения
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Printf("⚠️  Config file not found, using environment variables\n")
		}
	}

	cfg := &Config{}

	// ======================
	// ОСНОВНЫЕ НАСТРОЙКИ
	// ======================
	cfg.Environment = getEnv("APP_ENV", "production")
	cfg.Version = getEnv("VERSION", "1.0.0")
	cfg.Logging.Level = strings.ToLower(getEnv("LOG_LEVEL", "info"))
	cfg.Logging.File = getEnv("LOG_FILE", "")
	cfg.Logging.Debug = getEnvBool("DEBUG_MODE", false)
	cfg.StorageBackend = strings.ToLower(getEnv("STORAGE_BACKEND", BackendPostgres))
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second)

	// ======================
	// БАЗА ДАННЫХ
	// ======================
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "")
	cfg.Database.Name = getEnv("DB_NAME", "candles")
	cfg.Database.SSLMode = getEnv("DB_SSL_MODE", "disable")
	cfg.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 10)
	cfg.Database.MaxConnLifetime = getEnvDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute)
	cfg.Database.MigrationsPath = getEnv("DB_MIGRATIONS_PATH", "")
	cfg.Database.EnableAutoMigrate = getEnvBool("DB_ENABLE_AUTO_MIGRATE", true)

	// ======================
	// REDIS
	// ======================
	cfg.Redis.Host = getEnv("REDIS_HOST", "localhost")
	cfg.Redis.Port = getEnvInt("REDIS_PORT", 6379)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)
	cfg.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", 10)
	cfg.Redis.MinIdleConns = getEnvInt("REDIS_MIN_IDLE_CONNS", 5)
	cfg.Redis.MaxRetries = getEnvInt("REDIS_MAX_RETRIES", 3)
	cfg.Redis.DialTimeout = getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second)
	cfg.Redis.ReadTimeout = getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second)
	cfg.Redis.WriteTimeout = getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second)
	cfg.Redis.PoolTimeout = getEnvDuration("REDIS_POOL_TIMEOUT", 4*time.Second)
	cfg.Redis.Prefix = getEnv("REDIS_PREFIX", "candles:")

	// ======================
	// БИРЖА
	// ======================
	cfg.Exchange.BaseURL = getEnv("OKX_BASE_URL", "https://www.okx.com")
	cfg.Exchange.WSURL = getEnv("OKX_WS_URL", "wss://ws.okx.com:8443/ws/v5/business")
	cfg.Exchange.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", 10*time.Second)
	cfg.Exchange.MinInterval = getEnvDuration("OKX_MIN_INTERVAL", 100*time.Millisecond)
	cfg.Exchange.ReconnectMax = getEnvDuration("WS_RECONNECT_MAX", 30*time.Second)
	cfg.Exchange.StreamDisabled = getEnvBool("WS_DISABLED", false)

	// ======================
	// АГРЕГАЦИЯ
	// ======================
	var problems []string

	cfg.Pipeline.Symbols = parseList(getEnv("SYMBOLS", "BTC-USDT,ETH-USDT"))
	cfg.Pipeline.AggregatePeriods, problems = parsePeriods("AGGREGATE_PERIODS", "5m,15m,30m,1h,4h", problems)
	cfg.Pipeline.SeriesPeriods, problems = parsePeriods("SERIES_PERIODS", "5m,15m,30m,1h,4h", problems)
	cfg.Pipeline.SeriesMaxSize = getEnvInt("SERIES_MAX_SIZE", 365)
	cfg.Pipeline.PersistWorkers = getEnvInt("PERSIST_WORKERS", 4)
	cfg.Pipeline.PersistQueueSize = getEnvInt("PERSIST_QUEUE_SIZE", 1024)
	cfg.Pipeline.OverflowPolicy = strings.ToLower(getEnv("PERSIST_OVERFLOW_POLICY", OverflowSync))
	cfg.Pipeline.DedupRetention = getEnvDuration("DEDUP_RETENTION", 6*time.Hour)
	cfg.Pipeline.ReaperInterval = getEnvDuration("REAPER_INTERVAL", time.Minute)
	cfg.Pipeline.StaleBucketGrace = getEnvDuration("STALE_BUCKET_GRACE", 5*time.Minute)

	// ======================
	// ДОЗАГРУЗКА
	// ======================
	cfg.Backfill.Enabled = getEnvBool("BACKFILL_ENABLED", true)
	cfg.Backfill.Interval = getEnvDuration("BACKFILL_INTERVAL", 15*time.Minute)
	cfg.Backfill.Lookback = getEnvDuration("BACKFILL_LOOKBACK", 24*time.Hour)
	cfg.Backfill.RecentMinutes = getEnvInt("BACKFILL_RECENT_MINUTES", 60)
	cfg.Backfill.PageLimit = getEnvInt("BACKFILL_PAGE_LIMIT", MaxPageLimit)
	cfg.Backfill.PageDelay = getEnvDuration("BACKFILL_PAGE_DELAY", 250*time.Millisecond)
	cfg.Backfill.MaxRetries = getEnvInt("BACKFILL_MAX_RETRIES", 3)
	cfg.Backfill.RetryBackoff = getEnvDuration("BACKFILL_RETRY_BACKOFF", time.Second)
	cfg.Backfill.Concurrency = getEnvInt("BACKFILL_CONCURRENCY", 4)

	// ======================
	// СВЕРКА
	// ======================
	cfg.Verify.Enabled = getEnvBool("VERIFY_ENABLED", true)
	cfg.Verify.Interval = getEnvDuration("VERIFY_INTERVAL", time.Hour)
	cfg.Verify.Window = getEnvDuration("VERIFY_WINDOW", 6*time.Hour)
	cfg.Verify.PriceCeiling = getEnvFloat("VERIFY_PRICE_CEILING", 10_000_000)

	if err := cfg.validate(problems); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate(problems []string) error {
	validationErrors := append([]string(nil), problems...)

	switch c.StorageBackend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		validationErrors = append(validationErrors,
			fmt.Sprintf("STORAGE_BACKEND must be one of postgres|redis|memory, got %q", c.StorageBackend))
	}

	if len(c.Pipeline.Symbols) == 0 && c.StorageBackend != BackendPostgres {
		validationErrors = append(validationErrors, "SYMBOLS must not be empty without a subscription table")
	}
	for _, p := range c.Pipeline.AggregatePeriods {
		if p == period.M1 {
			validationErrors = append(validationErrors, "AGGREGATE_PERIODS must not contain 1m")
		}
	}
	if c.Pipeline.SeriesMaxSize <= 0 {
		validationErrors = append(validationErrors, "SERIES_MAX_SIZE must be positive")
	}
	if c.Pipeline.PersistWorkers <= 0 {
		validationErrors = append(validationErrors, "PERSIST_WORKERS must be positive")
	}
	if c.Pipeline.PersistQueueSize <= 0 {
		validationErrors = append(validationErrors, "PERSIST_QUEUE_SIZE must be positive")
	}
	if c.Pipeline.OverflowPolicy != OverflowSync && c.Pipeline.OverflowPolicy != OverflowDrop {
		validationErrors = append(validationErrors,
			fmt.Sprintf("PERSIST_OVERFLOW_POLICY must be sync or drop, got %q", c.Pipeline.OverflowPolicy))
	}

	if c.Backfill.PageLimit < 1 || c.Backfill.PageLimit > MaxPageLimit {
		validationErrors = append(validationErrors,
			fmt.Sprintf("BACKFILL_PAGE_LIMIT must be within 1..%d, got %d", MaxPageLimit, c.Backfill.PageLimit))
	}
	if c.Backfill.MaxRetries < 0 {
		validationErrors = append(validationErrors, "BACKFILL_MAX_RETRIES must not be negative")
	}
	if c.Backfill.Concurrency <= 0 {
		validationErrors = append(validationErrors, "BACKFILL_CONCURRENCY must be positive")
	}
	if c.Backfill.Enabled && c.Backfill.Interval <= 0 {
		validationErrors = append(validationErrors, "BACKFILL_INTERVAL must be positive")
	}
	if c.Verify.Enabled && (c.Verify.Interval <= 0 || c.Verify.Window <= 0) {
		validationErrors = append(validationErrors, "VERIFY_INTERVAL and VERIFY_WINDOW must be positive")
	}

	if c.StorageBackend == BackendPostgres && c.Database.Name == "" {
		validationErrors = append(validationErrors, "DB_NAME is required for postgres backend")
	}
	if c.StorageBackend == BackendRedis && c.Redis.PoolSize <= 0 {
		validationErrors = append(validationErrors, "REDIS_POOL_SIZE must be positive")
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(validationErrors, "; "))
	}
	return nil
}

// GetPostgresDSN возвращает строку подключения к PostgreSQL
func (c *Config) GetPostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.Name, c.Database.SSLMode)
}

// GetRedisAddress возвращает адрес Redis
func (c *Config) GetRedisAddress() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c *Config) IsDev() bool {
	return c.Environment == "dev" || c.Environment == "development"
}

// PrintSummary выводит действующую конфигурацию
func (c *Config) PrintSummary() {
	logger.Info("📋 Конфигурация приложения:")
	logger.Info("   • Окружение: %s (версия %s)", c.Environment, c.Version)
	logger.Info("   • Уровень логирования: %s", c.Logging.Level)
	logger.Info("   • Хранилище: %s", c.StorageBackend)

	switch c.StorageBackend {
	case BackendPostgres:
		logger.Info("   • PostgreSQL: %s:%d/%s", c.Database.Host, c.Database.Port, c.Database.Name)
	case BackendRedis:
		logger.Info("   • Redis: %s (DB: %d, Pool: %d, префикс %q)",
			c.GetRedisAddress(), c.Redis.DB, c.Redis.PoolSize, c.Redis.Prefix)
	}

	logger.Info("   • OKX: %s / %s", c.Exchange.BaseURL, c.Exchange.WSURL)
	logger.Info("   • Символы: %s", strings.Join(c.Pipeline.Symbols, ", "))
	logger.Info("   • Периоды агрегации: %v, серии: %v (размер %d)",
		c.Pipeline.AggregatePeriods, c.Pipeline.SeriesPeriods, c.Pipeline.SeriesMaxSize)
	logger.Info("   • Запись: %d воркеров, очередь %d, переполнение %s",
		c.Pipeline.PersistWorkers, c.Pipeline.PersistQueueSize, c.Pipeline.OverflowPolicy)

	if c.Backfill.Enabled {
		logger.Info("   • Дозагрузка: каждые %v, глубина %v, страница %d",
			c.Backfill.Interval, c.Backfill.Lookback, c.Backfill.PageLimit)
	} else {
		logger.Info("   • Дозагрузка: выключена")
	}
	if c.Verify.Enabled {
		logger.Info("   • Сверка: каждые %v, окно %v", c.Verify.Interval, c.Verify.Window)
	} else {
		logger.Info("   • Сверка: выключена")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func parseList(value string) []string {
	var result []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, strings.ToUpper(item))
		}
	}
	return result
}

// parsePeriods читает список периодов и дописывает ошибки в problems
func parsePeriods(key, defaultValue string, problems []string) ([]period.Period, []string) {
	raw := getEnv(key, defaultValue)
	periods, err := period.ParseList(strings.Split(raw, ","))
	if err != nil {
		return nil, append(problems, fmt.Sprintf("%s: %v", key, err))
	}
	return periods, problems
}
