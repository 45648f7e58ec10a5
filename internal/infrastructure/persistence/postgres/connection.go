// internal/infrastructure/persistence/postgres/connection.go
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"time"

	"candle-pipeline/pkg/logger"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConns        int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	MigrationsPath  string // пусто - встроенные миграции
	AutoMigrate     bool
}

func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "candles",
		Password:        "password",
		Database:        "candles_db",
		SSLMode:         "disable",
		MaxConns:        25,
		MaxIdle:         10,
		ConnMaxLifetime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// DSN возвращает строку подключения lib/pq
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func Connect(ctx context.Context, cfg *Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	// Настройки пула соединений
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Info("✅ Подключение к PostgreSQL %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)

	if cfg.AutoMigrate {
		if err := RunMigrations(ctx, db, MigrationsFS(cfg.MigrationsPath)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return db, nil
}

// MigrationsFS возвращает каталог миграций: с диска или встроенный
func MigrationsFS(path string) fs.FS {
	if path != "" {
		return os.DirFS(path)
	}
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

func RunMigrations(ctx context.Context, db *sqlx.DB, fsys fs.FS) error {
	migrator := NewMigrator(db)

	if err := migrator.LoadMigrations(fsys); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := migrator.Validate(ctx); err != nil {
		return fmt.Errorf("migration validation failed: %w", err)
	}

	logger.Info("✅ Миграции базы данных применены")
	return nil
}
