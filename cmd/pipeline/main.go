// cmd/pipeline/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"candle-pipeline/application/bootstrap"
	"candle-pipeline/internal/infrastructure/config"
	"candle-pipeline/pkg/logger"
)

var version = "dev"

func main() {
	env := flag.String("env", "dev", "Окружение: каталог configs/<env>")
	configPath := flag.String("config", "", "Путь к .env (переопределяет --env)")
	logLevel := flag.String("log-level", "", "Уровень логирования (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.LoadConfig(resolveConfig(*env, *configPath))
	if err != nil {
		log.Fatalf("❌ Не удалось загрузить конфигурацию: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if cfg.Version == "" {
		cfg.Version = version
	}

	if err := logger.InitGlobal(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Debug); err != nil {
		log.Fatalf("❌ Не удалось инициализировать логгер: %v", err)
	}
	defer logger.Sync()

	cfg.PrintSummary()

	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		logger.Fatal("❌ Сборка приложения: %v", err)
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("❌ Конвейер завершился с ошибкой: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

// resolveConfig выбирает файл: --config, иначе configs/<env>/.env, иначе .env
func resolveConfig(env, explicit string) string {
	if explicit != "" {
		return explicit
	}
	candidate := filepath.Join("configs", env, ".env")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	fmt.Printf("⚠️  %s не найден, используем .env\n", candidate)
	return ".env"
}
