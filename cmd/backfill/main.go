// cmd/backfill/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"candle-pipeline/application/bootstrap"
	"candle-pipeline/internal/core/domain/backfill"
	"candle-pipeline/internal/core/domain/verifier"
	"candle-pipeline/internal/infrastructure/config"
	"candle-pipeline/pkg/logger"

	"github.com/shopspring/decimal"
)

func main() {
	os.Exit(run())
}

func run() int {
	env := flag.String("env", "dev", "Окружение: каталог configs/<env>")
	configPath := flag.String("config", "", "Путь к .env (переопределяет --env)")
	logLevel := flag.String("log-level", "", "Уровень логирования")
	symbol := flag.String("symbol", "", "Инструмент, пусто - все включенные в реестре")
	from := flag.String("from", "", "Начало диапазона RFC3339, по умолчанию now-BACKFILL_LOOKBACK")
	to := flag.String("to", "", "Конец диапазона RFC3339 (не включается), по умолчанию текущая минута")
	verifyOnly := flag.Bool("verify", false, "Только сверка, без записи")
	flag.Parse()

	cfg, err := config.LoadConfig(resolveConfig(*env, *configPath))
	if err != nil {
		log.Fatalf("❌ Не удалось загрузить конфигурацию: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := logger.InitGlobal(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Debug); err != nil {
		log.Fatalf("❌ Не удалось инициализировать логгер: %v", err)
	}
	defer logger.Sync()

	start, end, err := parseRange(*from, *to, cfg.Backfill.Lookback, time.Now())
	if err != nil {
		logger.Error("❌ %v", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := bootstrap.OpenStorage(ctx, cfg)
	if err != nil {
		logger.Error("❌ Хранилище: %v", err)
		return 1
	}
	defer st.Close()

	fetcher := bootstrap.NewFetcher(bootstrap.NewOKXClient(cfg.Exchange), cfg.Backfill)

	failed := false
	if *verifyOnly {
		ceiling := decimal.Zero
		if cfg.Verify.PriceCeiling > 0 {
			ceiling = decimal.NewFromFloat(cfg.Verify.PriceCeiling)
		}
		v := verifier.NewVerifier(st.Bars, fetcher, verifier.Rules{PriceCeiling: ceiling}, nil)
		var reports []verifier.Report
		if *symbol != "" {
			var report verifier.Report
			report, err = v.Verify(ctx, *symbol, start, end)
			reports = append(reports, report)
		} else {
			reports, err = v.VerifyAll(ctx, st.Registry, start, end)
		}
		for _, r := range reports {
			fmt.Println(r.Summary())
			failed = failed || !r.Clean()
		}
	} else {
		service := bootstrap.NewBackfillService(st.Bars, st.Registry, fetcher, cfg.Backfill, nil)
		defer service.Stop()
		var results []backfill.SweepResult
		if *symbol != "" {
			results = append(results, service.Sweep(ctx, *symbol, start, end))
		} else {
			results, err = service.SweepAll(ctx, start, end)
		}
		for _, r := range results {
			fmt.Printf("%s: пропущено %d, получено %d, записано %d за %v\n", r.Symbol, r.Missing, r.Fetched, r.Inserted, r.Duration)
			if r.Err != nil {
				fmt.Printf("   ошибка: %v\n", r.Err)
				failed = true
			}
		}
	}

	if err != nil {
		logger.Error("❌ %v", err)
		failed = true
	}
	if failed {
		return 1
	}
	return 0
}

// parseRange разбирает --from/--to, границы выравниваются по минуте
func parseRange(from, to string, lookback time.Duration, now time.Time) (time.Time, time.Time, error) {
	end := now.UTC().Truncate(time.Minute)
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
		}
		end = t.UTC().Truncate(time.Minute)
	}
	start := end.Add(-lookback)
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
		}
		start = t.UTC().Truncate(time.Minute)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("пустой диапазон [%s, %s)", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return start, end, nil
}

func resolveConfig(env, explicit string) string {
	if explicit != "" {
		return explicit
	}
	candidate := filepath.Join("configs", env, ".env")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ".env"
}
