// internal/infrastructure/transport/event_bus/middleware.go
package events

import (
	"errors"
	"time"

	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/logger"
)

// Ошибки валидации событий
var (
	errNoType      = errors.New("event type is required")
	errNoSource    = errors.New("event source is required")
	errNoTimestamp = errors.New("event timestamp is required")
)

// LoggingMiddleware - логирует время обработки событий
type LoggingMiddleware struct {
	// SlowThreshold - обработка дольше порога пишется в Warn
	SlowThreshold time.Duration
}

func (m *LoggingMiddleware) Process(event types.Event, next HandlerFunc) error {
	start := time.Now()
	err := next(event)
	duration := time.Since(start)

	switch {
	case err != nil:
		logger.Warn("❌ [LoggingMiddleware] Ошибка обработки %s за %v: %v", event.Type, duration, err)
	case m.SlowThreshold > 0 && duration > m.SlowThreshold:
		logger.Warn("🐢 [LoggingMiddleware] Медленная обработка %s: %v", event.Type, duration)
	default:
		logger.Debug("✅ [LoggingMiddleware] %s обработан за %v", event.Type, duration)
	}
	return err
}

// ValidationMiddleware - отбрасывает события без обязательных полей
type ValidationMiddleware struct{}

func (m *ValidationMiddleware) Process(event types.Event, next HandlerFunc) error {
	if event.Type == "" {
		return errNoType
	}
	if event.Source == "" {
		return errNoSource
	}
	if event.Timestamp.IsZero() {
		return errNoTimestamp
	}
	return next(event)
}
