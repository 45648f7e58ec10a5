// internal/infrastructure/transport/event_bus/subscribers.go
package events

import (
	"time"

	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/logger"
)

// BaseSubscriber - базовая реализация подписчика
type BaseSubscriber struct {
	name             string
	subscribedEvents []types.EventType
	handler          func(types.Event) error
}

// NewBaseSubscriber создает нового подписчика
func NewBaseSubscriber(name string, events []types.EventType, handler func(types.Event) error) *BaseSubscriber {
	return &BaseSubscriber{
		name:             name,
		subscribedEvents: events,
		handler:          handler,
	}
}

// HandleEvent обрабатывает событие
func (s *BaseSubscriber) HandleEvent(event types.Event) error {
	return s.handler(event)
}

// GetName возвращает имя подписчика
func (s *BaseSubscriber) GetName() string {
	return s.name
}

// GetSubscribedEvents возвращает типы событий
func (s *BaseSubscriber) GetSubscribedEvents() []types.EventType {
	return s.subscribedEvents
}

// NewConsoleLoggerSubscriber - пишет служебные события в лог
func NewConsoleLoggerSubscriber() *BaseSubscriber {
	return NewBaseSubscriber(
		"console_logger",
		[]types.EventType{
			types.EventDataQuality,
			types.EventBackfillCompleted,
			types.EventVerifyCompleted,
			types.EventError,
		},
		func(event types.Event) error {
			switch event.Type {
			case types.EventDataQuality:
				if d, ok := event.Data.(types.DataQualityData); ok {
					logger.Debug("🧪 Качество данных [%s] %s %s %s: %s",
						d.Kind, d.Symbol, d.Period, d.BarTime.Format("2006-01-02 15:04"), d.Detail)
				}
			case types.EventBackfillCompleted:
				if d, ok := event.Data.(types.BackfillCompletedData); ok && d.Missing > 0 {
					logger.Info("🩹 Дозагрузка %s: пропусков %d, получено %d, записано %d за %v",
						d.Symbol, d.Missing, d.Fetched, d.Inserted, d.Duration.Round(time.Millisecond))
				}
			case types.EventVerifyCompleted:
				logger.Debug("🔎 Сверка завершена: %v", event.Data)
			case types.EventError:
				logger.Error("❌ Ошибка от %s: %v", event.Source, event.Data)
			}
			return nil
		},
	)
}

// BarPublisher публикует закрытые бары в шину как EventBarClosed
type BarPublisher struct {
	bus    types.EventBus
	source string
}

// NewBarPublisher создает публикатор закрытых баров
func NewBarPublisher(bus types.EventBus, source string) *BarPublisher {
	return &BarPublisher{bus: bus, source: source}
}

// OnBarClosed публикует бар, ошибки публикации только логируются
func (p *BarPublisher) OnBarClosed(bar types.Bar) {
	err := p.bus.Publish(types.Event{
		Type:   types.EventBarClosed,
		Source: p.source,
		Data:   bar,
	})
	if err != nil {
		logger.Warn("⚠️ Бар %s не опубликован: %v", bar.Key(), err)
	}
}
