// internal/infrastructure/transport/event_bus/event_bus.go
package events

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/logger"

	"github.com/google/uuid"
)

// Ошибки публикации
var (
	ErrBusNotRunning = errors.New("event bus is not running")
	ErrBufferFull    = errors.New("event buffer is full")
)

// EventBus - центральная шина событий
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[types.EventType][]types.EventSubscriber
	middlewares []Middleware
	eventBuffer chan types.Event
	metrics     *types.EventBusMetrics
	config      EventBusConfig
	running     bool
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// EventBusConfig - конфигурация EventBus
type EventBusConfig struct {
	BufferSize      int           `json:"buffer_size"`
	WorkerCount     int           `json:"worker_count"`
	EnableMetrics   bool          `json:"enable_metrics"`
	EnableLogging   bool          `json:"enable_logging"`
	MetricsInterval time.Duration `json:"metrics_interval"`
}

// DefaultConfig - конфигурация по умолчанию
var DefaultConfig = EventBusConfig{
	BufferSize:      4096,
	WorkerCount:     4,
	EnableMetrics:   true,
	EnableLogging:   true,
	MetricsInterval: 5 * time.Minute,
}

// NewEventBus создает новую шину событий
func NewEventBus(config ...EventBusConfig) *EventBus {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig.BufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = DefaultConfig.MetricsInterval
	}

	return &EventBus{
		subscribers: make(map[types.EventType][]types.EventSubscriber),
		eventBuffer: make(chan types.Event, cfg.BufferSize),
		metrics: &types.EventBusMetrics{
			SubscribersCount: make(map[types.EventType]int),
		},
		config: cfg,
	}
}

// Start запускает EventBus
func (b *EventBus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}

	b.running = true
	b.stopChan = make(chan struct{})

	for i := 0; i < b.config.WorkerCount; i++ {
		b.wg.Add(1)
		go b.eventWorker(i)
	}
	if b.config.EnableMetrics {
		b.wg.Add(1)
		go b.metricsRoutine()
	}

	if b.config.EnableLogging {
		logger.Info("🚀 EventBus запущен с %d обработчиками", b.config.WorkerCount)
	}
}

// Stop останавливает EventBus. Уже принятые события обрабатываются до выхода.
func (b *EventBus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopChan)
	b.mu.Unlock()

	b.wg.Wait()

	if b.config.EnableLogging {
		logger.Info("🛑 EventBus остановлен")
	}
}

// Subscribe подписывает обработчик на тип события
func (b *EventBus) Subscribe(eventType types.EventType, subscriber types.EventSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	found := false
	for _, et := range subscriber.GetSubscribedEvents() {
		if et == eventType {
			found = true
			break
		}
	}
	if !found {
		logger.Warn("⚠️ Подписчик %s не подписан на событие %s", subscriber.GetName(), eventType)
		return
	}

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)

	b.metrics.Mu.Lock()
	b.metrics.SubscribersCount[eventType] = len(b.subscribers[eventType])
	b.metrics.Mu.Unlock()

	if b.config.EnableLogging {
		logger.Info("✅ %s подписался на %s", subscriber.GetName(), eventType)
	}
}

// Unsubscribe отписывает обработчик от типа события
func (b *EventBus) Unsubscribe(eventType types.EventType, subscriber types.EventSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers := b.subscribers[eventType]
	for i, sub := range subscribers {
		if sub != subscriber {
			continue
		}
		updated := make([]types.EventSubscriber, 0, len(subscribers)-1)
		updated = append(updated, subscribers[:i]...)
		b.subscribers[eventType] = append(updated, subscribers[i+1:]...)

		b.metrics.Mu.Lock()
		b.metrics.SubscribersCount[eventType] = len(b.subscribers[eventType])
		b.metrics.Mu.Unlock()

		if b.config.EnableLogging {
			logger.Info("❌ %s отписался от %s", subscriber.GetName(), eventType)
		}
		return
	}
}

func (b *EventBus) stamp(event *types.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}

// Publish ставит событие в буфер без блокировки
func (b *EventBus) Publish(event types.Event) error {
	b.stamp(&event)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.running {
		return ErrBusNotRunning
	}

	select {
	case b.eventBuffer <- event:
		b.metrics.Mu.Lock()
		b.metrics.EventsPublished++
		b.metrics.Mu.Unlock()
		return nil
	default:
		b.metrics.Mu.Lock()
		b.metrics.EventsDropped++
		b.metrics.Mu.Unlock()
		if b.config.EnableLogging {
			logger.Warn("⚠️ Буфер событий полон, событие отброшено: %s от %s", event.Type, event.Source)
		}
		return fmt.Errorf("%w: %s", ErrBufferFull, event.Type)
	}
}

// PublishSync обрабатывает событие в вызывающей горутине
func (b *EventBus) PublishSync(event types.Event) error {
	b.stamp(&event)
	b.metrics.Mu.Lock()
	b.metrics.EventsPublished++
	b.metrics.Mu.Unlock()
	return b.processEvent(event)
}

// AddMiddleware добавляет middleware
func (b *EventBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.middlewares = append(b.middlewares, middleware)

	if b.config.EnableLogging {
		logger.Debug("➕ Добавлен middleware: %T", middleware)
	}
}

// eventWorker - обработчик событий
func (b *EventBus) eventWorker(id int) {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.eventBuffer:
			b.safeProcess(event)
		case <-b.stopChan:
			// дорабатываем то, что уже в буфере
			for {
				select {
				case event := <-b.eventBuffer:
					b.safeProcess(event)
				default:
					logger.Debug("🔍 [EventWorker %d] Остановлен", id)
					return
				}
			}
		}
	}
}

// safeProcess обрабатывает событие с восстановлением после паники
func (b *EventBus) safeProcess(event types.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("⚠️ Паника при обработке %s: %v\n%s", event.Type, r, debug.Stack())
			b.metrics.Mu.Lock()
			b.metrics.EventsFailed++
			b.metrics.Mu.Unlock()
		}
	}()
	_ = b.processEvent(event)
}

// processEvent обрабатывает одно событие
func (b *EventBus) processEvent(event types.Event) error {
	startTime := time.Now()
	defer func() {
		b.metrics.Mu.Lock()
		b.metrics.ProcessingTime += time.Since(startTime)
		b.metrics.EventsProcessed++
		b.metrics.Mu.Unlock()
	}()

	b.mu.RLock()
	subscribers := b.subscribers[event.Type]
	middlewares := b.middlewares
	b.mu.RUnlock()

	if len(subscribers) == 0 {
		logger.Debug("Нет подписчиков для события: %s", event.Type)
		return nil
	}

	return b.executeWithMiddleware(event, middlewares, b.createHandlerChain(subscribers))
}

// createHandlerChain вызывает всех подписчиков, ошибка одного не мешает остальным
func (b *EventBus) createHandlerChain(subscribers []types.EventSubscriber) HandlerFunc {
	return func(event types.Event) error {
		var lastError error
		for _, subscriber := range subscribers {
			if err := subscriber.HandleEvent(event); err != nil {
				lastError = err
				b.metrics.Mu.Lock()
				b.metrics.EventsFailed++
				b.metrics.Mu.Unlock()
				logger.Error("❌ Ошибка обработки события %s подписчиком %s: %v",
					event.Type, subscriber.GetName(), err)
			}
		}
		return lastError
	}
}

// executeWithMiddleware выполняет обработку через цепочку middleware
func (b *EventBus) executeWithMiddleware(event types.Event, middlewares []Middleware, handler HandlerFunc) error {
	chain := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		mw := middlewares[i]
		next := chain
		chain = func(event types.Event) error {
			return mw.Process(event, next)
		}
	}
	return chain(event)
}

// GetMetrics возвращает копию метрик
func (b *EventBus) GetMetrics() types.EventBusMetrics {
	b.metrics.Mu.RLock()
	defer b.metrics.Mu.RUnlock()

	counts := make(map[types.EventType]int, len(b.metrics.SubscribersCount))
	for k, v := range b.metrics.SubscribersCount {
		counts[k] = v
	}
	return types.EventBusMetrics{
		EventsPublished:  b.metrics.EventsPublished,
		EventsProcessed:  b.metrics.EventsProcessed,
		EventsFailed:     b.metrics.EventsFailed,
		EventsDropped:    b.metrics.EventsDropped,
		SubscribersCount: counts,
		ProcessingTime:   b.metrics.ProcessingTime,
	}
}

// GetSubscriberCount возвращает количество подписчиков
func (b *EventBus) GetSubscriberCount(eventType types.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers[eventType])
}

// GetEventTypes возвращает все типы событий с подписчиками
func (b *EventBus) GetEventTypes() []types.EventType {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]types.EventType, 0, len(b.subscribers))
	for eventType, subs := range b.subscribers {
		if len(subs) > 0 {
			result = append(result, eventType)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func (b *EventBus) metricsRoutine() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.logMetrics()
		case <-b.stopChan:
			return
		}
	}
}

// logMetrics логирует метрики
func (b *EventBus) logMetrics() {
	metrics := b.GetMetrics()

	var avg time.Duration
	if metrics.EventsProcessed > 0 {
		avg = metrics.ProcessingTime / time.Duration(metrics.EventsProcessed)
	}
	logger.Info("📊 EventBus: опубликовано %d, обработано %d, ошибок %d, отброшено %d, среднее время %v",
		metrics.EventsPublished, metrics.EventsProcessed, metrics.EventsFailed, metrics.EventsDropped, avg)
}

// IsRunning возвращает true если EventBus запущен
func (b *EventBus) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Name возвращает имя сервиса
func (b *EventBus) Name() string {
	return "EventBus"
}

// GetMetricsMap возвращает метрики в виде map
func (b *EventBus) GetMetricsMap() map[string]interface{} {
	metrics := b.GetMetrics()
	return map[string]interface{}{
		"events_published": metrics.EventsPublished,
		"events_processed": metrics.EventsProcessed,
		"events_failed":    metrics.EventsFailed,
		"events_dropped":   metrics.EventsDropped,
		"processing_time":  metrics.ProcessingTime.String(),
		"subscribers":      metrics.SubscribersCount,
		"buffered":         len(b.eventBuffer),
	}
}
