// /internal/types/eventbus.go
package types

import (
	"sync"
	"time"
)

// EventBus - интерфейс шины событий
type EventBus interface {
	// Publish публикует событие
	Publish(event Event) error

	// PublishSync публикует событие синхронно
	PublishSync(event Event) error

	// Subscribe подписывает обработчик на тип события
	Subscribe(eventType EventType, subscriber EventSubscriber)

	// Unsubscribe отписывает обработчика от типа события
	Unsubscribe(eventType EventType, subscriber EventSubscriber)
}

// Event - структура события
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	Metadata  Metadata    `json:"metadata"`
}

// EventType - тип события
type EventType string

// Metadata - метаданные события
type Metadata struct {
	CorrelationID string            `json:"correlation_id"`
	Tags          []string          `json:"tags"`
	Properties    map[string]string `json:"properties"`
}

// EventSubscriber - интерфейс подписчика
type EventSubscriber interface {
	HandleEvent(event Event) error
	GetName() string
	GetSubscribedEvents() []EventType
}

// EventBusMetrics - метрики EventBus
type EventBusMetrics struct {
	Mu               sync.RWMutex
	EventsPublished  int64             `json:"events_published"`
	EventsProcessed  int64             `json:"events_processed"`
	EventsFailed     int64             `json:"events_failed"`
	EventsDropped    int64             `json:"events_dropped"`
	SubscribersCount map[EventType]int `json:"subscribers_count"`
	ProcessingTime   time.Duration     `json:"processing_time"`
}

const (
	EventServiceStarted    EventType = "service_started"
	EventServiceStopped    EventType = "service_stopped"
	EventBarClosed         EventType = "bar_closed"
	EventDataQuality       EventType = "data_quality"
	EventBackfillCompleted EventType = "backfill_completed"
	EventVerifyCompleted   EventType = "verify_completed"
	EventError             EventType = "error"
)

// Виды проблем качества данных
const (
	QualityLateBar        = "late_bar"
	QualityStaleForced    = "stale_bucket_forced"
	QualityStaleDiscarded = "stale_bucket_discarded"
	QualityPersistDropped = "persist_dropped"
	QualityVerifyAnomaly  = "verify_anomaly"
	QualityInvalidBar     = "invalid_bar"
)

// DataQualityData - данные события EventDataQuality
type DataQualityData struct {
	Kind    string    `json:"kind"`
	Symbol  string    `json:"symbol"`
	Period  string    `json:"period"`
	BarTime time.Time `json:"bar_time"`
	Detail  string    `json:"detail"`
}

// BackfillCompletedData - итог одной прогонки дозаполнения
type BackfillCompletedData struct {
	RunID    string        `json:"run_id"`
	Symbol   string        `json:"symbol"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Missing  int           `json:"missing"`
	Fetched  int           `json:"fetched"`
	Inserted int           `json:"inserted"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
