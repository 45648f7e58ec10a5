// internal/infrastructure/transport/event_bus/event.go
package events

import "candle-pipeline/internal/types"

// Middleware - промежуточное ПО для обработки событий
type Middleware interface {
	Process(event types.Event, next HandlerFunc) error
}

// HandlerFunc - функция обработки события
type HandlerFunc func(event types.Event) error
