// internal/infrastructure/persistence/writer/bar_writer.go
package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"candle-pipeline/internal/types"
	"candle-pipeline/internal/types/storage"
	"candle-pipeline/pkg/logger"
)

// Политики переполнения очереди
const (
	PolicySync = "sync"
	PolicyDrop = "drop"
)

// Publisher - часть шины событий для отчетов о потерях
type Publisher interface {
	Publish(event types.Event) error
}

// WriterConfig - конфигурация пула записи
type WriterConfig struct {
	Workers         int
	QueueSize       int
	Policy          string
	WriteTimeout    time.Duration
	QualityReporter Publisher
}

// DefaultWriterConfig - конфигурация по умолчанию
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Workers:      4,
		QueueSize:    1024,
		Policy:       PolicySync,
		WriteTimeout: 10 * time.Second,
	}
}

// WriterStats - счетчики пула записи
type WriterStats struct {
	Written    int64 `json:"written"`
	Duplicates int64 `json:"duplicates"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	SyncWrites int64 `json:"sync_writes"`
	Queued     int   `json:"queued"`
}

// BarWriter асинхронно сохраняет закрытые бары пулом воркеров
type BarWriter struct {
	store  storage.BarStore
	config WriterConfig

	mu      sync.RWMutex
	queue   chan types.Bar
	running bool
	wg      sync.WaitGroup

	written    atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
	syncWrites atomic.Int64
}

// NewBarWriter создает пул записи
func NewBarWriter(store storage.BarStore, config WriterConfig) (*BarWriter, error) {
	if store == nil {
		return nil, fmt.Errorf("BarWriter: хранилище не задано")
	}
	def := DefaultWriterConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Policy == "" {
		config.Policy = def.Policy
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.Policy != PolicySync && config.Policy != PolicyDrop {
		return nil, fmt.Errorf("BarWriter: неизвестная политика переполнения %q", config.Policy)
	}
	return &BarWriter{store: store, config: config}, nil
}

// Start запускает воркеров
func (w *BarWriter) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	w.queue = make(chan types.Bar, w.config.QueueSize)
	w.running = true
	for i := 0; i < w.config.Workers; i++ {
		w.wg.Add(1)
		go w.worker(w.queue)
	}

	logger.Info("💾 BarWriter запущен: %d воркеров, очередь %d, политика %s",
		w.config.Workers, w.config.QueueSize, w.config.Policy)
	return nil
}

// Stop закрывает очередь и ждет, пока воркеры допишут ее
func (w *BarWriter) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.queue)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		stats := w.Stats()
		logger.Info("🛑 BarWriter остановлен: записано %d, дублей %d, ошибок %d, отброшено %d",
			stats.Written, stats.Duplicates, stats.Failed, stats.Dropped)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("BarWriter.Stop: очередь не дописана: %w", ctx.Err())
	}
}

// OnBarClosed ставит бар в очередь, не блокируя вызывающего
func (w *BarWriter) OnBarClosed(bar types.Bar) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.running {
		// пул не запущен, пишем сразу
		w.syncWrites.Add(1)
		w.write(bar)
		return
	}

	select {
	case w.queue <- bar:
		return
	default:
	}

	if w.config.Policy == PolicyDrop {
		w.dropped.Add(1)
		logger.Warn("⚠️ Очередь записи переполнена, бар %s отброшен", bar.Key())
		w.reportDrop(bar)
		return
	}
	w.syncWrites.Add(1)
	w.write(bar)
}

func (w *BarWriter) worker(queue <-chan types.Bar) {
	defer w.wg.Done()
	for bar := range queue {
		w.write(bar)
	}
}

func (w *BarWriter) write(bar types.Bar) {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
	defer cancel()

	inserted, err := w.store.Save(ctx, bar)
	switch {
	case err != nil:
		w.failed.Add(1)
		logger.Error("❌ Не удалось сохранить бар %s: %v", bar.Key(), err)
	case inserted:
		w.written.Add(1)
	default:
		w.duplicates.Add(1)
	}
}

func (w *BarWriter) reportDrop(bar types.Bar) {
	if w.config.QualityReporter == nil {
		return
	}
	_ = w.config.QualityReporter.Publish(types.Event{
		Type:   types.EventDataQuality,
		Source: "bar_writer",
		Data: types.DataQualityData{
			Kind:    types.QualityPersistDropped,
			Symbol:  bar.Symbol,
			Period:  bar.Period.String(),
			BarTime: bar.BarTime,
			Detail:  "queue full",
		},
	})
}

// Stats возвращает счетчики
func (w *BarWriter) Stats() WriterStats {
	w.mu.RLock()
	queued := 0
	if w.queue != nil {
		queued = len(w.queue)
	}
	w.mu.RUnlock()

	return WriterStats{
		Written:    w.written.Load(),
		Duplicates: w.duplicates.Load(),
		Failed:     w.failed.Load(),
		Dropped:    w.dropped.Load(),
		SyncWrites: w.syncWrites.Load(),
		Queued:     queued,
	}
}

// GetStats возвращает счетчики в виде map
func (w *BarWriter) GetStats() map[string]interface{} {
	s := w.Stats()
	return map[string]interface{}{
		"written":     s.Written,
		"duplicates":  s.Duplicates,
		"failed":      s.Failed,
		"dropped":     s.Dropped,
		"sync_writes": s.SyncWrites,
		"queued":      s.Queued,
		"policy":      w.config.Policy,
	}
}
