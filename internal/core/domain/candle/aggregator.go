// internal/core/domain/candle/aggregator.go
package candle

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/logger"
	"candle-pipeline/pkg/period"
)

// Ошибки входящих баров
var (
	ErrInvalidBar  = errors.New("invalid minute bar")
	errEmptySymbol = fmt.Errorf("%w: empty symbol", ErrInvalidBar)
)

// BarSink получает закрытые бары. Реализации не должны блокировать надолго.
type BarSink interface {
	OnBarClosed(bar types.Bar)
}

// BarSinkFunc - функция как BarSink
type BarSinkFunc func(bar types.Bar)

func (f BarSinkFunc) OnBarClosed(bar types.Bar) { f(bar) }

// Publisher - часть шины событий, нужная агрегатору
type Publisher interface {
	Publish(event types.Event) error
}

// AggregatorConfig - конфигурация агрегатора
type AggregatorConfig struct {
	Periods         []period.Period
	PassThrough     bool          // отдавать минутные бары как закрытые 1m
	DedupRetention  time.Duration // сколько держать ключи дедупликации
	ReaperInterval  time.Duration
	StaleGrace      time.Duration // запас после конца окна до принудительного закрытия
	StatsInterval   time.Duration
	Now             func() time.Time
	OnStale         func(symbol string)
	QualityReporter Publisher
}

// DefaultAggregatorConfig - конфигурация по умолчанию
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Periods:        period.Aggregated(),
		PassThrough:    true,
		DedupRetention: 6 * time.Hour,
		ReaperInterval: time.Minute,
		StaleGrace:     5 * time.Minute,
		StatsInterval:  5 * time.Minute,
	}
}

type laneKey struct {
	symbol string
	period period.Period
}

type dedupKey struct {
	windowStart int64
	openTime    int64
}

// lane - состояние одной пары (symbol, period). Все изменения под lane.mu.
type lane struct {
	mu       sync.Mutex
	symbol   string
	period   period.Period
	buckets  map[int64]*Bucket
	seen     map[dedupKey]struct{}
	frontier time.Time
}

func newLane(symbol string, p period.Period) *lane {
	return &lane{
		symbol:  symbol,
		period:  p,
		buckets: make(map[int64]*Bucket),
		seen:    make(map[dedupKey]struct{}),
	}
}

type mergeResult struct {
	closed    []types.Bar
	duplicate bool
	late      bool
}

// merge вливает бар и закрывает окна, которые поток уже прошел
func (l *lane) merge(bar types.MinuteBar) mergeResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	var res mergeResult
	ws := WindowStart(bar.OpenTime, l.period)
	key := dedupKey{windowStart: ws.UnixMilli(), openTime: bar.OpenTime.UnixMilli()}
	if _, ok := l.seen[key]; ok {
		res.duplicate = true
		return res
	}
	l.seen[key] = struct{}{}

	b, ok := l.buckets[key.windowStart]
	if !ok {
		b = NewBucket(l.symbol, l.period, ws)
		if !l.frontier.IsZero() && !b.WindowEnd.After(l.frontier) {
			res.late = true
		}
		l.buckets[key.windowStart] = b
	}
	b.Absorb(bar)

	if bar.OpenTime.After(l.frontier) {
		l.frontier = bar.OpenTime
	}

	for start, candidate := range l.buckets {
		if !candidate.WindowEnd.After(bar.OpenTime) {
			res.closed = append(res.closed, candidate.Bar())
			delete(l.buckets, start)
		}
	}
	if len(res.closed) > 1 {
		sort.Slice(res.closed, func(i, j int) bool {
			return res.closed[i].BarTime.Before(res.closed[j].BarTime)
		})
	}
	return res
}

// markSeen регистрирует минутный бар без бакета, true если он новый
func (l *lane) markSeen(openTime time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := dedupKey{windowStart: openTime.UnixMilli(), openTime: openTime.UnixMilli()}
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = struct{}{}
	if openTime.After(l.frontier) {
		l.frontier = openTime
	}
	return true
}

type reapResult struct {
	forced    []types.Bar
	discarded []*Bucket
	trimmed   int
}

// reap закрывает или выбрасывает зависшие бакеты и чистит ключи дедупликации
func (l *lane) reap(now time.Time, grace, retention time.Duration) reapResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	var res reapResult
	for start, b := range l.buckets {
		if !b.WindowEnd.Add(grace).Before(now) {
			continue
		}
		if b.Complete() {
			res.forced = append(res.forced, b.Bar())
		} else {
			res.discarded = append(res.discarded, b)
		}
		delete(l.buckets, start)
	}

	if retention > 0 && !l.frontier.IsZero() {
		cutoff := l.frontier.Add(-retention).UnixMilli()
		for k := range l.seen {
			if k.openTime < cutoff {
				delete(l.seen, k)
				res.trimmed++
			}
		}
	}
	return res
}

func (l *lane) size() (buckets, keys int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets), len(l.seen)
}

// aggregatorStats - счетчики агрегатора
type aggregatorStats struct {
	received    atomic.Int64
	nonFinal    atomic.Int64
	invalid     atomic.Int64
	duplicates  atomic.Int64
	late        atomic.Int64
	closed      atomic.Int64
	passThrough atomic.Int64
	forced      atomic.Int64
	discarded   atomic.Int64
	trimmedKeys atomic.Int64
}

// AggregatorStats - снимок статистики
type AggregatorStats struct {
	Received      int64
	NonFinal      int64
	Invalid       int64
	Duplicates    int64
	Late          int64
	Closed        int64
	PassThrough   int64
	ForcedClosed  int64
	Discarded     int64
	TrimmedKeys   int64
	ActiveBuckets int
	DedupKeys     int
	Lanes         int
}

// Aggregator строит бары 5m..4h из потока минутных баров
type Aggregator struct {
	config AggregatorConfig
	sinks  []BarSink
	lanes  sync.Map // laneKey -> *lane

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	stats aggregatorStats
}

// NewAggregator создает агрегатор
func NewAggregator(config AggregatorConfig, sinks ...BarSink) (*Aggregator, error) {
	if len(config.Periods) == 0 {
		config.Periods = period.Aggregated()
	}
	for _, p := range config.Periods {
		if !p.Valid() {
			return nil, fmt.Errorf("NewAggregator: %w: %q", period.ErrUnknownPeriod, string(p))
		}
		if p == period.M1 {
			return nil, fmt.Errorf("NewAggregator: 1m is the source period, use PassThrough")
		}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.ReaperInterval <= 0 {
		config.ReaperInterval = time.Minute
	}
	if config.StaleGrace <= 0 {
		config.StaleGrace = 5 * time.Minute
	}

	return &Aggregator{
		config: config,
		sinks:  sinks,
		stopCh: make(chan struct{}),
	}, nil
}

// AddSink добавляет получателя закрытых баров. Вызывать до Start.
func (a *Aggregator) AddSink(sink BarSink) {
	a.sinks = append(a.sinks, sink)
}

// Start запускает фоновую очистку
func (a *Aggregator) Start() error {
	if !a.running.CompareAndSwap(false, true) {
		return nil
	}
	logger.Info("🚀 Запуск агрегатора (периоды: %v, pass-through 1m: %v)", a.config.Periods, a.config.PassThrough)

	a.wg.Add(1)
	go a.reaperRoutine()

	if a.config.StatsInterval > 0 {
		a.wg.Add(1)
		go a.statsRoutine()
	}
	return nil
}

// Stop останавливает фоновые горутины
func (a *Aggregator) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	logger.Info("🛑 Остановка агрегатора...")
	close(a.stopCh)
	a.wg.Wait()
	logger.Info("✅ Агрегатор остановлен")
	return nil
}

func (a *Aggregator) lane(symbol string, p period.Period) *lane {
	key := laneKey{symbol: symbol, period: p}
	if l, ok := a.lanes.Load(key); ok {
		return l.(*lane)
	}
	l, _ := a.lanes.LoadOrStore(key, newLane(symbol, p))
	return l.(*lane)
}

func validateMinuteBar(bar types.MinuteBar) error {
	if bar.Symbol == "" {
		return errEmptySymbol
	}
	if bar.Period != "" && bar.Period != string(period.M1) {
		return fmt.Errorf("%w: period %q", ErrInvalidBar, bar.Period)
	}
	if bar.OpenTime.IsZero() {
		return fmt.Errorf("%w: zero open time", ErrInvalidBar)
	}
	if bar.High.LessThan(bar.Low) {
		return fmt.Errorf("%w: high %s < low %s", ErrInvalidBar, bar.High, bar.Low)
	}
	if bar.Volume.IsNegative() {
		return fmt.Errorf("%w: negative volume %s", ErrInvalidBar, bar.Volume)
	}
	return nil
}

// OnMinuteBar раскладывает минутный бар по всем периодам.
// Незакрытые бары пропускаются, повторы отбрасываются молча.
func (a *Aggregator) OnMinuteBar(bar types.MinuteBar) error {
	a.stats.received.Add(1)

	if !bar.IsFinal {
		a.stats.nonFinal.Add(1)
		return nil
	}
	if err := validateMinuteBar(bar); err != nil {
		a.stats.invalid.Add(1)
		a.reportQuality(types.DataQualityData{
			Kind:    types.QualityInvalidBar,
			Symbol:  bar.Symbol,
			Period:  string(period.M1),
			BarTime: bar.OpenTime,
			Detail:  err.Error(),
		})
		return fmt.Errorf("Aggregator.OnMinuteBar: %w", err)
	}

	bar.OpenTime = Align(bar.OpenTime, period.M1)

	if a.config.PassThrough && a.lane(bar.Symbol, period.M1).markSeen(bar.OpenTime) {
		a.stats.passThrough.Add(1)
		a.emit(bar.AsBar())
	}

	for _, p := range a.config.Periods {
		res := a.lane(bar.Symbol, p).merge(bar)
		if res.duplicate {
			a.stats.duplicates.Add(1)
			continue
		}
		if res.late {
			a.stats.late.Add(1)
			logger.Warn("⚠️ Запоздавший бар %s %s open=%s, окно уже пройдено",
				bar.Symbol, p, bar.OpenTime.Format(time.RFC3339))
			a.reportQuality(types.DataQualityData{
				Kind:    types.QualityLateBar,
				Symbol:  bar.Symbol,
				Period:  string(p),
				BarTime: WindowEnd(bar.OpenTime, p),
				Detail:  "bar arrived after its window was passed",
			})
		}
		for _, closed := range res.closed {
			a.stats.closed.Add(1)
			a.emit(closed)
		}
	}
	return nil
}

func (a *Aggregator) emit(bar types.Bar) {
	for _, sink := range a.sinks {
		sink.OnBarClosed(bar)
	}
}

func (a *Aggregator) reportQuality(data types.DataQualityData) {
	if a.config.QualityReporter == nil {
		return
	}
	if err := a.config.QualityReporter.Publish(types.Event{
		Type:   types.EventDataQuality,
		Source: "aggregator",
		Data:   data,
	}); err != nil {
		logger.Debug("⚠️ Не удалось опубликовать событие качества данных: %v", err)
	}
}

func (a *Aggregator) reaperRoutine() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.ReaperInterval)
	defer ticker.Stop()

	logger.Debug("🧹 Агрегатор: запущена очистка зависших окон (интервал: %v)", a.config.ReaperInterval)

	for {
		select {
		case <-ticker.C:
			a.Reap()
		case <-a.stopCh:
			return
		}
	}
}

// Reap обрабатывает окна, которые уже не закроются новыми данными
func (a *Aggregator) Reap() {
	now := a.config.Now()
	stale := make(map[string]bool)

	a.lanes.Range(func(_, value interface{}) bool {
		l := value.(*lane)
		res := l.reap(now, a.config.StaleGrace, a.config.DedupRetention)
		a.stats.trimmedKeys.Add(int64(res.trimmed))

		for _, bar := range res.forced {
			a.stats.forced.Add(1)
			stale[bar.Symbol] = true
			logger.Warn("⚠️ Окно %s %s закрыто принудительно: поток остановился на границе", bar.Symbol, bar.Period)
			a.reportQuality(types.DataQualityData{
				Kind:    types.QualityStaleForced,
				Symbol:  bar.Symbol,
				Period:  string(bar.Period),
				BarTime: bar.BarTime,
				Detail:  fmt.Sprintf("complete window closed by reaper, %d bars", bar.SourceCount),
			})
			a.emit(bar)
		}
		for _, b := range res.discarded {
			a.stats.discarded.Add(1)
			stale[b.Symbol] = true
			logger.Warn("⚠️ Неполное окно %s %s [%s] отброшено: %d из %d баров",
				b.Symbol, b.Period, b.WindowStart.Format(time.RFC3339), b.Count, b.Period.Minutes())
			a.reportQuality(types.DataQualityData{
				Kind:    types.QualityStaleDiscarded,
				Symbol:  b.Symbol,
				Period:  string(b.Period),
				BarTime: b.WindowEnd,
				Detail:  fmt.Sprintf("incomplete window discarded, %d of %d bars", b.Count, b.Period.Minutes()),
			})
		}
		return true
	})

	if a.config.OnStale != nil {
		for symbol := range stale {
			a.config.OnStale(symbol)
		}
	}
}

func (a *Aggregator) statsRoutine() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := a.Stats()
			logger.Info("📊 Агрегатор: получено=%d закрыто=%d повторов=%d запоздавших=%d активных окон=%d",
				s.Received, s.Closed, s.Duplicates, s.Late, s.ActiveBuckets)
		case <-a.stopCh:
			return
		}
	}
}

// Stats возвращает снимок статистики
func (a *Aggregator) Stats() AggregatorStats {
	s := AggregatorStats{
		Received:     a.stats.received.Load(),
		NonFinal:     a.stats.nonFinal.Load(),
		Invalid:      a.stats.invalid.Load(),
		Duplicates:   a.stats.duplicates.Load(),
		Late:         a.stats.late.Load(),
		Closed:       a.stats.closed.Load(),
		PassThrough:  a.stats.passThrough.Load(),
		ForcedClosed: a.stats.forced.Load(),
		Discarded:    a.stats.discarded.Load(),
		TrimmedKeys:  a.stats.trimmedKeys.Load(),
	}
	a.lanes.Range(func(_, value interface{}) bool {
		buckets, keys := value.(*lane).size()
		s.ActiveBuckets += buckets
		s.DedupKeys += keys
		s.Lanes++
		return true
	})
	return s
}

// GetStats возвращает статистику в виде map
func (a *Aggregator) GetStats() map[string]interface{} {
	s := a.Stats()
	return map[string]interface{}{
		"received":       s.Received,
		"non_final":      s.NonFinal,
		"invalid":        s.Invalid,
		"duplicates":     s.Duplicates,
		"late":           s.Late,
		"closed":         s.Closed,
		"pass_through":   s.PassThrough,
		"forced_closed":  s.ForcedClosed,
		"discarded":      s.Discarded,
		"trimmed_keys":   s.TrimmedKeys,
		"active_buckets": s.ActiveBuckets,
		"dedup_keys":     s.DedupKeys,
		"lanes":          s.Lanes,
	}
}

// OpenBuckets возвращает копии открытых бакетов пары (symbol, period)
func (a *Aggregator) OpenBuckets(symbol string, p period.Period) []types.Bar {
	v, ok := a.lanes.Load(laneKey{symbol: symbol, period: p})
	if !ok {
		return nil
	}
	l := v.(*lane)
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]types.Bar, 0, len(l.buckets))
	for _, b := range l.buckets {
		result = append(result, b.Bar())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BarTime.Before(result[j].BarTime) })
	return result
}
