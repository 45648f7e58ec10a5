// application/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"candle-pipeline/pkg/logger"
)

var (
	ErrUnknownJob = errors.New("scheduler: задача не найдена")
	ErrJobRunning = errors.New("scheduler: задача уже выполняется")
)

// Schedule определяет расписание задачи
type Schedule struct {
	kind     scheduleKind
	hour     int
	minute   int
	interval time.Duration
}

type scheduleKind int

const (
	kindDaily    scheduleKind = iota // раз в сутки в HH:MM UTC
	kindInterval                     // каждые N
)

// DailyAt - каждый день в HH:MM UTC
func DailyAt(hour, minute int) Schedule {
	return Schedule{kind: kindDaily, hour: hour, minute: minute}
}

// Every - с заданным интервалом
func Every(d time.Duration) Schedule {
	return Schedule{kind: kindInterval, interval: d}
}

func (s Schedule) String() string {
	if s.kind == kindDaily {
		return fmt.Sprintf("daily %02d:%02d UTC", s.hour, s.minute)
	}
	return "every " + s.interval.String()
}

func (s Schedule) nextRun(now time.Time) time.Time {
	switch s.kind {
	case kindDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		return next
	case kindInterval:
		if s.interval <= 0 {
			return now.Add(time.Minute)
		}
		return now.Add(s.interval)
	default:
		return now.Add(24 * time.Hour)
	}
}

// Job - одна периодическая задача конвейера
type Job struct {
	Name        string
	Description string
	Schedule    Schedule
	// Timeout ограничивает один запуск, ноль берет значение планировщика
	Timeout time.Duration
	Handler func(ctx context.Context) error

	mu      sync.Mutex
	nextRun time.Time
	lastRun time.Time
	lastErr error
	runs    int
	running bool
}

// JobStatus - снапшот состояния задачи
type JobStatus struct {
	Name        string
	Description string
	Schedule    string
	NextRun     time.Time
	LastRun     time.Time
	LastErr     error
	Runs        int
	Running     bool
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{
		Name:        j.Name,
		Description: j.Description,
		Schedule:    j.Schedule.String(),
		NextRun:     j.nextRun,
		LastRun:     j.lastRun,
		LastErr:     j.lastErr,
		Runs:        j.runs,
		Running:     j.running,
	}
}

// Config - параметры планировщика
type Config struct {
	TickInterval   time.Duration
	DefaultTimeout time.Duration
	Now            func() time.Time
}

func DefaultConfig() Config {
	return Config{
		TickInterval:   10 * time.Second,
		DefaultTimeout: 5 * time.Minute,
		Now:            time.Now,
	}
}

// Scheduler запускает задачи сверки и дозаполнения. Один запуск задачи за раз.
type Scheduler struct {
	cfg    Config
	jobs   []*Job
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Register добавляет задачу, вызывается до Start
func (s *Scheduler) Register(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.mu.Lock()
	job.nextRun = job.Schedule.nextRun(s.cfg.Now().UTC())
	next := job.nextRun
	job.mu.Unlock()
	s.jobs = append(s.jobs, job)

	logger.Info("📋 [Scheduler] Задача %q (%s), первый запуск в %s",
		job.Name, job.Schedule, next.Format("2006-01-02 15:04:05 UTC"))
}

func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop()
		}()
		logger.Info("✅ [Scheduler] Запущен (%d задач)", len(s.snapshot()))
	})
}

// Stop отменяет контекст задач и ждет их завершения
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		logger.Info("🛑 [Scheduler] Остановлен")
	})
}

func (s *Scheduler) Jobs() []JobStatus {
	jobs := s.snapshot()
	statuses := make([]JobStatus, len(jobs))
	for i, j := range jobs {
		statuses[i] = j.Status()
	}
	return statuses
}

// RunNow выполняет задачу синхронно вне расписания
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	job := s.find(name)
	if job == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !job.tryAcquire() {
		return ErrJobRunning
	}
	return s.execute(ctx, job)
}

// RunAsync запускает задачу в фоне на контексте планировщика, Stop ее дождется
func (s *Scheduler) RunAsync(name string) error {
	job := s.find(name)
	if job == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !job.tryAcquire() {
		return ErrJobRunning
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.execute(s.ctx, job)
	}()
	return nil
}

func (s *Scheduler) find(name string) *Job {
	for _, job := range s.snapshot() {
		if job.Name == name {
			return job
		}
	}
	return nil
}

func (s *Scheduler) snapshot() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	return jobs
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick() {
	now := s.cfg.Now().UTC()
	for _, job := range s.snapshot() {
		job.mu.Lock()
		due := !job.running && !now.Before(job.nextRun)
		if due {
			job.running = true
		}
		job.mu.Unlock()

		if due {
			s.wg.Add(1)
			go func(job *Job) {
				defer s.wg.Done()
				_ = s.execute(s.ctx, job)
			}(job)
		}
	}
}

func (j *Job) tryAcquire() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return false
	}
	j.running = true
	return true
}

// execute запускает уже захваченную задачу и освобождает ее
func (s *Scheduler) execute(parent context.Context, job *Job) error {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	logger.Debug("▶️ [Scheduler] Запуск задачи %q", job.Name)
	start := s.cfg.Now()
	err := runHandler(ctx, job)
	elapsed := s.cfg.Now().Sub(start)

	job.mu.Lock()
	job.lastRun = start
	job.lastErr = err
	job.runs++
	job.running = false
	job.nextRun = job.Schedule.nextRun(s.cfg.Now().UTC())
	nextRun := job.nextRun
	job.mu.Unlock()

	if err != nil {
		logger.Error("❌ [Scheduler] Задача %q завершилась с ошибкой за %v: %v", job.Name, elapsed, err)
	} else {
		logger.Info("✅ [Scheduler] Задача %q выполнена за %v, следующий запуск %s",
			job.Name, elapsed, nextRun.Format("15:04:05 UTC"))
	}
	return err
}

func runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic в задаче %s: %v", job.Name, r)
		}
	}()
	return job.Handler(ctx)
}
