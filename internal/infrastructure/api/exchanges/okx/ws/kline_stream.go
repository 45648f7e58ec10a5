// internal/infrastructure/api/exchanges/okx/ws/kline_stream.go
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"candle-pipeline/internal/infrastructure/api/exchanges/okx"
	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/logger"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultRetryDelay   = time.Second
	defaultMaxDelay     = 30 * time.Second
	subscribeBatch      = 20
)

// MinuteBarHandler получает финальные минутные бары
type MinuteBarHandler interface {
	OnMinuteBar(bar types.MinuteBar) error
}

// StreamConfig - настройки потока свечей
type StreamConfig struct {
	URL          string
	Symbols      []string
	PingInterval time.Duration
	RetryDelay   time.Duration
	MaxDelay     time.Duration
}

// KlineStream подписывается на candle1m OKX и отдает закрытые минуты обработчику
type KlineStream struct {
	config  StreamConfig
	handler MinuteBarHandler

	stopCh chan struct{}
	wg     sync.WaitGroup

	messages   atomic.Int64
	finalBars  atomic.Int64
	rejected   atomic.Int64
	reconnects atomic.Int64
}

// NewKlineStream создает поток свечей
func NewKlineStream(config StreamConfig, handler MinuteBarHandler) (*KlineStream, error) {
	if handler == nil {
		return nil, fmt.Errorf("KlineStream: обработчик не задан")
	}
	if config.URL == "" {
		config.URL = okx.DefaultWSURL
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaultPingInterval
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaultMaxDelay
	}
	return &KlineStream{config: config, handler: handler}, nil
}

// Start запускает горутину соединения с авто-переподключением
func (s *KlineStream) Start() error {
	if len(s.config.Symbols) == 0 {
		return fmt.Errorf("KlineStream: нет символов для подписки")
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.connectLoop()
	logger.Info("🌊 KlineStream: запущен, символов: %d", len(s.config.Symbols))
	return nil
}

// Stop останавливает поток и ждет завершения горутин
func (s *KlineStream) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.stopCh = nil
	logger.Info("🛑 KlineStream: остановлен")
}

// connectLoop - соединение с экспоненциальным backoff
func (s *KlineStream) connectLoop() {
	defer s.wg.Done()

	retryDelay := s.config.RetryDelay
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		connectedAt := time.Now()
		err := s.runConnection()

		select {
		case <-s.stopCh:
			return
		default:
		}

		// соединение продержалось дольше минуты - начинаем backoff заново
		if time.Since(connectedAt) > time.Minute {
			retryDelay = s.config.RetryDelay
		}
		s.reconnects.Add(1)
		logger.Warn("⚠️ KlineStream: соединение прервано: %v, повтор через %v", err, retryDelay)
		select {
		case <-time.After(retryDelay):
		case <-s.stopCh:
			return
		}
		retryDelay = minDuration(retryDelay*2, s.config.MaxDelay)
	}
}

// runConnection держит одно соединение: подписка, ping, чтение
func (s *KlineStream) runConnection() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("🔌 KlineStream: подключение к %s", s.config.URL)
	conn, _, err := websocket.Dial(ctx, s.config.URL, nil)
	if err != nil {
		return fmt.Errorf("ошибка подключения: %w", err)
	}
	defer conn.CloseNow()

	if err := s.subscribe(ctx, conn); err != nil {
		return fmt.Errorf("ошибка подписки: %w", err)
	}

	// OKX ждет текстовый "ping" и отвечает "pong"
	go func() {
		ticker := time.NewTicker(s.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			return fmt.Errorf("ошибка чтения: %w", err)
		}
		s.messages.Add(1)
		s.handleMessage(raw)
	}
}

func (s *KlineStream) subscribe(ctx context.Context, conn *websocket.Conn) error {
	symbols := s.config.Symbols
	for i := 0; i < len(symbols); i += subscribeBatch {
		end := i + subscribeBatch
		if end > len(symbols) {
			end = len(symbols)
		}
		msg := wsSubscribeMsg{Op: "subscribe"}
		for _, sym := range symbols[i:end] {
			msg.Args = append(msg.Args, wsArg{Channel: channelCandle1m, InstID: sym})
		}
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			return err
		}
	}
	logger.Info("📡 KlineStream: подписка на %s для %d символов", channelCandle1m, len(symbols))
	return nil
}

func (s *KlineStream) handleMessage(raw []byte) {
	bars, err := ParseMessage(raw, time.Now().UTC())
	if err != nil {
		logger.Warn("⚠️ KlineStream: %v", err)
		return
	}
	for _, bar := range bars {
		if !bar.IsFinal {
			continue
		}
		s.finalBars.Add(1)
		if err := s.handler.OnMinuteBar(bar); err != nil {
			s.rejected.Add(1)
			logger.Warn("⚠️ KlineStream: бар %s %s отклонен: %v",
				bar.Symbol, bar.OpenTime.Format("15:04"), err)
		}
	}
}

// ParseMessage разбирает сообщение потока. Служебные сообщения дают пустой результат.
func ParseMessage(raw []byte, received time.Time) ([]types.MinuteBar, error) {
	if string(raw) == "pong" {
		return nil, nil
	}

	var push wsPush
	if err := json.Unmarshal(raw, &push); err != nil {
		return nil, fmt.Errorf("%w: %v", okx.ErrMalformedResponse, err)
	}

	switch push.Event {
	case "":
	case "error":
		return nil, &okx.APIError{Code: push.Code, Msg: push.Msg}
	default:
		logger.Debug("✅ KlineStream: событие %s %s %s", push.Event, push.Arg.Channel, push.Arg.InstID)
		return nil, nil
	}

	if push.Arg.Channel != channelCandle1m || push.Arg.InstID == "" {
		return nil, nil
	}

	bars := make([]types.MinuteBar, 0, len(push.Data))
	for _, item := range push.Data {
		c, err := okx.ParseCandle(item)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", push.Arg.InstID, err)
		}
		bars = append(bars, types.MinuteBar{
			Symbol:    push.Arg.InstID,
			Exchange:  "okx",
			OpenTime:  c.OpenTime,
			CloseTime: c.OpenTime.Add(time.Minute),
			Period:    "1m",
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
			IsFinal:   c.Confirmed,
			EventTime: received,
		})
	}
	return bars, nil
}

// GetStats возвращает счетчики потока
func (s *KlineStream) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"messages":   s.messages.Load(),
		"final_bars": s.finalBars.Load(),
		"rejected":   s.rejected.Load(),
		"reconnects": s.reconnects.Load(),
		"symbols":    len(s.config.Symbols),
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
