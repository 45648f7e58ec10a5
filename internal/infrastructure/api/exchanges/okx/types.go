// internal/infrastructure/api/exchanges/okx/types.go
package okx

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================
// КОНСТАНТЫ OKX
// ============================================

const (
	DefaultBaseURL = "https://www.okx.com"
	DefaultWSURL   = "wss://ws.okx.com:8443/ws/v5/business"

	PathCandles        = "/api/v5/market/candles"
	PathHistoryCandles = "/api/v5/market/history-candles"

	// MaxLimit - предел записей на страницу для обоих эндпоинтов
	MaxLimit = 300
)

// ErrMalformedResponse - ответ не разобран: неверный JSON или форма кортежа
var ErrMalformedResponse = errors.New("malformed venue response")

// APIError - ненулевой code в конверте ответа
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx api error %s: %s", e.Code, e.Msg)
}

// Temporary - 50011 (слишком частые запросы) и 50001/50004 (сервис недоступен, таймаут) имеет смысл повторить
func (e *APIError) Temporary() bool {
	switch e.Code {
	case "50001", "50004", "50011", "50013":
		return true
	}
	return false
}

// StatusError - HTTP статус, отличный от 200
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("okx http status %d: %s", e.StatusCode, e.Body)
}

// Temporary - 429 и 5xx считаются временными
func (e *StatusError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// CandleRequest - параметры запроса свечей
type CandleRequest struct {
	InstID string
	Bar    string
	After  int64 // записи строго раньше этого ts, мс
	Before int64 // записи строго позже этого ts, мс
	Limit  int
}

// Candle - свеча OKX. OpenTime - время открытия.
type Candle struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Confirmed bool
}

// response - конверт ответа REST
type response struct {
	Code string            `json:"code"`
	Msg  string            `json:"msg"`
	Data []json.RawMessage `json:"data"`
}
