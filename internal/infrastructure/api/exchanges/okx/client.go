// internal/infrastructure/api/exchanges/okx/client.go
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"candle-pipeline/pkg/logger"
)

// ClientConfig - настройки REST клиента
type ClientConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MinInterval time.Duration // минимальный интервал между запросами
	HTTPClient  *http.Client
}

// Client - публичный REST клиент OKX
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rateLimiter
}

// NewClient создает клиент OKX
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 100 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		limiter:    newRateLimiter(cfg.MinInterval),
	}
}

// ============================================
// ВСПОМОГАТЕЛЬНЫЕ МЕТОДЫ
// ============================================

// rateLimiter выдерживает минимальный интервал между запросами
type rateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{interval: interval}
}

func (l *rateLimiter) wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	slot := l.next
	if slot.Before(now) {
		slot = now
	}
	l.next = slot.Add(l.interval)
	l.mu.Unlock()

	delay := time.Until(slot)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendPublicRequest отправляет публичный GET и возвращает data[] из конверта
func (c *Client) sendPublicRequest(ctx context.Context, endpoint string, params url.Values) ([]json.RawMessage, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return nil, err
	}

	apiURL := c.baseURL + endpoint
	if len(params) > 0 {
		apiURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "CandlePipeline/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	var envelope response
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if envelope.Code != "0" {
		return nil, &APIError{Code: envelope.Code, Msg: envelope.Msg}
	}
	return envelope.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (r CandleRequest) params() url.Values {
	params := url.Values{}
	params.Set("instId", r.InstID)
	if r.Bar != "" {
		params.Set("bar", r.Bar)
	}
	if r.After > 0 {
		params.Set("after", strconv.FormatInt(r.After, 10))
	}
	if r.Before > 0 {
		params.Set("before", strconv.FormatInt(r.Before, 10))
	}
	limit := r.Limit
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}
	params.Set("limit", strconv.Itoa(limit))
	return params
}

// ============================================
// ОСНОВНЫЕ API МЕТОДЫ
// ============================================

// Candles - недавние свечи (/api/v5/market/candles)
func (c *Client) Candles(ctx context.Context, req CandleRequest) ([]Candle, error) {
	return c.candles(ctx, PathCandles, req)
}

// HistoryCandles - исторические свечи (/api/v5/market/history-candles)
func (c *Client) HistoryCandles(ctx context.Context, req CandleRequest) ([]Candle, error) {
	return c.candles(ctx, PathHistoryCandles, req)
}

func (c *Client) candles(ctx context.Context, endpoint string, req CandleRequest) ([]Candle, error) {
	if req.InstID == "" {
		return nil, fmt.Errorf("okx: instId is required")
	}
	data, err := c.sendPublicRequest(ctx, endpoint, req.params())
	if err != nil {
		return nil, fmt.Errorf("okx %s %s: %w", endpoint, req.InstID, err)
	}
	candles, err := parseCandles(data)
	if err != nil {
		return nil, fmt.Errorf("okx %s %s: %w", endpoint, req.InstID, err)
	}
	logger.Debug("📥 OKX %s %s: %d свечей (after=%d)", endpoint, req.InstID, len(candles), req.After)
	return candles, nil
}
