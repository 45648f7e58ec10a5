// internal/core/domain/backfill/errors.go
package backfill

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"candle-pipeline/internal/infrastructure/api/exchanges/okx"
)

// ErrMalformedResponse - ответ биржи не разобран, повтор бессмысленен
var ErrMalformedResponse = okx.ErrMalformedResponse

// IsTransient сообщает, имеет ли смысл повторить запрос
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *okx.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	var apiErr *okx.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
