// internal/infrastructure/api/exchanges/okx/candles.go
package okx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ParseCandle разбирает кортеж [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]
func ParseCandle(raw json.RawMessage) (Candle, error) {
	var fields []string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Candle{}, fmt.Errorf("%w: candle tuple: %v", ErrMalformedResponse, err)
	}
	if len(fields) < 6 {
		return Candle{}, fmt.Errorf("%w: candle tuple has %d fields", ErrMalformedResponse, len(fields))
	}

	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("%w: ts %q", ErrMalformedResponse, fields[0])
	}

	var values [5]decimal.Decimal
	for i := range values {
		d, err := decimal.NewFromString(fields[i+1])
		if err != nil {
			return Candle{}, fmt.Errorf("%w: field %d %q", ErrMalformedResponse, i+1, fields[i+1])
		}
		values[i] = d
	}

	c := Candle{
		OpenTime:  time.UnixMilli(ts).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		Confirmed: true,
	}
	if len(fields) >= 9 {
		c.Confirmed = fields[8] == "1"
	}
	return c, nil
}

// parseCandles разбирает data[] и возвращает свечи по возрастанию времени
func parseCandles(data []json.RawMessage) ([]Candle, error) {
	result := make([]Candle, 0, len(data))
	for _, raw := range data {
		c, err := ParseCandle(raw)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenTime.Before(result[j].OpenTime) })
	return result, nil
}
