// pkg/period/period.go
package period

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownPeriod - запрошен период вне таблицы
var ErrUnknownPeriod = errors.New("unknown period")

var byCode = func() map[Period]Spec {
	m := make(map[Period]Spec, len(table))
	for _, s := range table {
		m[s.Code] = s
	}
	return m
}()

// Parse конвертирует строковый код в Period
func Parse(code string) (Period, error) {
	trimmed := strings.TrimSpace(code)
	if p, ok := aliases[trimmed]; ok {
		return p, nil
	}
	p := Period(strings.ToLower(trimmed))
	if _, ok := byCode[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPeriod, code)
	}
	return p, nil
}

// MustParse как Parse, но паникует на неизвестном коде
func MustParse(code string) Period {
	p, err := Parse(code)
	if err != nil {
		panic(err)
	}
	return p
}

// ParseList разбирает список кодов, сохраняя порядок и убирая повторы
func ParseList(codes []string) ([]Period, error) {
	seen := make(map[Period]bool, len(codes))
	result := make([]Period, 0, len(codes))
	for _, c := range codes {
		p, err := Parse(c)
		if err != nil {
			return nil, err
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		result = append(result, p)
	}
	return result, nil
}

// All возвращает все периоды в порядке возрастания
func All() []Period {
	result := make([]Period, len(table))
	for i, s := range table {
		result[i] = s.Code
	}
	return result
}

// Aggregated возвращает периоды, которые строятся из минутных баров
func Aggregated() []Period {
	return All()[1:]
}

// Lookup возвращает строку таблицы
func Lookup(p Period) (Spec, error) {
	s, ok := byCode[p]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownPeriod, string(p))
	}
	return s, nil
}

func (p Period) spec() Spec {
	s, ok := byCode[p]
	if !ok {
		panic(fmt.Errorf("%w: %q", ErrUnknownPeriod, string(p)))
	}
	return s
}

// Valid сообщает, есть ли период в таблице
func (p Period) Valid() bool {
	_, ok := byCode[p]
	return ok
}

func (p Period) String() string {
	return string(p)
}

func (p Period) Duration() time.Duration {
	return p.spec().Duration
}

func (p Period) Millis() int64 {
	return p.spec().Duration.Milliseconds()
}

func (p Period) Minutes() int {
	return int(p.spec().Duration / time.Minute)
}

// OKXBar - код интервала в API OKX
func (p Period) OKXBar() string {
	return p.spec().OKXBar
}
