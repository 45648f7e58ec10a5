// internal/core/domain/candle/window.go
package candle

import (
	"time"

	"candle-pipeline/pkg/period"
)

// Align округляет момент вниз до границы периода от Unix-эпохи (UTC)
func Align(t time.Time, p period.Period) time.Time {
	d := p.Millis()
	ms := t.UnixMilli()
	rem := ms % d
	if rem < 0 {
		rem += d
	}
	return time.UnixMilli(ms - rem).UTC()
}

// WindowStart - начало окна периода, содержащего t
func WindowStart(t time.Time, p period.Period) time.Time {
	return Align(t, p)
}

// WindowEnd - конец окна (не включительно)
func WindowEnd(t time.Time, p period.Period) time.Time {
	return Align(t, p).Add(p.Duration())
}

// IsAligned проверяет, лежит ли t на сетке периода
func IsAligned(t time.Time, p period.Period) bool {
	return Align(t, p).Equal(t)
}

// Grid - ленивая последовательность выровненных меток в [start, end)
type Grid struct {
	first time.Time
	end   time.Time
	step  time.Duration
	next  time.Time
}

// ExpectedTimestamps строит сетку ожидаемых barTime для [start, end)
func ExpectedTimestamps(start, end time.Time, p period.Period) *Grid {
	first := Align(start, p)
	if first.Before(start) {
		first = first.Add(p.Duration())
	}
	return &Grid{
		first: first,
		end:   end.UTC(),
		step:  p.Duration(),
		next:  first,
	}
}

// Next возвращает следующую метку
func (g *Grid) Next() (time.Time, bool) {
	if !g.next.Before(g.end) {
		return time.Time{}, false
	}
	t := g.next
	g.next = g.next.Add(g.step)
	return t, true
}

// Reset перематывает сетку в начало
func (g *Grid) Reset() {
	g.next = g.first
}

// Len - число меток в сетке
func (g *Grid) Len() int {
	if !g.first.Before(g.end) {
		return 0
	}
	return int((g.end.Sub(g.first)-1)/g.step) + 1
}

// All собирает все метки, не сдвигая курсор
func (g *Grid) All() []time.Time {
	result := make([]time.Time, 0, g.Len())
	for t := g.first; t.Before(g.end); t = t.Add(g.step) {
		result = append(result, t)
	}
	return result
}
