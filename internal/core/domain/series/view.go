// internal/core/domain/series/view.go
package series

import (
	"sort"
	"time"

	"candle-pipeline/internal/types"
	"candle-pipeline/pkg/period"
)

// View - неизменяемый снимок серии баров
type View struct {
	symbol string
	period period.Period
	bars   []types.Bar
}

func (v View) Symbol() string        { return v.symbol }
func (v View) Period() period.Period { return v.period }
func (v View) Size() int             { return len(v.bars) }

// Bars возвращает копию баров по возрастанию barTime
func (v View) Bars() []types.Bar {
	result := make([]types.Bar, len(v.bars))
	copy(result, v.bars)
	return result
}

// At возвращает бар по индексу (0 - самый старый)
func (v View) At(i int) (types.Bar, bool) {
	if i < 0 || i >= len(v.bars) {
		return types.Bar{}, false
	}
	return v.bars[i], true
}

// Latest возвращает последний закрытый бар
func (v View) Latest() (types.Bar, bool) {
	if len(v.bars) == 0 {
		return types.Bar{}, false
	}
	return v.bars[len(v.bars)-1], true
}

// Before возвращает бары со временем строго меньше t
func (v View) Before(t time.Time) []types.Bar {
	n := sort.Search(len(v.bars), func(i int) bool {
		return !v.bars[i].BarTime.Before(t)
	})
	result := make([]types.Bar, n)
	copy(result, v.bars[:n])
	return result
}
