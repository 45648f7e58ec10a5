package period

import "time"

// Period - код периода бара ("1m", "5m", ...)
type Period string

// Поддерживаемые периоды
const (
	M1  Period = "1m"
	M5  Period = "5m"
	M15 Period = "15m"
	M30 Period = "30m"
	H1  Period = "1h"
	H4  Period = "4h"
)

// Unit - базовая единица периода
type Unit string

const (
	UnitMinute Unit = "minute"
	UnitHour   Unit = "hour"
)

// Spec - строка таблицы периодов
type Spec struct {
	Code       Period
	Unit       Unit
	Multiplier int
	Duration   time.Duration
	OKXBar     string
}

// table - закрытый набор периодов, в порядке возрастания
var table = []Spec{
	{Code: M1, Unit: UnitMinute, Multiplier: 1, Duration: time.Minute, OKXBar: "1m"},
	{Code: M5, Unit: UnitMinute, Multiplier: 5, Duration: 5 * time.Minute, OKXBar: "5m"},
	{Code: M15, Unit: UnitMinute, Multiplier: 15, Duration: 15 * time.Minute, OKXBar: "15m"},
	{Code: M30, Unit: UnitMinute, Multiplier: 30, Duration: 30 * time.Minute, OKXBar: "30m"},
	{Code: H1, Unit: UnitHour, Multiplier: 1, Duration: time.Hour, OKXBar: "1H"},
	{Code: H4, Unit: UnitHour, Multiplier: 4, Duration: 4 * time.Hour, OKXBar: "4H"},
}

// aliases - альтернативные записи кодов
var aliases = map[string]Period{
	"60m":  H1,
	"240m": H4,
	"1H":   H1,
	"4H":   H4,
}
