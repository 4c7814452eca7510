package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - Calendar month, the unit of a recurring period
// =============================================================================

// Month identifies a calendar month. The zero value is invalid.
type Month struct {
	Year  int
	Month time.Month
}

func NewMonth(year int, month time.Month) Month {
	// Normalize overflowing months (e.g. month 13) through time.Date.
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Month{Year: t.Year(), Month: t.Month()}
}

func MonthOf(t time.Time) Month { return Month{Year: t.Year(), Month: t.Month()} }

// ParseMonth parses "YYYY-MM".
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q (use YYYY-MM): %w", s, err)
	}
	return MonthOf(t), nil
}

func (m Month) Next() Month                 { return NewMonth(m.Year, m.Month+1) }
func (m Month) Prev() Month                 { return NewMonth(m.Year, m.Month-1) }
func (m Month) AddMonths(n int) Month       { return NewMonth(m.Year, m.Month+time.Month(n)) }
func (m Month) IsZero() bool                { return m.Year == 0 && m.Month == 0 }
func (m Month) Before(other Month) bool     { return m.index() < other.index() }
func (m Month) After(other Month) bool      { return m.index() > other.index() }
func (m Month) Equal(other Month) bool      { return m.index() == other.index() }
func (m Month) String() string              { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }
func (m Month) index() int                  { return m.Year*12 + int(m.Month) - 1 }
func (m Month) Days() int                   { return DaysIn(m.Year, m.Month) }
func (m Month) Start(loc *time.Location) time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, loc)
}

// =============================================================================
// TIME OF DAY - Local wall-clock time used for execution
// =============================================================================

type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (use HH:MM): %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// On returns the instant at this time of day on the given date.
func (t TimeOfDay) On(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, t.Hour, t.Minute, 0, 0, loc)
}

// =============================================================================
// CALENDAR UTILITIES
// =============================================================================

// DaysIn returns the number of days in the month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ClampDay bounds day to [1, DaysIn(year, month)].
func ClampDay(year int, month time.Month, day int) int {
	if day < 1 {
		return 1
	}
	if last := DaysIn(year, month); day > last {
		return last
	}
	return day
}
