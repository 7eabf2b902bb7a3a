package refdate

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Civil calendar day (no time-of-day, no zone)
// =============================================================================

// Date is a calendar day. The zero value is "no date".
// Dates are comparable and safe to use as map keys.
type Date struct {
	year  int
	month time.Month
	day   int
}

const dateLayout = "2006-01-02"

// NewDate builds a Date, normalizing out-of-range values the way time.Date does.
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf truncates t to its calendar day in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{year: y, month: m, day: d}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return DateOf(t), nil
}

// MustParseDate is ParseDate for literals in tests and fixtures.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Accessors
func (d Date) Year() int { return d.year }
func (d Date) Month() time.Month { return d.month }
func (d Date) Day() int { return d.day }
func (d Date) IsZero() bool { return d == Date{} }
func (d Date) Time() time.Time { return time.Date(d.year, d.month, d.day, 0, 0, 0, 0, time.UTC) }
func (d Date) Weekday() time.Weekday { return d.Time().Weekday() }
func (d Date) YearDay() int { return d.Time().YearDay() }
func (d Date) AddDays(n int) Date { return DateOf(d.Time().AddDate(0, 0, n)) }
func (d Date) Before(other Date) bool { return d.Time().Before(other.Time()) }
func (d Date) After(other Date) bool { return d.Time().After(other.Time()) }

// ISOWeekday returns 1 (Monday) .. 7 (Sunday).
func (d Date) ISOWeekday() int {
	wd := int(d.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.year, d.month, d.day)
}

// MarshalText encodes the date as YYYY-MM-DD (JSON, YAML).
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText accepts YYYY-MM-DD; an empty string yields the zero Date.
func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ShiftYears moves the date by n calendar years keeping month and day.
// February 29 clamps to February 28 when the destination year is not leap.
func (d Date) ShiftYears(n int) Date {
	y := d.year + n
	if d.month == time.February && d.day == 29 && !IsLeapYear(y) {
		return Date{year: y, month: time.February, day: 28}
	}
	return Date{year: y, month: d.month, day: d.day}
}

// =============================================================================
// CALENDAR UTILITIES
// =============================================================================

func IsLeapYear(y int) bool { return y%4 == 0 && (y%100 != 0 || y%400 == 0) }
func StartOfYear(year int) Date { return NewDate(year, time.January, 1) }
func EndOfYear(year int) Date { return NewDate(year, time.December, 31) }
func DaysBetween(from, to Date) int { return int(to.Time().Sub(from.Time()).Hours() / 24) }
func StartOfMonth(year int, month time.Month) Date { return NewDate(year, month, 1) }
func EndOfMonth(year int, month time.Month) Date { return NewDate(year, month+1, 1).AddDays(-1) }

// DaysOfYear lists every day of the year in order.
func DaysOfYear(year int) []Date {
	return Period{Start: StartOfYear(year), End: EndOfYear(year)}.Days()
}

// WeekdayAligned returns the day of baseYear that falls on the same weekday as
// target and whose day-of-year is closest to target's. Ties go to the earlier day.
func WeekdayAligned(target Date, baseYear int) Date {
	doy := target.YearDay()
	anchor := StartOfYear(baseYear).AddDays(doy - 1)
	wd := target.Weekday()

	var best Date
	bestDist := -1
	for off := -7; off <= 7; off++ {
		c := anchor.AddDays(off)
		if c.Year() != baseYear || c.Weekday() != wd {
			continue
		}
		dist := c.YearDay() - doy
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = c, dist
		}
	}
	return best
}
