package refdate

import "fmt"

// =============================================================================
// PERIOD - The window a daily weight is a fraction of
// =============================================================================

// Period is an inclusive range of days [Start, End].
//
// Examples:
//   - Month:  2025-08-01 .. 2025-08-31
//   - Week:   2025-08-11 (Mon) .. 2025-08-17 (Sun)
//   - Year:   2025-01-01 .. 2025-12-31
type Period struct {
	Start Date
	End   Date
}

// Contains returns true if the day is within [Start, End].
func (p Period) Contains(d Date) bool {
	return !d.Before(p.Start) && !d.After(p.End)
}

// Days returns all days in the period.
func (p Period) Days() []Date {
	var days []Date
	for current := p.Start; !current.After(p.End); current = current.AddDays(1) {
		days = append(days, current)
	}
	return days
}

// Len is the number of days in the period.
func (p Period) Len() int { return DaysBetween(p.Start, p.End) + 1 }

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// PeriodType defines how the enclosing period of a day is calculated.
type PeriodType string

const (
	PeriodMonth PeriodType = "month"    // calendar month
	PeriodWeek  PeriodType = "iso_week" // Monday..Sunday
	PeriodYear  PeriodType = "year"     // Jan 1 .. Dec 31
)

// ParsePeriodType accepts the config spelling of a period type.
func ParsePeriodType(s string) (PeriodType, error) {
	switch PeriodType(s) {
	case PeriodMonth, PeriodWeek, PeriodYear:
		return PeriodType(s), nil
	case "":
		return PeriodMonth, nil
	}
	return "", fmt.Errorf("unknown period type %q", s)
}

// PeriodConfig picks the enclosing period for weight derivation.
type PeriodConfig struct {
	Type PeriodType
}

// PeriodFor returns the period that contains the given day.
func (pc PeriodConfig) PeriodFor(d Date) Period {
	switch pc.Type {
	case PeriodWeek:
		start := d.AddDays(1 - d.ISOWeekday())
		return Period{Start: start, End: start.AddDays(6)}

	case PeriodYear:
		return Period{Start: StartOfYear(d.Year()), End: EndOfYear(d.Year())}

	default:
		return Period{Start: StartOfMonth(d.Year(), d.Month()), End: EndOfMonth(d.Year(), d.Month())}
	}
}
