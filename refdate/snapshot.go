package refdate

import "sort"

// =============================================================================
// SNAPSHOT - Immutable, indexed view of the catalog for one resolution run
// =============================================================================

// Snapshot is a read-only catalog view. Build it once per call or batch and
// share it freely between goroutines.
type Snapshot struct {
	Range  Period
	events map[EventID]Event
	byDate map[Date][]Occurrence
	byYear map[eventYear][]Occurrence
}

type eventYear struct {
	event EventID
	year  int
}

// NewSnapshot indexes the given events and occurrences. Occurrences outside
// the range are ignored.
func NewSnapshot(rng Period, events []Event, occurrences []Occurrence) *Snapshot {
	s := &Snapshot{
		Range:  rng,
		events: make(map[EventID]Event, len(events)),
		byDate: make(map[Date][]Occurrence),
		byYear: make(map[eventYear][]Occurrence),
	}
	for _, e := range events {
		s.events[e.ID] = e
	}

	sorted := append([]Occurrence(nil), occurrences...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, o := range sorted {
		if !rng.Contains(o.EffectiveDate) {
			continue
		}
		s.byDate[o.EffectiveDate] = append(s.byDate[o.EffectiveDate], o)
		k := eventYear{event: o.EventID, year: o.EffectiveDate.Year()}
		s.byYear[k] = append(s.byYear[k], o)
	}
	return s
}

// Event returns the event with the given ID.
func (s *Snapshot) Event(id EventID) (Event, bool) {
	e, ok := s.events[id]
	return e, ok
}

// On returns the occurrences effective on d, ordered by ID.
func (s *Snapshot) On(d Date) []Occurrence { return s.byDate[d] }

// InYear returns an event's occurrences effective in the given year.
func (s *Snapshot) InYear(id EventID, year int) []Occurrence {
	return s.byYear[eventYear{event: id, year: year}]
}

// Dates returns every date with at least one occurrence, ascending.
func (s *Snapshot) Dates() []Date {
	out := make([]Date, 0, len(s.byDate))
	for d := range s.byDate {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// budgetOn returns the occurrences on d whose event takes part in budgeting.
func (s *Snapshot) budgetOn(d Date) []Occurrence {
	var out []Occurrence
	for _, o := range s.byDate[d] {
		if e, ok := s.events[o.EventID]; ok && e.UseInBudget {
			out = append(out, o)
		}
	}
	return out
}
