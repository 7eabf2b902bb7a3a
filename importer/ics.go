/*
Package importer loads external data into the engine.

PURPOSE:
  - ics.go:   public-holiday calendars (ICS feeds) -> catalog manifests
  - sales.go: historical sales exports (XLS/XLSX) -> daily sales facts

ICS IMPORT:
  Holidays are all-day VEVENTs; recurring ones carry an RRULE. Every
  instance inside the requested years becomes one occurrence of an event
  named after the SUMMARY. The result is a refdate.Manifest, so importing
  goes through Catalog.Reconcile and re-importing the same feed is a no-op.

  f, _ := os.Open("feriados-gt.ics")
  hols, err := importer.ParseHolidayCalendar(f, 2025, 2026)
  m := importer.HolidayManifest(hols, importer.HolidayOptions{Years: []int{2025, 2026}, UseInBudget: true})
  report, err := catalog.Reconcile(ctx, m, refdate.ReconcileOptions{Actor: "ics-import"})
*/
package importer

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/kpiportal/refdate-engine/refdate"
	"github.com/teambition/rrule-go"
)

// Holiday is one dated instance of a calendar VEVENT.
type Holiday struct {
	UID       string
	Summary   string
	Date      refdate.Date
	Recurring bool
}

// ParseHolidayCalendar reads an ICS payload and returns every holiday
// instance falling in [fromYear, toYear]. Malformed VEVENTs are logged and
// skipped.
func ParseHolidayCalendar(r io.Reader, fromYear, toYear int) ([]Holiday, error) {
	if toYear < fromYear {
		return nil, fmt.Errorf("invalid year range %d..%d", fromYear, toYear)
	}
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	rng := refdate.Period{Start: refdate.StartOfYear(fromYear), End: refdate.EndOfYear(toYear)}
	var out []Holiday
	for _, ve := range cal.Events() {
		hols, err := expandVEvent(ve, rng)
		if err != nil {
			log.Printf("[Import] skipping VEVENT: %v", err)
			continue
		}
		out = append(out, hols...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Summary < out[j].Summary
	})
	log.Printf("[Import] calendar parsed: %d holiday instances in %s", len(out), rng)
	return out, nil
}

func expandVEvent(ve *ical.VEvent, rng refdate.Period) ([]Holiday, error) {
	var uid, summary string
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		uid = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		summary = strings.TrimSpace(p.Value)
	}
	if summary == "" {
		return nil, fmt.Errorf("uid %q: missing SUMMARY", uid)
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return nil, fmt.Errorf("%q: missing DTSTART", summary)
	}
	start, err := parseICSDate(startProp.Value)
	if err != nil {
		return nil, fmt.Errorf("%q: DTSTART: %w", summary, err)
	}

	rruleProp := ve.GetProperty(ical.ComponentPropertyRrule)
	if rruleProp == nil || rruleProp.Value == "" {
		if !rng.Contains(start) {
			return nil, nil
		}
		return []Holiday{{UID: uid, Summary: summary, Date: start}}, nil
	}

	rule, err := rrule.StrToRRule(rruleProp.Value)
	if err != nil {
		return nil, fmt.Errorf("%q: RRULE: %w", summary, err)
	}
	rule.DTStart(start.Time())

	var set rrule.Set
	set.RRule(rule)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if ex, err := parseICSDate(part); err == nil {
				set.ExDate(ex.Time())
			}
		}
	}

	var out []Holiday
	for _, t := range set.Between(rng.Start.Time(), rng.End.Time(), true) {
		out = append(out, Holiday{UID: uid, Summary: summary, Date: refdate.DateOf(t), Recurring: true})
	}
	return out, nil
}

// parseICSDate accepts DATE (20250815) and DATE-TIME (20250815T000000[Z])
// values and keeps the calendar day.
func parseICSDate(v string) (refdate.Date, error) {
	v = strings.TrimSpace(v)
	if len(v) < 8 {
		return refdate.Date{}, errors.New("empty or short date value")
	}
	t, err := time.Parse("20060102", v[:8])
	if err != nil {
		return refdate.Date{}, err
	}
	return refdate.DateOf(t), nil
}

// HolidayOptions controls how holidays become catalog events.
type HolidayOptions struct {
	Years       []int  // event family written by Reconcile
	UseInBudget bool   // flag for newly described events
	EventName   string // when set, only holidays whose summary matches are kept
	Channel     refdate.Channel
	Group       refdate.GroupID
}

// HolidayManifest groups holidays by folded summary into one EventSpec each.
func HolidayManifest(holidays []Holiday, opts HolidayOptions) refdate.Manifest {
	filter := refdate.FoldEventName(opts.EventName)
	scope := refdate.Scope{Channel: opts.Channel, Group: opts.Group}

	var (
		order []string
		specs = make(map[string]*refdate.EventSpec)
		seen  = make(map[string]map[refdate.Date]bool)
	)
	for _, h := range holidays {
		key := refdate.FoldEventName(h.Summary)
		if filter != "" && key != filter {
			continue
		}
		spec, ok := specs[key]
		if !ok {
			name := h.Summary
			if opts.EventName != "" {
				name = opts.EventName
			}
			spec = &refdate.EventSpec{
				Name:        name,
				IsHoliday:   true,
				UseInBudget: opts.UseInBudget,
				Years:       opts.Years,
			}
			specs[key] = spec
			seen[key] = make(map[refdate.Date]bool)
			order = append(order, key)
		}
		if seen[key][h.Date] {
			continue
		}
		if len(opts.Years) > 0 && !containsYear(opts.Years, h.Date.Year()) {
			continue
		}
		seen[key][h.Date] = true
		spec.Occurrences = append(spec.Occurrences, refdate.OccurrenceSpec{EffectiveDate: h.Date, Scope: scope})
	}

	var m refdate.Manifest
	for _, key := range order {
		m.Events = append(m.Events, *specs[key])
	}
	return m
}

func containsYear(years []int, y int) bool {
	for _, v := range years {
		if v == y {
			return true
		}
	}
	return false
}
