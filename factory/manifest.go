/*
Package factory provides YAML/JSON to Go catalog manifest conversion.

PURPOSE:
  Converts declarative catalog manifests into refdate.Manifest values for
  Catalog.Reconcile. Corrections become data (a reviewed manifest file)
  instead of one-off repair code.

YAML SCHEMA:
  events:
    - name: "Asunción"
      is_holiday: true
      use_in_budget: true
      sort_order: 4          # optional
      years: [2025, 2026]    # optional, defaults to the years listed below
      occurrences:
        - effective_date: "2025-08-15"
        - effective_date: "2026-08-14"
          nominal_date: "2026-08-15"
          channel: "Salón"   # optional; accents and case are ignored
          store_group: 12    # optional; must be a published group

    - name: "Día de la Madre"
      use_in_budget: true
      years: [2025, 2026]
      occurrences:
        - rrule: "FREQ=YEARLY;BYMONTH=5;BYMONTHDAY=10"
          dtstart: "2025-05-10"

  JSON uses the same field names.

RRULE OCCURRENCES:
  An occurrence with an rrule expands to one occurrence per instance inside
  the event's years. A rule without COUNT or UNTIL needs explicit years.

USAGE:
  m, err := factory.LoadManifest("catalog/2026.yaml")
  report, err := catalog.Reconcile(ctx, m, refdate.ReconcileOptions{Actor: "ops"})

SEE ALSO:
  - refdate/reconcile.go: what Reconcile does with a manifest
*/
package factory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kpiportal/refdate-engine/refdate"
	"github.com/teambition/rrule-go"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// ManifestFile is the on-disk representation of a manifest.
type ManifestFile struct {
	Events []EventEntry `yaml:"events" json:"events"`
}

// EventEntry is one event of a manifest file.
type EventEntry struct {
	Name        string            `yaml:"name" json:"name"`
	IsHoliday   bool              `yaml:"is_holiday" json:"is_holiday"`
	UseInBudget bool              `yaml:"use_in_budget" json:"use_in_budget"`
	IsInternal  bool              `yaml:"is_internal" json:"is_internal"`
	SortOrder   int               `yaml:"sort_order,omitempty" json:"sort_order,omitempty"`
	Years       []int             `yaml:"years,omitempty" json:"years,omitempty"`
	Occurrences []OccurrenceEntry `yaml:"occurrences" json:"occurrences"`
}

// OccurrenceEntry is either a single dated occurrence or an rrule.
type OccurrenceEntry struct {
	EffectiveDate string `yaml:"effective_date,omitempty" json:"effective_date,omitempty"`
	NominalDate   string `yaml:"nominal_date,omitempty" json:"nominal_date,omitempty"`
	Channel       string `yaml:"channel,omitempty" json:"channel,omitempty"`
	StoreGroup    int64  `yaml:"store_group,omitempty" json:"store_group,omitempty"`
	RRule         string `yaml:"rrule,omitempty" json:"rrule,omitempty"`
	DTStart       string `yaml:"dtstart,omitempty" json:"dtstart,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// LoadManifest reads a manifest file; ".json" files are parsed as JSON,
// everything else as YAML.
func LoadManifest(path string) (refdate.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return refdate.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return ParseManifest(data, format)
}

// ParseManifest converts raw YAML or JSON into a validated manifest.
// An empty format sniffs the payload: a leading '{' means JSON.
func ParseManifest(data []byte, format string) (refdate.Manifest, error) {
	if format == "" {
		format = "yaml"
		if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
			format = "json"
		}
	}

	var file ManifestFile
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return refdate.Manifest{}, fmt.Errorf("%w: %v", refdate.ErrInvalidManifest, err)
		}
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
			return refdate.Manifest{}, fmt.Errorf("%w: %v", refdate.ErrInvalidManifest, err)
		}
	default:
		return refdate.Manifest{}, fmt.Errorf("unknown manifest format %q", format)
	}

	return file.ToManifest()
}

// ToManifest converts and validates the file representation.
func (f ManifestFile) ToManifest() (refdate.Manifest, error) {
	var m refdate.Manifest
	for i, e := range f.Events {
		spec, err := e.toSpec()
		if err != nil {
			return refdate.Manifest{}, fmt.Errorf("%w: event #%d (%s): %v", refdate.ErrInvalidManifest, i+1, e.Name, err)
		}
		m.Events = append(m.Events, spec)
	}
	if err := m.Validate(); err != nil {
		return refdate.Manifest{}, err
	}
	return m, nil
}

func (e EventEntry) toSpec() (refdate.EventSpec, error) {
	spec := refdate.EventSpec{
		Name:        strings.TrimSpace(e.Name),
		IsHoliday:   e.IsHoliday,
		UseInBudget: e.UseInBudget,
		IsInternal:  e.IsInternal,
		SortOrder:   e.SortOrder,
		Years:       e.Years,
	}
	for _, o := range e.Occurrences {
		occs, err := o.expand(e.Years)
		if err != nil {
			return refdate.EventSpec{}, err
		}
		spec.Occurrences = append(spec.Occurrences, occs...)
	}
	sort.SliceStable(spec.Occurrences, func(i, j int) bool {
		return spec.Occurrences[i].EffectiveDate.Before(spec.Occurrences[j].EffectiveDate)
	})
	return spec, nil
}

func (o OccurrenceEntry) expand(years []int) ([]refdate.OccurrenceSpec, error) {
	ch, err := refdate.ParseChannel(o.Channel)
	if err != nil {
		return nil, err
	}
	scope := refdate.Scope{Channel: ch, Group: refdate.GroupID(o.StoreGroup)}

	if o.RRule == "" {
		if o.DTStart != "" {
			return nil, errors.New("dtstart given without rrule")
		}
		eff, err := refdate.ParseDate(o.EffectiveDate)
		if err != nil {
			return nil, fmt.Errorf("effective_date: %w", err)
		}
		spec := refdate.OccurrenceSpec{EffectiveDate: eff, Scope: scope}
		if o.NominalDate != "" {
			nom, err := refdate.ParseDate(o.NominalDate)
			if err != nil {
				return nil, fmt.Errorf("nominal_date: %w", err)
			}
			spec.NominalDate = &nom
		}
		return []refdate.OccurrenceSpec{spec}, nil
	}

	if o.EffectiveDate != "" || o.NominalDate != "" {
		return nil, errors.New("rrule occurrences take dtstart, not effective_date/nominal_date")
	}
	dates, err := ExpandRRule(o.RRule, o.DTStart, years)
	if err != nil {
		return nil, err
	}
	out := make([]refdate.OccurrenceSpec, len(dates))
	for i, d := range dates {
		out[i] = refdate.OccurrenceSpec{EffectiveDate: d, Scope: scope}
	}
	return out, nil
}

// ExpandRRule returns the instance dates of an RFC 5545 rule anchored at
// dtstart (YYYY-MM-DD). With years given, instances are limited to those
// years; without, the rule itself must be bounded by COUNT or UNTIL.
func ExpandRRule(rule, dtstart string, years []int) ([]refdate.Date, error) {
	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return nil, fmt.Errorf("rrule %q: %w", rule, err)
	}
	start, err := refdate.ParseDate(dtstart)
	if err != nil {
		return nil, fmt.Errorf("rrule %q needs a dtstart: %w", rule, err)
	}
	r.DTStart(start.Time())

	var times []time.Time
	if len(years) > 0 {
		lo, hi := years[0], years[0]
		for _, y := range years {
			if y < lo {
				lo = y
			}
			if y > hi {
				hi = y
			}
		}
		times = r.Between(refdate.StartOfYear(lo).Time(), refdate.EndOfYear(hi).Time(), true)
	} else {
		upper := strings.ToUpper(rule)
		if !strings.Contains(upper, "COUNT=") && !strings.Contains(upper, "UNTIL=") {
			return nil, fmt.Errorf("rrule %q is unbounded: add COUNT/UNTIL or list years", rule)
		}
		times = r.All()
	}

	inYears := make(map[int]bool, len(years))
	for _, y := range years {
		inYears[y] = true
	}
	var out []refdate.Date
	for _, t := range times {
		d := refdate.DateOf(t)
		if len(years) > 0 && !inYears[d.Year()] {
			continue
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("rrule %q yields no dates", rule)
	}
	return out, nil
}
