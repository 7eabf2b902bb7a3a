/*
reconcile.go - Idempotent catalog reconciliation

PURPOSE:
  Brings the catalog in line with a declarative Manifest. Re-running the
  same manifest against the result changes nothing.

MATCHING:
  Events:      by folded name (case, accents and inner whitespace ignored)
  Occurrences: per event family, by (effective date, scope)

EVENT FAMILY:
  The years an EventSpec covers: its Years list, or, when empty, the years
  of its listed occurrences. Occurrences of the event outside those years
  are never touched, so a manifest for 2025-2026 leaves 2019 history alone.

CHANGES (all in one transaction):
  - missing events created, flag drift updated
  - occurrences not in the manifest removed
  - manifest occurrences not in the catalog added
  - nominal-date drift replaced (remove + add)
  - Prune: events absent from the manifest deleted with their occurrences

  DryRun runs the same transaction and rolls it back, so the report shows
  exactly what would change.
*/
package refdate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
)

// Manifest is the declarative description of (part of) the catalog.
type Manifest struct {
	Events []EventSpec
}

// EventSpec describes one event and its occurrences.
type EventSpec struct {
	Name        string
	IsHoliday   bool
	UseInBudget bool
	IsInternal  bool
	SortOrder   int   // zero keeps the current position
	Years       []int // optional family override
	Occurrences []OccurrenceSpec
}

// OccurrenceSpec describes one occurrence of an EventSpec.
type OccurrenceSpec struct {
	EffectiveDate Date
	NominalDate   *Date
	Scope         Scope
}

// ReconcileOptions controls a Reconcile run.
type ReconcileOptions struct {
	DryRun bool
	Prune  bool
	Actor  string
}

// ReconcileReport lists what changed (or would change, for a dry run).
type ReconcileReport struct {
	DryRun             bool
	EventsCreated      []string
	EventsUpdated      []string
	EventsDeleted      []string
	OccurrencesAdded   []Occurrence
	OccurrencesRemoved []Occurrence
}

// Changed reports whether the run touched anything.
func (r ReconcileReport) Changed() bool {
	return len(r.EventsCreated)+len(r.EventsUpdated)+len(r.EventsDeleted)+
		len(r.OccurrencesAdded)+len(r.OccurrencesRemoved) > 0
}

// FoldEventName is the matching key for event names.
func FoldEventName(name string) string {
	return strings.Join(strings.Fields(foldChannel(name)), " ")
}

var errDryRun = errors.New("dry run")

// Reconcile applies the manifest. Validation failures return
// ErrInvalidManifest before anything is written.
func (c *Catalog) Reconcile(ctx context.Context, m Manifest, opts ReconcileOptions) (ReconcileReport, error) {
	if err := m.Validate(); err != nil {
		return ReconcileReport{}, err
	}
	idx, err := c.groupIndex(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}

	var report ReconcileReport
	err = c.store.WithTx(ctx, func(tx CatalogWriter) error {
		report = ReconcileReport{DryRun: opts.DryRun}

		existing, err := tx.ListEvents(ctx)
		if err != nil {
			return err
		}
		byName := make(map[string]Event, len(existing))
		for _, e := range existing {
			key := FoldEventName(e.Name)
			if _, dup := byName[key]; !dup {
				byName[key] = e
			}
		}

		kept := make(map[EventID]bool)
		for _, spec := range m.Events {
			e, err := c.reconcileEvent(ctx, tx, byName, spec, &report)
			if err != nil {
				return err
			}
			kept[e.ID] = true
			if err := c.reconcileOccurrences(ctx, tx, idx, e.ID, spec, opts.Actor, &report); err != nil {
				return fmt.Errorf("event %q: %w", spec.Name, err)
			}
		}

		if opts.Prune {
			for _, e := range existing {
				if kept[e.ID] {
					continue
				}
				if err := pruneEvent(ctx, tx, e, &report); err != nil {
					return err
				}
			}
		}

		if opts.DryRun {
			return errDryRun
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDryRun) {
		return ReconcileReport{}, err
	}

	log.Printf("[Reconcile] dry_run=%t created=%d updated=%d deleted=%d added=%d removed=%d",
		opts.DryRun, len(report.EventsCreated), len(report.EventsUpdated), len(report.EventsDeleted),
		len(report.OccurrencesAdded), len(report.OccurrencesRemoved))
	return report, nil
}

func (c *Catalog) reconcileEvent(ctx context.Context, tx CatalogWriter, byName map[string]Event, spec EventSpec, report *ReconcileReport) (Event, error) {
	name := strings.TrimSpace(spec.Name)
	e, ok := byName[FoldEventName(name)]
	if !ok {
		e = Event{
			Name:        name,
			IsHoliday:   spec.IsHoliday,
			UseInBudget: spec.UseInBudget,
			IsInternal:  spec.IsInternal,
			SortOrder:   spec.SortOrder,
		}
		if e.SortOrder == 0 {
			last, err := tx.MaxSortOrder(ctx)
			if err != nil {
				return Event{}, err
			}
			e.SortOrder = last + 1
		}
		id, err := tx.InsertEvent(ctx, e)
		if err != nil {
			return Event{}, err
		}
		e.ID = id
		byName[FoldEventName(name)] = e
		report.EventsCreated = append(report.EventsCreated, name)
		return e, nil
	}

	want := e
	want.Name = name
	want.IsHoliday = spec.IsHoliday
	want.UseInBudget = spec.UseInBudget
	want.IsInternal = spec.IsInternal
	if spec.SortOrder != 0 {
		want.SortOrder = spec.SortOrder
	}
	if want == e {
		return e, nil
	}
	if err := tx.UpdateEvent(ctx, want); err != nil {
		return Event{}, err
	}
	report.EventsUpdated = append(report.EventsUpdated, name)
	return want, nil
}

type familyKey struct {
	date  Date
	scope Scope
}

func (c *Catalog) reconcileOccurrences(ctx context.Context, tx CatalogWriter, idx *GroupIndex, eventID EventID, spec EventSpec, actor string, report *ReconcileReport) error {
	years := spec.family()
	if len(years) == 0 {
		return nil
	}

	desired := make(map[familyKey]OccurrenceSpec, len(spec.Occurrences))
	for _, o := range spec.Occurrences {
		desired[familyKey{o.EffectiveDate, o.Scope}] = o
	}

	current, err := tx.ListOccurrences(ctx, eventID)
	if err != nil {
		return err
	}
	satisfied := make(map[familyKey]bool)
	for _, o := range current {
		if !years[o.EffectiveDate.Year()] {
			continue
		}
		k := familyKey{o.EffectiveDate, o.Scope}
		if want, ok := desired[k]; ok && sameNominal(want.NominalDate, o.NominalDate) {
			satisfied[k] = true
			continue
		}
		if err := tx.DeleteOccurrence(ctx, o.ID); err != nil {
			return err
		}
		report.OccurrencesRemoved = append(report.OccurrencesRemoved, o)
	}

	for _, o := range spec.Occurrences {
		if satisfied[familyKey{o.EffectiveDate, o.Scope}] {
			continue
		}
		added, err := c.addLocked(ctx, tx, idx, NewOccurrence{
			EventID:       eventID,
			EffectiveDate: o.EffectiveDate,
			NominalDate:   o.NominalDate,
			Scope:         o.Scope,
		}, actor)
		if err != nil {
			return err
		}
		report.OccurrencesAdded = append(report.OccurrencesAdded, added)
	}
	return nil
}

func pruneEvent(ctx context.Context, tx CatalogWriter, e Event, report *ReconcileReport) error {
	occs, err := tx.ListOccurrences(ctx, e.ID)
	if err != nil {
		return err
	}
	for _, o := range occs {
		if err := tx.DeleteOccurrence(ctx, o.ID); err != nil {
			return err
		}
		report.OccurrencesRemoved = append(report.OccurrencesRemoved, o)
	}
	if err := tx.DeleteEvent(ctx, e.ID); err != nil {
		return err
	}
	report.EventsDeleted = append(report.EventsDeleted, e.Name)
	return nil
}

func sameNominal(a, b *Date) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// family returns the set of years this spec owns.
func (s EventSpec) family() map[int]bool {
	years := make(map[int]bool)
	for _, y := range s.Years {
		years[y] = true
	}
	if len(years) == 0 {
		for _, o := range s.Occurrences {
			years[o.EffectiveDate.Year()] = true
		}
	}
	return years
}

// Validate rejects manifests that could never reach a fixed point.
func (m Manifest) Validate() error {
	names := make(map[string]bool, len(m.Events))
	for i, spec := range m.Events {
		key := FoldEventName(spec.Name)
		if key == "" {
			return fmt.Errorf("%w: event #%d has no name", ErrInvalidManifest, i+1)
		}
		if names[key] {
			return fmt.Errorf("%w: event %q listed twice", ErrInvalidManifest, spec.Name)
		}
		names[key] = true

		explicit := make(map[int]bool)
		for _, y := range spec.Years {
			explicit[y] = true
		}
		seen := make(map[familyKey]bool)
		for _, o := range spec.Occurrences {
			if o.EffectiveDate.IsZero() {
				return fmt.Errorf("%w: event %q has an occurrence without effective date", ErrInvalidManifest, spec.Name)
			}
			if len(explicit) > 0 && !explicit[o.EffectiveDate.Year()] {
				return fmt.Errorf("%w: event %q: %s is outside years %v",
					ErrInvalidManifest, spec.Name, o.EffectiveDate, sortedYears(explicit))
			}
			k := familyKey{o.EffectiveDate, o.Scope}
			if seen[k] {
				return fmt.Errorf("%w: event %q repeats %s (%s)", ErrInvalidManifest, spec.Name, o.EffectiveDate, o.Scope)
			}
			seen[k] = true
		}
	}
	return nil
}

func sortedYears(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for y := range set {
		out = append(out, y)
	}
	sort.Ints(out)
	return out
}
