/*
conflicts.go - Conflict listing and catalog integrity checks

PURPOSE:
  Surfaces catalog states the resolver would refuse or silently degrade on,
  before a full-year batch runs into them:

  - Conflicts:           two or more equally specific occurrences reaching
                         the same (date, channel, store)
  - MissingCounterparts: target-year occurrences with no base-year sibling
  - InvalidScopes:       occurrences scoped to unknown, unpublished or empty
                         store groups
  - Month shifts:        resolved dates whose adjusted reference falls in
                         another month (reported, never suppressed)

WITNESS ENUMERATION:
  For a given date only finitely many (channel, store) situations exist:
  each concrete channel any occurrence names plus "any other channel", and
  each member of a referenced group plus "any other store". Evaluating the
  top specificity tier for every witness finds every real tie and nothing
  else: a tier-1 pair dominated by a tier-2 occurrence is not reported.
*/
package refdate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AllStores marks a conflict that affects stores outside every scoped group.
const AllStores = "*"

// ConflictReport is one tie found by ListConflicts.
type ConflictReport struct {
	Date        Date
	Channel     Channel  // ChannelAny: the tie holds for every channel not scoped separately
	Stores      []string // nil: every store; AllStores: stores outside the scoped groups
	Specificity int
	Occurrences []Occurrence
}

// EventIDs lists the distinct events involved.
func (c ConflictReport) EventIDs() []EventID {
	seen := make(map[EventID]bool)
	var out []EventID
	for _, o := range c.Occurrences {
		if !seen[o.EventID] {
			seen[o.EventID] = true
			out = append(out, o.EventID)
		}
	}
	return out
}

// ListConflicts reports every equal-specificity tie among budget occurrences
// effective in targetYear.
func (c *Catalog) ListConflicts(ctx context.Context, targetYear int) ([]ConflictReport, error) {
	snap, idx, err := c.integrityView(ctx, targetYear, targetYear)
	if err != nil {
		return nil, err
	}
	return FindConflicts(snap, idx, targetYear), nil
}

// FindConflicts is the pure core of ListConflicts.
func FindConflicts(snap *Snapshot, idx *GroupIndex, year int) []ConflictReport {
	var reports []ConflictReport
	for _, d := range snap.Dates() {
		if d.Year() != year {
			continue
		}
		reports = append(reports, conflictsOn(snap, idx, d)...)
	}
	return reports
}

func conflictsOn(snap *Snapshot, idx *GroupIndex, d Date) []ConflictReport {
	occs := snap.budgetOn(d)
	if len(occs) < 2 {
		return nil
	}

	members := make(map[GroupID]map[string]bool)
	channels := []Channel{ChannelAny}
	seenCh := map[Channel]bool{ChannelAny: true}
	storeSet := make(map[string]bool)
	for _, o := range occs {
		if !seenCh[o.Scope.Channel] {
			seenCh[o.Scope.Channel] = true
			channels = append(channels, o.Scope.Channel)
		}
		if g := o.Scope.Group; g != 0 && members[g] == nil {
			members[g] = make(map[string]bool)
			codes, err := idx.Expand(g)
			if err != nil {
				continue // reported by CheckIntegrity as an invalid scope
			}
			for _, code := range codes {
				members[g][code] = true
				storeSet[code] = true
			}
		}
	}
	stores := []string{AllStores}
	for code := range storeSet {
		stores = append(stores, code)
	}
	sort.Strings(stores[1:])

	type agg struct {
		report ConflictReport
		stores map[string]bool
	}
	var order []string
	found := make(map[string]*agg)

	for _, ch := range channels {
		for _, store := range stores {
			var cands []Occurrence
			for _, o := range occs {
				if !o.Scope.AppliesToChannel(ch) {
					continue
				}
				if g := o.Scope.Group; g != 0 && (store == AllStores || !members[g][store]) {
					continue
				}
				cands = append(cands, o)
			}
			top, tier := topTier(cands)
			if len(top) < 2 {
				continue
			}

			reportCh := ChannelAny
			scopedByGroup := false
			for _, o := range top {
				if o.Scope.Channel != ChannelAny {
					reportCh = o.Scope.Channel
				}
				if o.Scope.Group != 0 {
					scopedByGroup = true
				}
			}

			key := conflictKey(reportCh, top)
			a, ok := found[key]
			if !ok {
				a = &agg{
					report: ConflictReport{Date: d, Channel: reportCh, Specificity: tier, Occurrences: top},
					stores: make(map[string]bool),
				}
				found[key] = a
				order = append(order, key)
			}
			if scopedByGroup {
				a.stores[store] = true
			}
		}
	}

	out := make([]ConflictReport, 0, len(order))
	for _, key := range order {
		a := found[key]
		if len(a.stores) > 0 {
			for s := range a.stores {
				a.report.Stores = append(a.report.Stores, s)
			}
			sort.Strings(a.report.Stores)
		}
		out = append(out, a.report)
	}
	return out
}

func conflictKey(ch Channel, occs []Occurrence) string {
	ids := make([]string, len(occs))
	for i, o := range occs {
		ids[i] = fmt.Sprint(o.ID)
	}
	return string(ch) + "|" + strings.Join(ids, ",")
}

// =============================================================================
// INTEGRITY REPORT
// =============================================================================

// MissingCounterpart is a target-year occurrence without a base-year sibling.
type MissingCounterpart struct {
	Occurrence Occurrence
	EventName  string
	BaseYear   int
}

// InvalidScope is an occurrence whose group scope cannot be expanded.
type InvalidScope struct {
	Occurrence Occurrence
	Reason     string
}

// IntegrityReport aggregates every check for one target year.
type IntegrityReport struct {
	TargetYear          int
	BaseYear            int
	CheckedAt           time.Time
	Conflicts           []ConflictReport
	MissingCounterparts []MissingCounterpart
	InvalidScopes       []InvalidScope
}

// Clean reports whether nothing needs attention.
func (r IntegrityReport) Clean() bool {
	return len(r.Conflicts) == 0 && len(r.MissingCounterparts) == 0 && len(r.InvalidScopes) == 0
}

// CheckIntegrity runs every catalog check for targetYear against its base year.
func (c *Catalog) CheckIntegrity(ctx context.Context, targetYear, offset int) (IntegrityReport, error) {
	if offset == 0 {
		offset = DefaultBaseOffsetYears
	}
	if offset < 1 {
		return IntegrityReport{}, ErrInvalidOffset
	}
	baseYear := targetYear - offset
	snap, idx, err := c.integrityView(ctx, baseYear, targetYear)
	if err != nil {
		return IntegrityReport{}, err
	}

	report := IntegrityReport{
		TargetYear: targetYear,
		BaseYear:   baseYear,
		CheckedAt:  c.now().UTC(),
		Conflicts:  FindConflicts(snap, idx, targetYear),
	}

	for _, d := range snap.Dates() {
		for _, o := range snap.budgetOn(d) {
			if o.Scope.Group != 0 {
				if _, err := idx.Expand(o.Scope.Group); err != nil {
					report.InvalidScopes = append(report.InvalidScopes, InvalidScope{Occurrence: o, Reason: err.Error()})
				}
			}
			if d.Year() != targetYear {
				continue
			}
			if _, ok := baseSibling(snap, o, baseYear, d.ShiftYears(-offset)); !ok {
				e, _ := snap.Event(o.EventID)
				report.MissingCounterparts = append(report.MissingCounterparts,
					MissingCounterpart{Occurrence: o, EventName: e.Name, BaseYear: baseYear})
			}
		}
	}
	return report, nil
}

func (c *Catalog) integrityView(ctx context.Context, fromYear, toYear int) (*Snapshot, *GroupIndex, error) {
	idx, err := c.groupIndex(ctx)
	if err != nil {
		return nil, nil, err
	}
	if idx == nil {
		idx = NewGroupIndex(nil, nil, nil)
	}
	snap, err := c.store.Snapshot(ctx, StartOfYear(fromYear), EndOfYear(toYear))
	if err != nil {
		return nil, nil, fmt.Errorf("load catalog snapshot: %w", err)
	}
	return snap, idx, nil
}

// =============================================================================
// MONTH SHIFTS
// =============================================================================

// MonthShift counts results whose adjusted date left the target month.
type MonthShift struct {
	TargetMonth time.Month
	BaseMonth   time.Month
	Count       int
}

// MonthBoundaryAnomalies returns the results whose adjusted reference date
// falls in another month than the target date.
func MonthBoundaryAnomalies(results []ResolutionResult) []ResolutionResult {
	var out []ResolutionResult
	for _, r := range results {
		if r.CrossesMonth() {
			out = append(out, r)
		}
	}
	return out
}

// SummarizeMonthShifts groups month-crossing results by (target, base) month.
func SummarizeMonthShifts(results []ResolutionResult) []MonthShift {
	type key struct{ t, b time.Month }
	counts := make(map[key]int)
	for _, r := range MonthBoundaryAnomalies(results) {
		counts[key{r.TargetDate.Month(), r.AdjustedReferenceDate.Month()}]++
	}
	out := make([]MonthShift, 0, len(counts))
	for k, n := range counts {
		out = append(out, MonthShift{TargetMonth: k.t, BaseMonth: k.b, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetMonth != out[j].TargetMonth {
			return out[i].TargetMonth < out[j].TargetMonth
		}
		return out[i].BaseMonth < out[j].BaseMonth
	})
	return out
}
