/*
resolver.go - Reference date resolution (core algorithm)

PURPOSE:
  Given a target day, store and channel, compute the base-year day whose
  sales are the baseline for that target day.

ALGORITHM:
  1. natural  = target shifted back `offset` years, same month/day
                (Feb 29 -> Feb 28 in a non-leap base year). Never overridden.
  2. default  = base-year day on the same weekday whose day-of-year is
                closest to the target's (ties -> earlier day).
  3. candidates = occurrences effective on the target day whose event is
                used in budgeting and whose scope admits (channel, store).
  4. rank by scope specificity (2 > 1 > 0). Two or more at the top tier
                -> PrecedenceConflictError. No silent tie-break.
  5. one winner: its base-year sibling (same event, same scope) becomes the
                adjusted date. No sibling -> keep the default and attach
                MissingCounterpartWarning.

EXAMPLE:
  Event "Asunción": occurrences 2025-08-15 and 2026-08-14 (no scope)
  Resolve(2026-08-14, S01, Todos) ->
      natural  2025-08-14
      adjusted 2025-08-15 (override applied)

  No occurrence on 2026-08-21 (Friday, day 233) ->
      adjusted 2025-08-22 (nearest Friday to day 233 of 2025)

PURITY:
  Resolve() depends only on its arguments. Resolver wraps it with snapshot
  loading; the snapshot is read once per call (or per batch), so a
  correction committed mid-flight is either fully visible or not at all.

SEE ALSO:
  - batch.go: bulk resolution
  - snapshot.go: the catalog view resolved against
  - groups.go: store-group expansion
*/
package refdate

import (
	"context"
	"fmt"
)

// DefaultBaseOffsetYears is the usual distance between target and base year.
const DefaultBaseOffsetYears = 1

// Query is one (date, store, channel) tuple to resolve. StoreCode may be an
// alias; Source names the system it was written by ("" for any).
type Query struct {
	Date      Date
	StoreCode string
	Channel   Channel
	Source    string
}

func (q Query) String() string {
	return fmt.Sprintf("%s/%s/%s", q.Date, q.StoreCode, q.Channel)
}

// ResolutionResult is the outcome for one tuple.
type ResolutionResult struct {
	TargetDate            Date
	StoreCode             string
	Channel               Channel
	NaturalReferenceDate  Date
	AdjustedReferenceDate Date
	OverrideApplied       bool
	EventID               EventID      // zero when no occurrence matched
	OccurrenceID          OccurrenceID // the matched target-year occurrence
	Warning               string
}

// CrossesMonth reports whether the adjusted date falls in a different month
// than the target. Legitimate near month boundaries, but worth reviewing.
func (r ResolutionResult) CrossesMonth() bool {
	return r.AdjustedReferenceDate.Month() != r.TargetDate.Month()
}

// =============================================================================
// PURE RESOLUTION
// =============================================================================

// Resolve computes the reference dates for q against a catalog snapshot.
func Resolve(snap *Snapshot, groups *GroupIndex, q Query, offset int) (ResolutionResult, error) {
	if offset < 1 {
		return ResolutionResult{}, ErrInvalidOffset
	}
	if q.Date.IsZero() {
		return ResolutionResult{}, fmt.Errorf("%w: empty target date", ErrInvalidDate)
	}

	store := groups.CanonicalStore(q.StoreCode, q.Source)
	if store == "" || !groups.KnownStore(store) {
		return ResolutionResult{}, &ScopeResolutionError{StoreCode: q.StoreCode, Reason: "unknown store code"}
	}

	baseYear := q.Date.Year() - offset
	res := ResolutionResult{
		TargetDate:            q.Date,
		StoreCode:             store,
		Channel:               q.Channel,
		NaturalReferenceDate:  q.Date.ShiftYears(-offset),
		AdjustedReferenceDate: WeekdayAligned(q.Date, baseYear),
	}

	winner, err := topCandidate(snap, groups, q.Date, store, q.Channel)
	if err != nil {
		return ResolutionResult{}, err
	}
	if winner == nil {
		return res, nil
	}

	res.EventID = winner.EventID
	res.OccurrenceID = winner.ID
	sibling, ok := baseSibling(snap, *winner, baseYear, res.NaturalReferenceDate)
	if !ok {
		res.Warning = MissingCounterpartWarning
		return res, nil
	}
	res.AdjustedReferenceDate = sibling.EffectiveDate
	res.OverrideApplied = true
	return res, nil
}

// applicable returns the budget occurrences on day d whose scope admits
// (store, channel). Group expansion failures abort the tuple.
func applicable(snap *Snapshot, groups *GroupIndex, d Date, store string, ch Channel) ([]Occurrence, error) {
	var out []Occurrence
	for _, o := range snap.budgetOn(d) {
		if !o.Scope.AppliesToChannel(ch) {
			continue
		}
		if o.Scope.Group != 0 {
			in, err := groups.Contains(o.Scope.Group, store)
			if err != nil {
				return nil, err
			}
			if !in {
				continue
			}
		}
		out = append(out, o)
	}
	return out, nil
}

// topCandidate returns the single most specific applicable occurrence, nil if
// none applies, or a PrecedenceConflictError on a tie.
func topCandidate(snap *Snapshot, groups *GroupIndex, d Date, store string, ch Channel) (*Occurrence, error) {
	cands, err := applicable(snap, groups, d, store, ch)
	if err != nil {
		return nil, err
	}
	top, tier := topTier(cands)
	switch len(top) {
	case 0:
		return nil, nil
	case 1:
		return &top[0], nil
	}
	ids := make([]OccurrenceID, len(top))
	for i, o := range top {
		ids[i] = o.ID
	}
	return nil, &PrecedenceConflictError{
		Date:        d,
		Channel:     ch,
		StoreCode:   store,
		Specificity: tier,
		Occurrences: ids,
	}
}

// topTier keeps the occurrences with the highest specificity.
func topTier(cands []Occurrence) ([]Occurrence, int) {
	best := -1
	var top []Occurrence
	for _, o := range cands {
		sp := o.Scope.Specificity()
		switch {
		case sp > best:
			best = sp
			top = []Occurrence{o}
		case sp == best:
			top = append(top, o)
		}
	}
	return top, best
}

// baseSibling finds the base-year occurrence of the same event with the same
// scope. With several, the one nearest the natural date wins (ties -> earlier).
func baseSibling(snap *Snapshot, o Occurrence, baseYear int, natural Date) (Occurrence, bool) {
	var (
		best     Occurrence
		bestDist = -1
	)
	for _, s := range snap.InYear(o.EventID, baseYear) {
		if s.Scope != o.Scope {
			continue
		}
		dist := DaysBetween(natural, s.EffectiveDate)
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist ||
			(dist == bestDist && s.EffectiveDate.Before(best.EffectiveDate)) {
			best, bestDist = s, dist
		}
	}
	return best, bestDist >= 0
}

// =============================================================================
// RESOLVER - Snapshot loading around the pure function
// =============================================================================

// SnapshotSource is the read side the resolver needs.
type SnapshotSource interface {
	Snapshot(ctx context.Context, from, to Date) (*Snapshot, error)
}

// GroupSource yields the current group index (typically a CachedValue).
type GroupSource interface {
	Get(ctx context.Context) (*GroupIndex, error)
}

type fixedGroups struct{ idx *GroupIndex }

func (f fixedGroups) Get(context.Context) (*GroupIndex, error) { return f.idx, nil }

// FixedGroups wraps an index that never changes.
func FixedGroups(idx *GroupIndex) GroupSource { return fixedGroups{idx: idx} }

// Resolver resolves single tuples and batches.
type Resolver struct {
	catalog SnapshotSource
	groups  GroupSource
	workers int
}

// NewResolver creates a resolver. workers <= 0 means one worker per CPU.
func NewResolver(catalog SnapshotSource, groups GroupSource, workers int) *Resolver {
	return &Resolver{catalog: catalog, groups: groups, workers: workers}
}

// Resolve loads a fresh snapshot and resolves one tuple.
func (r *Resolver) Resolve(ctx context.Context, q Query, offset int) (ResolutionResult, error) {
	if offset < 1 {
		return ResolutionResult{}, ErrInvalidOffset
	}
	snap, idx, err := r.load(ctx, q.Date.Year(), offset)
	if err != nil {
		return ResolutionResult{}, err
	}
	return Resolve(snap, idx, q, offset)
}

func (r *Resolver) load(ctx context.Context, targetYear, offset int) (*Snapshot, *GroupIndex, error) {
	idx, err := r.groups.Get(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load store groups: %w", err)
	}
	snap, err := r.catalog.Snapshot(ctx, StartOfYear(targetYear-offset), EndOfYear(targetYear))
	if err != nil {
		return nil, nil, fmt.Errorf("load catalog snapshot: %w", err)
	}
	return snap, idx, nil
}
