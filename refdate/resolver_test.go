package refdate_test

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpiportal/refdate-engine/refdate"
)

// =============================================================================
// RESOLUTION SCENARIOS
// =============================================================================

func TestResolve_MoveableHolidayMapsToBaseOccurrence(t *testing.T) {
	// GIVEN: "Holiday H" on 2025-08-15 and 2026-08-14, both unscoped
	// WHEN: resolving 2026-08-14 for S01 / Todos
	// THEN: the adjusted date is the 2025 occurrence

	f := newFixture(t)
	require.NoError(t, f.mem.SaveStore(f.ctx, "S01"))
	ev := f.budgetEvent(t, "Holiday H", "2025-08-15", "2026-08-14")

	res := f.resolve(t, "2026-08-14", "S01", refdate.ChannelTodos)

	assert.Equal(t, d("2025-08-14"), res.NaturalReferenceDate)
	assert.Equal(t, d("2025-08-15"), res.AdjustedReferenceDate)
	assert.True(t, res.OverrideApplied)
	assert.Equal(t, ev.ID, res.EventID)
	assert.Empty(t, res.Warning)
}

func TestResolve_NoEventUsesWeekdayDefault(t *testing.T) {
	// GIVEN: no occurrence on 2026-08-21 (Friday, day 233)
	// WHEN: resolving it
	// THEN: the nearest Friday to day 233 of 2025 is used

	f := newFixture(t)
	f.budgetEvent(t, "Holiday H", "2025-08-15", "2026-08-14")

	res := f.resolve(t, "2026-08-21", "T001", refdate.ChannelTodos)

	assert.Equal(t, d("2025-08-21"), res.NaturalReferenceDate)
	assert.Equal(t, d("2025-08-22"), res.AdjustedReferenceDate)
	assert.False(t, res.OverrideApplied)
	assert.Zero(t, res.EventID)
}

func TestResolve_CorrectionIsNeverBlended(t *testing.T) {
	// GIVEN: a wrong base-year mapping (2025-08-16)
	// WHEN: one correction removes it and adds the right date
	// THEN: resolution reflects only the corrected mapping

	f := newFixture(t)
	ev := f.budgetEvent(t, "Asunción", "2026-08-14")
	wrong := f.occurrence(t, ev.ID, "2025-08-16", refdate.Scope{})
	require.Equal(t, d("2025-08-16"), f.resolve(t, "2026-08-14", "T001", refdate.ChannelAny).AdjustedReferenceDate)

	_, err := f.catalog.ApplyCorrection(f.ctx, refdate.Correction{
		Remove: []refdate.OccurrenceID{wrong.ID},
		Add:    []refdate.NewOccurrence{{EventID: ev.ID, EffectiveDate: d("2025-08-15")}},
		Actor:  "ops",
	})
	require.NoError(t, err)

	res := f.resolve(t, "2026-08-14", "T001", refdate.ChannelAny)
	assert.Equal(t, d("2025-08-15"), res.AdjustedReferenceDate)
	assert.True(t, res.OverrideApplied)
}

func TestResolve_ConcurrentCorrectionsAreAtomic(t *testing.T) {
	// GIVEN: a reader resolving 2026-08-14 in a loop
	// WHEN: corrections flip the base occurrence between 2025-08-16 and 2025-08-15
	// THEN: every read sees one whole mapping, never an intermediate state

	f := newFixture(t)
	ev := f.budgetEvent(t, "Asunción", "2026-08-14")
	current := f.occurrence(t, ev.ID, "2025-08-16", refdate.Scope{})
	mappings := [2]refdate.Date{d("2025-08-16"), d("2025-08-15")}
	query := refdate.Query{Date: d("2026-08-14"), StoreCode: "T001", Channel: refdate.ChannelAny}

	var reads, blended, failed atomic.Int64
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			res, err := f.resolver.Resolve(f.ctx, query, 1)
			if err != nil {
				failed.Add(1)
				continue
			}
			reads.Add(1)
			adj := res.AdjustedReferenceDate
			if !res.OverrideApplied || (adj != mappings[0] && adj != mappings[1]) {
				blended.Add(1)
			}
		}
	}()
	for reads.Load() == 0 && failed.Load() == 0 {
		runtime.Gosched()
	}

	for i := 0; i < 200; i++ {
		added, err := f.catalog.ApplyCorrection(f.ctx, refdate.Correction{
			Remove: []refdate.OccurrenceID{current.ID},
			Add:    []refdate.NewOccurrence{{EventID: ev.ID, EffectiveDate: mappings[(i+1)%2]}},
			Actor:  "ops",
		})
		if !assert.NoError(t, err) {
			break
		}
		current = added[0]
	}
	close(done)
	wg.Wait()

	assert.Positive(t, reads.Load())
	assert.Zero(t, failed.Load(), "resolution errors")
	assert.Zero(t, blended.Load(), "reads mixing two catalog states")
}

// =============================================================================
// PRECEDENCE
// =============================================================================

func TestResolve_MostSpecificScopeWins(t *testing.T) {
	// GIVEN: an unscoped Día de la Madre and a (Salón, group 10) promotion on 2026-05-10
	// WHEN: resolving for stores inside and outside group 10, Salón and other channels
	// THEN: only (group 10, Salón) follows the promotion

	f := newFixture(t)
	f.budgetEvent(t, "Día de la Madre", "2025-05-10", "2026-05-10")
	promo, err := f.catalog.CreateEvent(f.ctx, refdate.Event{Name: "Promo Salón", UseInBudget: true})
	require.NoError(t, err)
	scope := refdate.Scope{Channel: refdate.ChannelSalon, Group: 10}
	f.occurrence(t, promo.ID, "2025-05-09", scope)
	f.occurrence(t, promo.ID, "2026-05-10", scope)

	tests := []struct {
		store string
		ch    refdate.Channel
		want  string
		event refdate.EventID
	}{
		{"T001", refdate.ChannelSalon, "2025-05-09", promo.ID},
		{"T002", refdate.ChannelSalon, "2025-05-09", promo.ID},
		{"T001", refdate.ChannelLlevar, "2025-05-10", 1},
		{"T003", refdate.ChannelSalon, "2025-05-10", 1},
		{"T001", refdate.ChannelAny, "2025-05-10", 1},
	}
	for _, tt := range tests {
		t.Run(tt.store+"/"+string(tt.ch), func(t *testing.T) {
			res := f.resolve(t, "2026-05-10", tt.store, tt.ch)
			assert.Equal(t, d(tt.want), res.AdjustedReferenceDate)
			assert.Equal(t, tt.event, res.EventID)
		})
	}
}

func TestResolve_EqualSpecificityIsConflict(t *testing.T) {
	// GIVEN: a channel-only and a group-only occurrence on the same day (both specificity 1)
	// WHEN: a tuple matches both
	// THEN: PrecedenceConflictError, no silent tie-break

	f := newFixture(t)
	a, err := f.catalog.CreateEvent(f.ctx, refdate.Event{Name: "A", UseInBudget: true})
	require.NoError(t, err)
	b, err := f.catalog.CreateEvent(f.ctx, refdate.Event{Name: "B", UseInBudget: true})
	require.NoError(t, err)
	oa := f.occurrence(t, a.ID, "2026-03-14", refdate.Scope{Channel: refdate.ChannelSalon})
	ob := f.occurrence(t, b.ID, "2026-03-14", refdate.Scope{Group: 10})

	_, err = f.resolver.Resolve(f.ctx, refdate.Query{Date: d("2026-03-14"), StoreCode: "T001", Channel: refdate.ChannelSalon}, 1)

	var pc *refdate.PrecedenceConflictError
	require.ErrorAs(t, err, &pc)
	assert.Equal(t, 1, pc.Specificity)
	assert.ElementsMatch(t, []refdate.OccurrenceID{oa.ID, ob.ID}, pc.Occurrences)
	assert.Equal(t, refdate.KindPrecedenceConflict, refdate.KindOf(err))

	// Only one of them applies outside group 10.
	res := f.resolve(t, "2026-03-14", "T003", refdate.ChannelSalon)
	assert.Equal(t, a.ID, res.EventID)
}

func TestResolve_NonBudgetEventsAreIgnored(t *testing.T) {
	f := newFixture(t)
	internal, err := f.catalog.CreateEvent(f.ctx, refdate.Event{Name: "Inventario", IsInternal: true})
	require.NoError(t, err)
	f.occurrence(t, internal.ID, "2025-08-16", refdate.Scope{})
	f.occurrence(t, internal.ID, "2026-08-14", refdate.Scope{})

	res := f.resolve(t, "2026-08-14", "T001", refdate.ChannelAny)

	assert.False(t, res.OverrideApplied)
	assert.Equal(t, d("2025-08-15"), res.AdjustedReferenceDate)
}

// =============================================================================
// EDGE CASES
// =============================================================================

func TestResolve_MissingCounterpartKeepsDefault(t *testing.T) {
	// GIVEN: an event present only in the target year
	// THEN: the weekday default is kept and a warning is attached

	f := newFixture(t)
	ev := f.budgetEvent(t, "Inauguración", "2026-02-02")

	res := f.resolve(t, "2026-02-02", "T001", refdate.ChannelAny)

	assert.False(t, res.OverrideApplied)
	assert.Equal(t, ev.ID, res.EventID)
	assert.Equal(t, refdate.MissingCounterpartWarning, res.Warning)
	assert.Equal(t, refdate.WeekdayAligned(d("2026-02-02"), 2025), res.AdjustedReferenceDate)
}

func TestResolve_NearestSiblingWins(t *testing.T) {
	ev := refdate.Event{ID: 1, Name: "Feria", UseInBudget: true}
	target := refdate.Occurrence{ID: 1, EventID: 1, EffectiveDate: d("2026-08-14")}

	tests := []struct {
		name     string
		siblings []string
		want     string
	}{
		{"nearest natural date", []string{"2025-08-10", "2025-08-20"}, "2025-08-10"},
		{"tie goes to earlier", []string{"2025-08-16", "2025-08-12"}, "2025-08-12"},
		{"single sibling far away", []string{"2025-12-01"}, "2025-12-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			occs := []refdate.Occurrence{target}
			for i, s := range tt.siblings {
				occs = append(occs, refdate.Occurrence{ID: refdate.OccurrenceID(i + 2), EventID: 1, EffectiveDate: d(s)})
			}
			res, err := refdate.Resolve(snapshotOf([]refdate.Event{ev}, occs), testIndex(),
				refdate.Query{Date: d("2026-08-14"), StoreCode: "T001"}, 1)
			require.NoError(t, err)
			assert.Equal(t, d(tt.want), res.AdjustedReferenceDate)
		})
	}
}

func TestResolve_AdjacentEventsKeepTheirOwnSiblings(t *testing.T) {
	// GIVEN: two events on consecutive days of one week, each with its own 2025 date
	// WHEN: resolving both days
	// THEN: each day follows its own event and no two days share a reference date

	f := newFixture(t)
	vispera := f.budgetEvent(t, "Víspera", "2025-03-21", "2026-03-20")
	feria := f.budgetEvent(t, "Feria", "2025-03-22", "2026-03-21")

	fri := f.resolve(t, "2026-03-20", "T001", refdate.ChannelAny)
	sat := f.resolve(t, "2026-03-21", "T001", refdate.ChannelAny)

	assert.Equal(t, vispera.ID, fri.EventID)
	assert.Equal(t, d("2025-03-21"), fri.AdjustedReferenceDate)
	assert.Equal(t, feria.ID, sat.EventID)
	assert.Equal(t, d("2025-03-22"), sat.AdjustedReferenceDate)
	assert.NotEqual(t, fri.AdjustedReferenceDate, sat.AdjustedReferenceDate)
}

func TestResolve_SiblingMustShareScope(t *testing.T) {
	// A Salón-scoped target occurrence does not borrow an unscoped base sibling.
	ev := refdate.Event{ID: 1, Name: "Promo", UseInBudget: true}
	occs := []refdate.Occurrence{
		{ID: 1, EventID: 1, EffectiveDate: d("2025-06-07")},
		{ID: 2, EventID: 1, EffectiveDate: d("2026-06-06"), Scope: refdate.Scope{Channel: refdate.ChannelSalon}},
	}

	res, err := refdate.Resolve(snapshotOf([]refdate.Event{ev}, occs), testIndex(),
		refdate.Query{Date: d("2026-06-06"), StoreCode: "T001", Channel: refdate.ChannelSalon}, 1)

	require.NoError(t, err)
	assert.False(t, res.OverrideApplied)
	assert.Equal(t, refdate.MissingCounterpartWarning, res.Warning)
}

func TestResolve_UnknownStore(t *testing.T) {
	_, err := refdate.Resolve(snapshotOf(nil, nil), testIndex(), refdate.Query{Date: d("2026-01-05"), StoreCode: "ZZZ"}, 1)

	var se *refdate.ScopeResolutionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "ZZZ", se.StoreCode)
	assert.True(t, refdate.IsClientError(err))
}

func TestResolve_StoreCodeIsNormalized(t *testing.T) {
	res, err := refdate.Resolve(snapshotOf(nil, nil), testIndex(), refdate.Query{Date: d("2026-01-05"), StoreCode: "  t002 "}, 1)
	require.NoError(t, err)
	assert.Equal(t, "T002", res.StoreCode)
}

func TestResolve_UnpublishedGroupScopeAbortsTuple(t *testing.T) {
	// Occurrences scoped to draft or empty groups cannot be resolved.
	ev := refdate.Event{ID: 1, Name: "Feria", UseInBudget: true}
	for _, g := range []refdate.GroupID{20, 30, 99} {
		occs := []refdate.Occurrence{{ID: 1, EventID: 1, EffectiveDate: d("2026-06-01"), Scope: refdate.Scope{Group: g}}}
		_, err := refdate.Resolve(snapshotOf([]refdate.Event{ev}, occs), testIndex(),
			refdate.Query{Date: d("2026-06-01"), StoreCode: "T003"}, 1)
		assert.True(t, errors.Is(err, refdate.ErrScopeResolution), "group %d: %v", g, err)
	}
}

func TestResolve_InvalidOffset(t *testing.T) {
	_, err := refdate.Resolve(snapshotOf(nil, nil), testIndex(), refdate.Query{Date: d("2026-01-05"), StoreCode: "T001"}, 0)
	assert.ErrorIs(t, err, refdate.ErrInvalidOffset)
}

func TestResolve_OffsetTwoYears(t *testing.T) {
	f := newFixture(t)
	f.budgetEvent(t, "Asunción", "2024-08-15", "2025-08-15", "2026-08-14")

	res, err := f.resolver.Resolve(f.ctx, refdate.Query{Date: d("2026-08-14"), StoreCode: "T001"}, 2)

	require.NoError(t, err)
	assert.Equal(t, d("2024-08-14"), res.NaturalReferenceDate)
	assert.Equal(t, d("2024-08-15"), res.AdjustedReferenceDate)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestResolve_NaturalDateProperty(t *testing.T) {
	// For every day of a leap year, natural = same month/day one year back,
	// with Feb 29 clamped to Feb 28.
	idx := testIndex()
	snap := refdate.NewSnapshot(refdate.Period{Start: refdate.StartOfYear(2023), End: refdate.EndOfYear(2024)}, nil, nil)

	for _, day := range refdate.DaysOfYear(2024) {
		res, err := refdate.Resolve(snap, idx, refdate.Query{Date: day, StoreCode: "T001"}, 1)
		require.NoError(t, err)

		nat := res.NaturalReferenceDate
		assert.Equal(t, 2023, nat.Year())
		if day == d("2024-02-29") {
			assert.Equal(t, d("2023-02-28"), nat)
			continue
		}
		assert.Equal(t, day.Month(), nat.Month(), day.String())
		assert.Equal(t, day.Day(), nat.Day(), day.String())
	}
}

func TestResolve_DefaultKeepsWeekday(t *testing.T) {
	idx := testIndex()
	snap := snapshotOf(nil, nil)

	for _, day := range refdate.DaysOfYear(2026) {
		res, err := refdate.Resolve(snap, idx, refdate.Query{Date: day, StoreCode: "T001"}, 1)
		require.NoError(t, err)

		adj := res.AdjustedReferenceDate
		require.Equal(t, 2025, adj.Year(), day.String())
		assert.Equal(t, day.Weekday(), adj.Weekday(), day.String())
		diff := adj.YearDay() - day.YearDay()
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, 6, day.String())
	}
}

func TestResolve_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.budgetEvent(t, "Asunción", "2025-08-15", "2026-08-14")

	for _, date := range []string{"2026-08-14", "2026-08-21", "2026-12-31"} {
		first := f.resolve(t, date, "T001", refdate.ChannelTodos)
		second := f.resolve(t, date, "T001", refdate.ChannelTodos)
		assert.Equal(t, first, second, date)
	}
}

func TestResolve_DeterministicUnderReordering(t *testing.T) {
	// GIVEN: the wrong and the right base occurrence inserted in either order,
	//        then the wrong one removed
	// THEN: the outcome equals a catalog that only ever had the right one

	build := func(t *testing.T, order []string, remove string) refdate.ResolutionResult {
		f := newFixture(t)
		ev := f.budgetEvent(t, "Asunción", "2026-08-14")
		byDate := map[string]refdate.Occurrence{}
		for _, ds := range order {
			byDate[ds] = f.occurrence(t, ev.ID, ds, refdate.Scope{})
		}
		if remove != "" {
			require.NoError(t, f.catalog.RemoveOccurrence(f.ctx, byDate[remove].ID))
		}
		res := f.resolve(t, "2026-08-14", "T001", refdate.ChannelAny)
		res.OccurrenceID = 0
		return res
	}

	clean := build(t, []string{"2025-08-15"}, "")
	ab := build(t, []string{"2025-08-16", "2025-08-15"}, "2025-08-16")
	ba := build(t, []string{"2025-08-15", "2025-08-16"}, "2025-08-16")

	assert.Equal(t, clean, ab)
	assert.Equal(t, clean, ba)
	assert.Equal(t, d("2025-08-15"), clean.AdjustedReferenceDate)
}
