package refdate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpiportal/refdate-engine/refdate"
)

func TestListConflicts_UnscopedTie(t *testing.T) {
	// GIVEN: two budget events with unscoped occurrences on 2026-03-14
	// WHEN: listing 2026 conflicts
	// THEN: one report naming both occurrences

	f := newFixture(t)
	a := f.budgetEvent(t, "Aniversario", "2025-03-15", "2026-03-14")
	b := f.budgetEvent(t, "Promo Marzo", "2025-03-14", "2026-03-14")

	conflicts, err := f.catalog.ListConflicts(f.ctx, 2026)

	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, d("2026-03-14"), c.Date)
	assert.Equal(t, refdate.ChannelAny, c.Channel)
	assert.Nil(t, c.Stores)
	assert.Equal(t, 0, c.Specificity)
	assert.ElementsMatch(t, []refdate.EventID{a.ID, b.ID}, c.EventIDs())

	// The base year has no tie.
	conflicts, err = f.catalog.ListConflicts(f.ctx, 2025)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestListConflicts_DominatedTierIsNotReported(t *testing.T) {
	// Two unscoped occurrences tie, but a (Salón, group 10) occurrence wins
	// for that slice. The unscoped tie still matters everywhere else.
	ev := func(id refdate.EventID) refdate.Event {
		return refdate.Event{ID: id, Name: string(rune('A' + id)), UseInBudget: true}
	}
	occs := []refdate.Occurrence{
		{ID: 1, EventID: 1, EffectiveDate: d("2026-05-10")},
		{ID: 2, EventID: 2, EffectiveDate: d("2026-05-10")},
		{ID: 3, EventID: 3, EffectiveDate: d("2026-05-10"), Scope: refdate.Scope{Channel: refdate.ChannelSalon, Group: 10}},
	}
	snap := snapshotOf([]refdate.Event{ev(1), ev(2), ev(3)}, occs)

	conflicts := refdate.FindConflicts(snap, testIndex(), 2026)

	require.Len(t, conflicts, 1)
	assert.Equal(t, 0, conflicts[0].Specificity)
	assert.Len(t, conflicts[0].Occurrences, 2)
}

func TestListConflicts_GroupScopedTieListsStores(t *testing.T) {
	events := []refdate.Event{{ID: 1, Name: "A", UseInBudget: true}, {ID: 2, Name: "B", UseInBudget: true}}
	occs := []refdate.Occurrence{
		{ID: 1, EventID: 1, EffectiveDate: d("2026-06-01"), Scope: refdate.Scope{Group: 10}},
		{ID: 2, EventID: 2, EffectiveDate: d("2026-06-01"), Scope: refdate.Scope{Channel: refdate.ChannelLlevar}},
	}

	conflicts := refdate.FindConflicts(snapshotOf(events, occs), testIndex(), 2026)

	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, refdate.ChannelLlevar, c.Channel)
	assert.Equal(t, 1, c.Specificity)
	assert.Equal(t, []string{"T001", "T002"}, c.Stores)
}

func TestListConflicts_IgnoresNonBudgetEvents(t *testing.T) {
	events := []refdate.Event{{ID: 1, Name: "A", UseInBudget: true}, {ID: 2, Name: "Inventario"}}
	occs := []refdate.Occurrence{
		{ID: 1, EventID: 1, EffectiveDate: d("2026-06-01")},
		{ID: 2, EventID: 2, EffectiveDate: d("2026-06-01")},
	}

	assert.Empty(t, refdate.FindConflicts(snapshotOf(events, occs), testIndex(), 2026))
}

func TestCheckIntegrity(t *testing.T) {
	// GIVEN: a clean holiday, a target-only event, a tie and a draft-group scope
	// THEN: each finding lands in its own list

	f := newFixture(t)
	f.catalog.WithClock(func() time.Time { return time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC) })
	f.budgetEvent(t, "Asunción", "2025-08-15", "2026-08-14")
	orphan := f.budgetEvent(t, "Inauguración", "2026-02-02")
	f.budgetEvent(t, "Aniversario", "2025-03-15", "2026-03-14")
	f.budgetEvent(t, "Promo Marzo", "2025-03-14", "2026-03-14")

	// Group 10 is unpublished after the occurrence was added.
	scoped, err := f.catalog.CreateEvent(f.ctx, refdate.Event{Name: "Feria Metro", UseInBudget: true})
	require.NoError(t, err)
	f.occurrence(t, scoped.ID, "2025-06-02", refdate.Scope{Group: 10})
	f.occurrence(t, scoped.ID, "2026-06-01", refdate.Scope{Group: 10})
	require.NoError(t, f.mem.SaveGroup(f.ctx, refdate.StoreGroup{ID: 10, Description: "Metro", IsPublished: false}))
	f.groups.Invalidate()

	report, err := f.catalog.CheckIntegrity(f.ctx, 2026, 1)

	require.NoError(t, err)
	assert.False(t, report.Clean())
	assert.Equal(t, 2025, report.BaseYear)
	assert.Equal(t, 2026, report.CheckedAt.Year())
	assert.Len(t, report.Conflicts, 1)
	require.Len(t, report.MissingCounterparts, 1)
	assert.Equal(t, orphan.ID, report.MissingCounterparts[0].Occurrence.EventID)
	assert.Equal(t, "Inauguración", report.MissingCounterparts[0].EventName)
	assert.Len(t, report.InvalidScopes, 2, "both years of the draft-scoped event")
}

func TestCheckIntegrity_Clean(t *testing.T) {
	f := newFixture(t)
	f.budgetEvent(t, "Asunción", "2025-08-15", "2026-08-14")

	report, err := f.catalog.CheckIntegrity(f.ctx, 2026, 0)

	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 2025, report.BaseYear)
}

func TestSummarizeMonthShifts(t *testing.T) {
	results := []refdate.ResolutionResult{
		{TargetDate: d("2026-03-01"), AdjustedReferenceDate: d("2025-02-28")},
		{TargetDate: d("2026-03-01"), AdjustedReferenceDate: d("2025-03-02")},
		{TargetDate: d("2026-05-31"), AdjustedReferenceDate: d("2025-06-01")},
		{TargetDate: d("2026-03-02"), AdjustedReferenceDate: d("2025-02-27")},
	}

	anomalies := refdate.MonthBoundaryAnomalies(results)
	assert.Len(t, anomalies, 3)

	shifts := refdate.SummarizeMonthShifts(results)
	assert.Equal(t, []refdate.MonthShift{
		{TargetMonth: time.March, BaseMonth: time.February, Count: 2},
		{TargetMonth: time.May, BaseMonth: time.June, Count: 1},
	}, shifts)
}
