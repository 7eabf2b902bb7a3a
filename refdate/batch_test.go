package refdate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpiportal/refdate-engine/refdate"
)

func TestResolveBatch_ConflictIsReportedPerTuple(t *testing.T) {
	// GIVEN: two budget events tie on 2026-03-14
	// WHEN: resolving March 13..15 for one store
	// THEN: the tie is a per-tuple error and the other days still resolve

	f := newFixture(t)
	f.budgetEvent(t, "Aniversario", "2025-03-15", "2026-03-14")
	f.budgetEvent(t, "Promo Marzo", "2025-03-14", "2026-03-14")

	res, err := f.resolver.ResolveBatch(f.ctx, refdate.BatchRequest{
		TargetYear: 2026,
		Scopes: []refdate.Query{
			{Date: d("2026-03-13"), StoreCode: "T001"},
			{Date: d("2026-03-14"), StoreCode: "T001"},
			{Date: d("2026-03-15"), StoreCode: "T001"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, res.BaseOffsetYears)
	require.Len(t, res.Results, 2)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, refdate.KindPrecedenceConflict, res.Errors[0].Kind)
	assert.Equal(t, d("2026-03-14"), res.Errors[0].Scope.Date)

	var pc *refdate.PrecedenceConflictError
	require.ErrorAs(t, res.Errors[0].Err, &pc)
	assert.Len(t, pc.Occurrences, 2)
}

func TestResolveBatch_KeepsPartitionOrder(t *testing.T) {
	f := newFixture(t)
	scopes := []refdate.Query{
		{Date: d("2026-05-01"), StoreCode: "T002", Channel: refdate.ChannelSalon},
		{Date: d("2026-05-01"), StoreCode: "T001"},
		{Date: d("2026-05-02"), StoreCode: "T002", Channel: refdate.ChannelSalon},
		{Date: d("2025-05-02"), StoreCode: "T001"},
		{Date: d("2026-05-02"), StoreCode: "T001"},
	}

	res, err := f.resolver.ResolveBatch(f.ctx, refdate.BatchRequest{TargetYear: 2026, Scopes: scopes})

	require.NoError(t, err)
	require.Len(t, res.Results, 4)
	assert.Equal(t, "T002", res.Results[0].StoreCode)
	assert.Equal(t, "T002", res.Results[1].StoreCode)
	assert.Equal(t, d("2026-05-02"), res.Results[1].TargetDate)
	assert.Equal(t, "T001", res.Results[2].StoreCode)
	assert.Equal(t, d("2026-05-02"), res.Results[3].TargetDate)

	require.Len(t, res.Errors, 1)
	assert.Equal(t, refdate.KindInvalidInput, res.Errors[0].Kind)
	assert.ErrorIs(t, res.Errors[0].Err, refdate.ErrDateOutsideYear)
}

func TestResolveBatch_ScopeErrors(t *testing.T) {
	f := newFixture(t)

	res, err := f.resolver.ResolveBatch(f.ctx, refdate.BatchRequest{
		TargetYear: 2026,
		Scopes:     []refdate.Query{{Date: d("2026-01-05"), StoreCode: "X999"}},
	})

	require.NoError(t, err)
	assert.Empty(t, res.Results)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, refdate.KindScopeResolution, res.Errors[0].Kind)
}

func TestResolveBatch_InvalidOffset(t *testing.T) {
	f := newFixture(t)

	_, err := f.resolver.ResolveBatch(f.ctx, refdate.BatchRequest{TargetYear: 2026, BaseOffsetYears: -1})

	assert.ErrorIs(t, err, refdate.ErrInvalidOffset)
}

func TestResolveBatch_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()

	res, err := f.resolver.ResolveBatch(ctx, refdate.BatchRequest{
		TargetYear: 2026,
		Scopes:     refdate.FullYearScopes(2026, []string{"T001"}, []refdate.Channel{refdate.ChannelAny}),
	})

	assert.ErrorIs(t, err, context.Canceled)
	if res != nil {
		assert.Less(t, len(res.Results), 365)
	}
}

func TestFullYearScopes(t *testing.T) {
	scopes := refdate.FullYearScopes(2024, []string{"T001", "T002"}, refdate.Channels)

	assert.Len(t, scopes, 366*2*len(refdate.Channels))
	assert.Equal(t, d("2024-01-01"), scopes[0].Date)
	assert.Equal(t, "T001", scopes[0].StoreCode)
}

func TestResolveAll_MatchesSingleResolve(t *testing.T) {
	// Every batch result equals the single-tuple answer for the same query.
	f := newFixture(t)
	f.budgetEvent(t, "Asunción", "2025-08-15", "2026-08-14")
	f.budgetEvent(t, "Día del Padre", "2025-06-15", "2026-06-21")

	scopes := refdate.FullYearScopes(2026, []string{"T001", "T003"}, []refdate.Channel{refdate.ChannelAny})
	res, err := f.resolver.ResolveBatch(f.ctx, refdate.BatchRequest{TargetYear: 2026, Scopes: scopes})

	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Len(t, res.Results, len(scopes))
	for i, r := range res.Results {
		single, err := f.resolver.Resolve(f.ctx, scopes[i], 1)
		require.NoError(t, err)
		require.Equal(t, single, r, scopes[i].String())
	}
}
