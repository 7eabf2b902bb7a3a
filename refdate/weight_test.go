package refdate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpiportal/refdate-engine/refdate"
	"github.com/kpiportal/refdate-engine/refdate/store"
)

// augustSales loads August 2025 for T001: 1000 a day on Todos, 2000 on
// Fridays and Saturdays, plus 500 a day on Salón.
func augustSales(t *testing.T) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	var facts []refdate.SalesFact
	for _, day := range (refdate.Period{Start: d("2025-08-01"), End: d("2025-08-31")}).Days() {
		amount := decimal.NewFromInt(1000)
		if wd := day.Weekday(); wd == time.Friday || wd == time.Saturday {
			amount = decimal.NewFromInt(2000)
		}
		facts = append(facts,
			refdate.SalesFact{Date: day, StoreCode: "t001", Channel: refdate.ChannelTodos, NetSales: amount},
			refdate.SalesFact{Date: day, StoreCode: "T001", Channel: refdate.ChannelSalon, NetSales: decimal.NewFromInt(500)},
		)
	}
	require.NoError(t, mem.AddSales(context.Background(), facts))
	return mem
}

func TestWeightOf_Month(t *testing.T) {
	// GIVEN: August 2025 Todos total 41000 (ten Fridays/Saturdays at 2000)
	// WHEN: weighting Friday 2025-08-15
	// THEN: 2000 / 41000

	w := refdate.NewWeightDeriver(augustSales(t), refdate.PeriodConfig{Type: refdate.PeriodMonth})

	got, err := w.WeightOf(context.Background(), d("2025-08-15"), "T001", refdate.ChannelTodos)

	require.NoError(t, err)
	want := decimal.NewFromInt(2000).Div(decimal.NewFromInt(41000))
	assert.True(t, want.Equal(got), "want %s got %s", want, got)
}

func TestWeightOf_AnyChannelSumsChannels(t *testing.T) {
	w := refdate.NewWeightDeriver(augustSales(t), refdate.PeriodConfig{})

	got, err := w.WeightOf(context.Background(), d("2025-08-15"), "T001", refdate.ChannelAny)

	require.NoError(t, err)
	// (2000 + 500) / (41000 + 31*500)
	want := decimal.NewFromInt(2500).Div(decimal.NewFromInt(56500))
	assert.True(t, want.Equal(got), "want %s got %s", want, got)
}

func TestWeightOf_ISOWeek(t *testing.T) {
	w := refdate.NewWeightDeriver(augustSales(t), refdate.PeriodConfig{Type: refdate.PeriodWeek})

	got, err := w.WeightOf(context.Background(), d("2025-08-13"), "T001", refdate.ChannelTodos)

	require.NoError(t, err)
	// Mon..Sun 11-17: five days at 1000, Fri/Sat at 2000 = 9000
	want := decimal.NewFromInt(1000).Div(decimal.NewFromInt(9000))
	assert.True(t, want.Equal(got), "want %s got %s", want, got)
}

func TestWeightOf_NoHistory(t *testing.T) {
	w := refdate.NewWeightDeriver(augustSales(t), refdate.PeriodConfig{})

	_, err := w.WeightOf(context.Background(), d("2025-12-01"), "T001", refdate.ChannelTodos)
	assert.True(t, refdate.IsNoSalesHistory(err))

	_, err = w.WeightOf(context.Background(), d("2025-08-15"), "T999", refdate.ChannelTodos)
	assert.ErrorIs(t, err, refdate.ErrNoSalesHistory)
}

func TestWeights_PerItemErrors(t *testing.T) {
	w := refdate.NewWeightDeriver(augustSales(t), refdate.PeriodConfig{})
	results := []refdate.ResolutionResult{
		{TargetDate: d("2026-08-14"), StoreCode: "T001", Channel: refdate.ChannelTodos, AdjustedReferenceDate: d("2025-08-15")},
		{TargetDate: d("2026-12-01"), StoreCode: "T001", Channel: refdate.ChannelTodos, AdjustedReferenceDate: d("2025-12-02")},
		{TargetDate: d("2026-08-13"), StoreCode: "T001", Channel: refdate.ChannelTodos, AdjustedReferenceDate: d("2025-08-14")},
	}

	weights, err := w.Weights(context.Background(), results)

	require.NoError(t, err)
	require.Len(t, weights, 3)
	assert.NoError(t, weights[0].Err)
	assert.Equal(t, d("2025-08-01"), weights[0].Period.Start)
	assert.ErrorIs(t, weights[1].Err, refdate.ErrNoSalesHistory)
	assert.True(t, decimal.NewFromInt(1000).Div(decimal.NewFromInt(41000)).Equal(weights[2].Weight))
}

type countingFacts struct {
	refdate.SalesFacts
	calls int
	fail  error
}

func (c *countingFacts) SalesBetween(ctx context.Context, storeCode string, ch refdate.Channel, from, to refdate.Date) ([]refdate.SalesFact, error) {
	c.calls++
	if c.fail != nil {
		return nil, c.fail
	}
	return c.SalesFacts.SalesBetween(ctx, storeCode, ch, from, to)
}

func TestWeights_LoadsEachPeriodOnce(t *testing.T) {
	facts := &countingFacts{SalesFacts: augustSales(t)}
	w := refdate.NewWeightDeriver(facts, refdate.PeriodConfig{})

	var results []refdate.ResolutionResult
	for _, day := range (refdate.Period{Start: d("2025-08-01"), End: d("2025-08-31")}).Days() {
		results = append(results, refdate.ResolutionResult{StoreCode: "T001", Channel: refdate.ChannelTodos, AdjustedReferenceDate: day})
	}

	weights, err := w.Weights(context.Background(), results)

	require.NoError(t, err)
	assert.Equal(t, 1, facts.calls)
	sum := decimal.Zero
	for _, dw := range weights {
		sum = sum.Add(dw.Weight)
	}
	assert.True(t, sum.Sub(decimal.NewFromInt(1)).Abs().LessThan(decimal.New(1, -9)), "weights sum to %s", sum)
}

func TestWeights_StoreFailureAborts(t *testing.T) {
	facts := &countingFacts{SalesFacts: augustSales(t), fail: errors.New("db down")}
	w := refdate.NewWeightDeriver(facts, refdate.PeriodConfig{})

	_, err := w.Weights(context.Background(), []refdate.ResolutionResult{{StoreCode: "T001", AdjustedReferenceDate: d("2025-08-01")}})

	assert.Error(t, err)
	assert.False(t, refdate.IsNoSalesHistory(err))
}
