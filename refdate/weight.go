package refdate

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AGGREGATION WEIGHT DERIVER
// =============================================================================

// WeightDeriver turns a reference date into the fraction of its enclosing
// period's sales that fell on that day. It only reads; budget arithmetic
// happens elsewhere.
type WeightDeriver struct {
	facts  SalesFacts
	period PeriodConfig
}

// NewWeightDeriver creates a deriver over the sales fact table.
func NewWeightDeriver(facts SalesFacts, period PeriodConfig) *WeightDeriver {
	return &WeightDeriver{facts: facts, period: period}
}

// Period returns the configured period type.
func (w *WeightDeriver) Period() PeriodConfig { return w.period }

// WeightOf returns sales(date) / sales(period containing date) for the store
// and channel. ChannelAny sums every channel. A period without sales fails
// with ErrNoSalesHistory.
func (w *WeightDeriver) WeightOf(ctx context.Context, ref Date, storeCode string, ch Channel) (decimal.Decimal, error) {
	t, err := w.totals(ctx, NormalizeStoreCode(storeCode), ch, w.period.PeriodFor(ref))
	if err != nil {
		return decimal.Zero, err
	}
	return t.weight(ref, storeCode, ch)
}

// DerivedWeight is the weight of one resolution result's adjusted date.
type DerivedWeight struct {
	Result ResolutionResult
	Period Period
	Weight decimal.Decimal
	Err    error // ErrNoSalesHistory when the period is empty
}

// Weights derives a weight for every result. Period totals are fetched once
// per (store, channel, period). Missing history is recorded per item; only
// store failures abort.
func (w *WeightDeriver) Weights(ctx context.Context, results []ResolutionResult) ([]DerivedWeight, error) {
	type memoKey struct {
		store   string
		channel Channel
		start   Date
	}
	memo := make(map[memoKey]*periodTotals)

	out := make([]DerivedWeight, 0, len(results))
	for _, r := range results {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		ref := r.AdjustedReferenceDate
		p := w.period.PeriodFor(ref)
		store := NormalizeStoreCode(r.StoreCode)

		k := memoKey{store: store, channel: r.Channel, start: p.Start}
		t, ok := memo[k]
		if !ok {
			var err error
			t, err = w.totals(ctx, store, r.Channel, p)
			if err != nil {
				return out, err
			}
			memo[k] = t
		}

		dw := DerivedWeight{Result: r, Period: p}
		dw.Weight, dw.Err = t.weight(ref, store, r.Channel)
		out = append(out, dw)
	}
	return out, nil
}

type periodTotals struct {
	period Period
	daily  map[Date]decimal.Decimal
	total  decimal.Decimal
}

func (w *WeightDeriver) totals(ctx context.Context, store string, ch Channel, p Period) (*periodTotals, error) {
	facts, err := w.facts.SalesBetween(ctx, store, ch, p.Start, p.End)
	if err != nil {
		return nil, fmt.Errorf("load sales %s %s: %w", store, p, err)
	}
	t := &periodTotals{period: p, daily: make(map[Date]decimal.Decimal), total: decimal.Zero}
	for _, f := range facts {
		if !p.Contains(f.Date) {
			continue
		}
		t.daily[f.Date] = t.daily[f.Date].Add(f.NetSales)
		t.total = t.total.Add(f.NetSales)
	}
	return t, nil
}

func (t *periodTotals) weight(ref Date, store string, ch Channel) (decimal.Decimal, error) {
	if t.total.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: store %s channel %q period %s",
			ErrNoSalesHistory, NormalizeStoreCode(store), ch, t.period)
	}
	return t.daily[ref].Div(t.total), nil
}

// IsNoSalesHistory reports whether a weight failed only for lack of data.
func IsNoSalesHistory(err error) bool { return errors.Is(err, ErrNoSalesHistory) }
