package refdate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kpiportal/refdate-engine/refdate"
	"github.com/kpiportal/refdate-engine/refdate/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var d = refdate.MustParseDate

func datePtr(s string) *refdate.Date {
	v := refdate.MustParseDate(s)
	return &v
}

// fixture is a memory-backed catalog with three stores:
//
//	group 10 "Metro"  published  T001, T002
//	group 20 "Draft"  draft      T003
//	group 30 "Empty"  published  (no members)
type fixture struct {
	ctx      context.Context
	mem      *store.Memory
	groups   *refdate.CachedValue[*refdate.GroupIndex]
	catalog  *refdate.Catalog
	resolver *refdate.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	for _, code := range []string{"T001", "T002", "T003"} {
		require.NoError(t, mem.SaveStore(ctx, code))
	}
	require.NoError(t, mem.SaveGroup(ctx, refdate.StoreGroup{ID: 10, Description: "Metro", IsPublished: true}))
	require.NoError(t, mem.SaveGroup(ctx, refdate.StoreGroup{ID: 20, Description: "Draft"}))
	require.NoError(t, mem.SaveGroup(ctx, refdate.StoreGroup{ID: 30, Description: "Empty", IsPublished: true}))
	require.NoError(t, mem.AddMember(ctx, 10, "T001"))
	require.NoError(t, mem.AddMember(ctx, 10, "T002"))
	require.NoError(t, mem.AddMember(ctx, 20, "T003"))

	groups := refdate.NewCachedValue(time.Minute, func(ctx context.Context) (*refdate.GroupIndex, error) {
		return refdate.LoadGroupIndex(ctx, mem)
	}, nil)

	return &fixture{
		ctx:      ctx,
		mem:      mem,
		groups:   groups,
		catalog:  refdate.NewCatalog(mem, groups),
		resolver: refdate.NewResolver(mem, groups, 2),
	}
}

// budgetEvent creates a budget event with one unscoped occurrence per date.
func (f *fixture) budgetEvent(t *testing.T, name string, dates ...string) refdate.Event {
	t.Helper()
	e, err := f.catalog.CreateEvent(f.ctx, refdate.Event{Name: name, UseInBudget: true})
	require.NoError(t, err)
	for _, ds := range dates {
		f.occurrence(t, e.ID, ds, refdate.Scope{})
	}
	return e
}

func (f *fixture) occurrence(t *testing.T, id refdate.EventID, date string, scope refdate.Scope) refdate.Occurrence {
	t.Helper()
	o, err := f.catalog.AddOccurrence(f.ctx, refdate.NewOccurrence{EventID: id, EffectiveDate: d(date), Scope: scope}, "test")
	require.NoError(t, err)
	return o
}

func (f *fixture) resolve(t *testing.T, date, storeCode string, ch refdate.Channel) refdate.ResolutionResult {
	t.Helper()
	res, err := f.resolver.Resolve(f.ctx, refdate.Query{Date: d(date), StoreCode: storeCode, Channel: ch}, 1)
	require.NoError(t, err)
	return res
}

// testIndex mirrors the fixture's groups without a store.
func testIndex() *refdate.GroupIndex {
	return refdate.NewGroupIndex(
		[]refdate.StoreGroup{
			{ID: 10, Description: "Metro", IsPublished: true},
			{ID: 20, Description: "Draft"},
			{ID: 30, Description: "Empty", IsPublished: true},
		},
		[]refdate.StoreGroupMember{
			{GroupID: 10, StoreCode: "T001"},
			{GroupID: 10, StoreCode: "T002"},
			{GroupID: 20, StoreCode: "T003"},
		},
		[]string{"T001", "T002", "T003"},
	)
}

// snapshotOf indexes events and occurrences over 2024..2026.
func snapshotOf(events []refdate.Event, occs []refdate.Occurrence) *refdate.Snapshot {
	return refdate.NewSnapshot(refdate.Period{Start: refdate.StartOfYear(2024), End: refdate.EndOfYear(2026)}, events, occs)
}
