package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpiportal/refdate-engine/refdate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustDate(s string) refdate.Date { return refdate.MustParseDate(s) }

// =============================================================================
// CATALOG
// =============================================================================

func TestEventRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.InsertEvent(ctx, refdate.Event{Name: "Asunción", IsHoliday: true, UseInBudget: true, SortOrder: 3})
	require.NoError(t, err)

	got, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Asunción", got.Name)
	assert.True(t, got.IsHoliday)
	assert.True(t, got.UseInBudget)
	assert.False(t, got.IsInternal)

	maxSort, err := s.MaxSortOrder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, maxSort)

	_, err = s.GetEvent(ctx, id+1)
	assert.ErrorIs(t, err, refdate.ErrEventNotFound)
	assert.ErrorIs(t, s.UpdateEvent(ctx, refdate.Event{ID: id + 1, Name: "x"}), refdate.ErrEventNotFound)
}

func TestInsertOccurrence_Uniqueness(t *testing.T) {
	// GIVEN: an unscoped occurrence on 2026-08-14
	// WHEN: inserting the same key again, then a scoped one on the same date
	// THEN: the repeat is a DuplicateOccurrenceError naming the first row; the scoped one is accepted

	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveGroup(ctx, refdate.StoreGroup{ID: 10, IsPublished: true}))
	ev, err := s.InsertEvent(ctx, refdate.Event{Name: "Asunción"})
	require.NoError(t, err)

	nominal := mustDate("2026-08-15")
	first, err := s.InsertOccurrence(ctx, refdate.Occurrence{
		EventID: ev, EffectiveDate: mustDate("2026-08-14"), NominalDate: &nominal,
		ModifiedBy: "ops", ModifiedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)

	_, err = s.InsertOccurrence(ctx, refdate.Occurrence{EventID: ev, EffectiveDate: mustDate("2026-08-14")})
	var dup *refdate.DuplicateOccurrenceError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first, dup.ExistingID)

	_, err = s.InsertOccurrence(ctx, refdate.Occurrence{
		EventID: ev, EffectiveDate: mustDate("2026-08-14"),
		Scope: refdate.Scope{Channel: refdate.ChannelSalon, Group: 10},
	})
	require.NoError(t, err)

	got, err := s.GetOccurrence(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, nominal, *got.NominalDate)
	assert.Equal(t, "ops", got.ModifiedBy)
	assert.Equal(t, refdate.Scope{}, got.Scope)

	_, err = s.InsertOccurrence(ctx, refdate.Occurrence{EventID: ev + 100, EffectiveDate: mustDate("2026-08-14")})
	assert.ErrorIs(t, err, refdate.ErrEventNotFound)
}

func TestDeleteEvent_BlockedByOccurrences(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ev, _ := s.InsertEvent(ctx, refdate.Event{Name: "Feria"})
	occ, err := s.InsertOccurrence(ctx, refdate.Occurrence{EventID: ev, EffectiveDate: mustDate("2025-06-01")})
	require.NoError(t, err)

	var inUse *refdate.EventInUseError
	require.ErrorAs(t, s.DeleteEvent(ctx, ev), &inUse)
	assert.Equal(t, 1, inUse.Occurrences)

	require.NoError(t, s.DeleteOccurrence(ctx, occ))
	assert.ErrorIs(t, s.DeleteOccurrence(ctx, occ), refdate.ErrOccurrenceNotFound)
	require.NoError(t, s.DeleteEvent(ctx, ev))
}

func TestWithTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(w refdate.CatalogWriter) error {
		if _, err := w.InsertEvent(ctx, refdate.Event{Name: "Temporal"}); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	events, err := s.ListEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, s.WithTx(ctx, func(w refdate.CatalogWriter) error {
		_, err := w.InsertEvent(ctx, refdate.Event{Name: "Permanente"})
		return err
	}))
	events, _ = s.ListEvents(ctx)
	assert.Len(t, events, 1)
}

func TestSnapshot_LoadsRangeOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ev, _ := s.InsertEvent(ctx, refdate.Event{Name: "Asunción", UseInBudget: true})
	for _, ds := range []string{"2023-08-15", "2025-08-15", "2026-08-14"} {
		_, err := s.InsertOccurrence(ctx, refdate.Occurrence{EventID: ev, EffectiveDate: mustDate(ds)})
		require.NoError(t, err)
	}

	from, to := refdate.StartOfYear(2025), refdate.EndOfYear(2026)
	snap, err := s.Snapshot(ctx, from, to)
	require.NoError(t, err)

	occs, err := s.OccurrencesBetween(ctx, from, to)
	require.NoError(t, err)
	assert.Len(t, occs, 2)
	assert.NotNil(t, snap)

	e, ok := snap.Event(ev)
	assert.True(t, ok)
	assert.Equal(t, "Asunción", e.Name)
}

func TestCorrectionsUnderConcurrentResolve(t *testing.T) {
	// GIVEN: a file-backed catalog mapping 2026-08-14 to 2025-08-16
	// WHEN: a reader resolves in a loop while corrections flip the mapping
	// THEN: each read sees the old or the new mapping, never neither

	ctx := context.Background()
	s, err := New(filepath.Join(t.TempDir(), "refdate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SaveStore(ctx, "T001", "Zona 10"))

	groups := refdate.NewCachedValue(time.Minute, func(ctx context.Context) (*refdate.GroupIndex, error) {
		return refdate.LoadGroupIndex(ctx, s)
	}, nil)
	catalog := refdate.NewCatalog(s, groups)
	resolver := refdate.NewResolver(s, groups, 2)

	ev, err := catalog.CreateEvent(ctx, refdate.Event{Name: "Asunción", UseInBudget: true})
	require.NoError(t, err)
	_, err = catalog.AddOccurrence(ctx, refdate.NewOccurrence{EventID: ev.ID, EffectiveDate: mustDate("2026-08-14")}, "test")
	require.NoError(t, err)
	current, err := catalog.AddOccurrence(ctx, refdate.NewOccurrence{EventID: ev.ID, EffectiveDate: mustDate("2025-08-16")}, "test")
	require.NoError(t, err)

	mappings := [2]refdate.Date{mustDate("2025-08-16"), mustDate("2025-08-15")}
	query := refdate.Query{Date: mustDate("2026-08-14"), StoreCode: "T001"}

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
			res, err := resolver.Resolve(ctx, query, 1)
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
		added, err := catalog.ApplyCorrection(ctx, refdate.Correction{
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
// GROUP DIRECTORY
// =============================================================================

func TestGroupDirectory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveGroup(ctx, refdate.StoreGroup{ID: 10, Description: "Metro"}))
	require.NoError(t, s.SaveGroup(ctx, refdate.StoreGroup{ID: 10, Description: "Metro", IsPublished: true}))
	require.NoError(t, s.AddMember(ctx, 10, " t001 "))
	require.NoError(t, s.AddMember(ctx, 10, "T001"))
	require.NoError(t, s.SaveStore(ctx, "t009", "Centro"))
	assert.ErrorIs(t, s.AddMember(ctx, 99, "T001"), refdate.ErrGroupNotFound)

	idx, err := refdate.LoadGroupIndex(ctx, s)
	require.NoError(t, err)
	members, err := idx.Expand(10)
	require.NoError(t, err)
	assert.Equal(t, []string{"T001"}, members)
	assert.True(t, idx.KnownStore("T009"))

	require.NoError(t, s.RemoveMember(ctx, 10, "T001"))
	require.NoError(t, s.DeleteGroup(ctx, 10))
	assert.ErrorIs(t, s.DeleteGroup(ctx, 10), refdate.ErrGroupNotFound)
}

func TestStoreAliases(t *testing.T) {
	// GIVEN: "Zona 10" registered for accounting and "Antigua" for every source
	// WHEN: loading the group index
	// THEN: alias lookups prefer the source-specific row and duplicates are refused

	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveStore(ctx, "T001", "Zona 10"))

	id, err := s.InsertAlias(ctx, refdate.StoreAlias{Source: "conta", Alias: " Zona 10 ", StoreCode: "t001"})
	require.NoError(t, err)
	_, err = s.InsertAlias(ctx, refdate.StoreAlias{Alias: "Antigua", StoreCode: "T003"})
	require.NoError(t, err)
	_, err = s.InsertAlias(ctx, refdate.StoreAlias{Source: "CONTA", Alias: "zona 10", StoreCode: "T002"})
	assert.ErrorIs(t, err, refdate.ErrDuplicateAlias)

	aliases, err := s.ListAliases(ctx)
	require.NoError(t, err)
	require.Len(t, aliases, 2)
	assert.Equal(t, refdate.StoreAlias{ID: id, Source: "CONTA", Alias: "Zona 10", StoreCode: "T001"}, aliases[0])

	idx, err := refdate.LoadGroupIndex(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "T001", idx.CanonicalStore("ZONA 10", "Conta"))
	assert.Equal(t, "ZONA 10", idx.CanonicalStore("ZONA 10", ""))
	assert.Equal(t, "T003", idx.CanonicalStore("antigua", "QUEJAS"))

	require.NoError(t, s.UpdateAlias(ctx, refdate.StoreAlias{ID: id, Alias: "Zona 10", StoreCode: "T001"}))
	assert.ErrorIs(t, s.UpdateAlias(ctx, refdate.StoreAlias{ID: id + 100, Alias: "x", StoreCode: "T001"}), refdate.ErrAliasNotFound)
	require.NoError(t, s.DeleteAlias(ctx, id))
	assert.ErrorIs(t, s.DeleteAlias(ctx, id), refdate.ErrAliasNotFound)
}

// =============================================================================
// SALES, SETTINGS, RUNS
// =============================================================================

func TestUpsertSales(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertSales(ctx, []refdate.SalesFact{
		{Date: mustDate("2025-08-15"), StoreCode: "t001", Channel: refdate.ChannelSalon, NetSales: decimal.RequireFromString("100.50")},
		{Date: mustDate("2025-08-15"), StoreCode: "T001", Channel: refdate.ChannelLlevar, NetSales: decimal.NewFromInt(40)},
		{Date: mustDate("2025-09-01"), StoreCode: "T001", Channel: refdate.ChannelSalon, NetSales: decimal.NewFromInt(7)},
	}))
	// Re-import replaces the row.
	require.NoError(t, s.UpsertSales(ctx, []refdate.SalesFact{
		{Date: mustDate("2025-08-15"), StoreCode: "T001", Channel: refdate.ChannelSalon, NetSales: decimal.NewFromInt(120)},
	}))

	aug := func(ch refdate.Channel) []refdate.SalesFact {
		facts, err := s.SalesBetween(ctx, "T001", ch, mustDate("2025-08-01"), mustDate("2025-08-31"))
		require.NoError(t, err)
		return facts
	}
	salon := aug(refdate.ChannelSalon)
	require.Len(t, salon, 1)
	assert.True(t, decimal.NewFromInt(120).Equal(salon[0].NetSales))
	assert.Len(t, aug(refdate.ChannelAny), 2)

	stores, err := s.ListStores(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"T001"}, stores)
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.GetSetting(ctx, refdate.BaseOffsetSetting)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetSetting(ctx, refdate.BaseOffsetSetting, "1"))
	require.NoError(t, s.SetSetting(ctx, refdate.BaseOffsetSetting, "2"))
	v, ok, err := s.GetSetting(ctx, refdate.BaseOffsetSetting)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestIntegrityRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	older := time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)

	require.NoError(t, s.SaveIntegrityRun(ctx, IntegrityRun{ID: "a", TargetYear: 2027, BaseYear: 2026, Status: "completed", CreatedAt: older}))
	require.NoError(t, s.SaveIntegrityRun(ctx, IntegrityRun{ID: "b", TargetYear: 2027, BaseYear: 2026, Status: "running", CreatedAt: newer, StartedAt: &newer}))
	require.NoError(t, s.SaveIntegrityRun(ctx, IntegrityRun{ID: "b", TargetYear: 2027, BaseYear: 2026, Status: "failed", Error: "db down", Conflicts: 2, CreatedAt: newer, StartedAt: &newer, CompletedAt: &newer}))

	runs, err := s.ListIntegrityRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ID)
	assert.Equal(t, "failed", runs[0].Status)
	assert.Equal(t, "db down", runs[0].Error)
	assert.Equal(t, 2, runs[0].Conflicts)
	require.NotNil(t, runs[0].CompletedAt)
	assert.Nil(t, runs[1].StartedAt)

	runs, err = s.ListIntegrityRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ev, _ := s.InsertEvent(ctx, refdate.Event{Name: "Feria"})
	_, _ = s.InsertOccurrence(ctx, refdate.Occurrence{EventID: ev, EffectiveDate: mustDate("2025-06-01")})
	require.NoError(t, s.SetSetting(ctx, "k", "v"))

	require.NoError(t, s.Reset(ctx))

	events, _ := s.ListEvents(ctx)
	assert.Empty(t, events)
	_, ok, _ := s.GetSetting(ctx, "k")
	assert.False(t, ok)
}
