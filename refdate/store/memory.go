// Package store provides in-memory implementations of the refdate stores.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kpiportal/refdate-engine/refdate"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements CatalogStore, GroupDirectory, AliasStore, SalesFacts and
// SettingsStore.
type Memory struct {
	mu sync.RWMutex
	st *memState
}

type memState struct {
	events      map[refdate.EventID]refdate.Event
	occurrences map[refdate.OccurrenceID]refdate.Occurrence
	unique      map[refdate.OccurrenceKey]refdate.OccurrenceID
	nextEvent   refdate.EventID
	nextOcc     refdate.OccurrenceID

	groups   map[refdate.GroupID]refdate.StoreGroup
	members  map[refdate.StoreGroupMember]bool
	stores   map[string]bool
	sales    []refdate.SalesFact
	settings map[string]string

	aliases   map[refdate.AliasID]refdate.StoreAlias
	nextAlias refdate.AliasID
}

func NewMemory() *Memory {
	return &Memory{st: &memState{
		events:      make(map[refdate.EventID]refdate.Event),
		occurrences: make(map[refdate.OccurrenceID]refdate.Occurrence),
		unique:      make(map[refdate.OccurrenceKey]refdate.OccurrenceID),
		groups:      make(map[refdate.GroupID]refdate.StoreGroup),
		members:     make(map[refdate.StoreGroupMember]bool),
		stores:      make(map[string]bool),
		settings:    make(map[string]string),
		aliases:     make(map[refdate.AliasID]refdate.StoreAlias),
	}}
}

// =============================================================================
// CATALOG (locking wrappers)
// =============================================================================

func (m *Memory) GetEvent(ctx context.Context, id refdate.EventID) (refdate.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetEvent(ctx, id)
}

func (m *Memory) ListEvents(ctx context.Context) ([]refdate.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListEvents(ctx)
}

func (m *Memory) GetOccurrence(ctx context.Context, id refdate.OccurrenceID) (refdate.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetOccurrence(ctx, id)
}

func (m *Memory) ListOccurrences(ctx context.Context, eventID refdate.EventID) ([]refdate.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListOccurrences(ctx, eventID)
}

func (m *Memory) OccurrencesBetween(ctx context.Context, from, to refdate.Date) ([]refdate.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.OccurrencesBetween(ctx, from, to)
}

func (m *Memory) InsertEvent(ctx context.Context, e refdate.Event) (refdate.EventID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertEvent(ctx, e)
}

func (m *Memory) UpdateEvent(ctx context.Context, e refdate.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateEvent(ctx, e)
}

func (m *Memory) DeleteEvent(ctx context.Context, id refdate.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteEvent(ctx, id)
}

func (m *Memory) InsertOccurrence(ctx context.Context, o refdate.Occurrence) (refdate.OccurrenceID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertOccurrence(ctx, o)
}

func (m *Memory) DeleteOccurrence(ctx context.Context, id refdate.OccurrenceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteOccurrence(ctx, id)
}

func (m *Memory) CountOccurrences(ctx context.Context, eventID refdate.EventID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.CountOccurrences(ctx, eventID)
}

func (m *Memory) MaxSortOrder(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.MaxSortOrder(ctx)
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// fn receives the unlocked state; it must not call back into m.
func (m *Memory) WithTx(ctx context.Context, fn func(refdate.CatalogWriter) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = saved
		return err
	}
	return nil
}

// Snapshot reads events and occurrences under one read lock.
func (m *Memory) Snapshot(ctx context.Context, from, to refdate.Date) (*refdate.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events, _ := m.st.ListEvents(ctx)
	occs, _ := m.st.OccurrencesBetween(ctx, from, to)
	return refdate.NewSnapshot(refdate.Period{Start: from, End: to}, events, occs), nil
}

// =============================================================================
// GROUPS, SALES, SETTINGS
// =============================================================================

// SaveGroup inserts or replaces a group header.
func (m *Memory) SaveGroup(_ context.Context, g refdate.StoreGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.groups[g.ID] = g
	return nil
}

// AddMember links a (normalized) store code to a group.
func (m *Memory) AddMember(_ context.Context, groupID refdate.GroupID, storeCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.groups[groupID]; !ok {
		return refdate.ErrGroupNotFound
	}
	code := refdate.NormalizeStoreCode(storeCode)
	m.st.members[refdate.StoreGroupMember{GroupID: groupID, StoreCode: code}] = true
	m.st.stores[code] = true
	return nil
}

// SaveStore registers a store code.
func (m *Memory) SaveStore(_ context.Context, storeCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.stores[refdate.NormalizeStoreCode(storeCode)] = true
	return nil
}

func (m *Memory) ListGroups(_ context.Context) ([]refdate.StoreGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]refdate.StoreGroup, 0, len(m.st.groups))
	for _, g := range m.st.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListMembers(_ context.Context) ([]refdate.StoreGroupMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]refdate.StoreGroupMember, 0, len(m.st.members))
	for mem := range m.st.members {
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].StoreCode < out[j].StoreCode
	})
	return out, nil
}

func (m *Memory) ListStores(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.st.stores))
	for code := range m.st.stores {
		out = append(out, code)
	}
	sort.Strings(out)
	return out, nil
}

// =============================================================================
// STORE ALIASES
// =============================================================================

func (m *Memory) ListAliases(_ context.Context) ([]refdate.StoreAlias, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]refdate.StoreAlias, 0, len(m.st.aliases))
	for _, a := range m.st.aliases {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) InsertAlias(_ context.Context, a refdate.StoreAlias) (refdate.AliasID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a = a.Normalize()
	if m.st.aliasTaken(a, 0) {
		return 0, refdate.ErrDuplicateAlias
	}
	m.st.nextAlias++
	a.ID = m.st.nextAlias
	m.st.aliases[a.ID] = a
	return a.ID, nil
}

func (m *Memory) UpdateAlias(_ context.Context, a refdate.StoreAlias) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.aliases[a.ID]; !ok {
		return refdate.ErrAliasNotFound
	}
	a = a.Normalize()
	if m.st.aliasTaken(a, a.ID) {
		return refdate.ErrDuplicateAlias
	}
	m.st.aliases[a.ID] = a
	return nil
}

func (m *Memory) DeleteAlias(_ context.Context, id refdate.AliasID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.aliases[id]; !ok {
		return refdate.ErrAliasNotFound
	}
	delete(m.st.aliases, id)
	return nil
}

// aliasTaken reports whether another row already uses a's (source, key).
func (s *memState) aliasTaken(a refdate.StoreAlias, self refdate.AliasID) bool {
	key := refdate.AliasKey(a.Alias)
	for id, other := range s.aliases {
		if id != self && other.Source == a.Source && refdate.AliasKey(other.Alias) == key {
			return true
		}
	}
	return false
}

// AddSales appends sales facts, normalizing store codes.
func (m *Memory) AddSales(_ context.Context, facts []refdate.SalesFact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range facts {
		f.StoreCode = refdate.NormalizeStoreCode(f.StoreCode)
		m.st.sales = append(m.st.sales, f)
		m.st.stores[f.StoreCode] = true
	}
	return nil
}

func (m *Memory) SalesBetween(_ context.Context, storeCode string, channel refdate.Channel, from, to refdate.Date) ([]refdate.SalesFact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	code := refdate.NormalizeStoreCode(storeCode)
	rng := refdate.Period{Start: from, End: to}
	var out []refdate.SalesFact
	for _, f := range m.st.sales {
		if f.StoreCode != code || !rng.Contains(f.Date) {
			continue
		}
		if channel != refdate.ChannelAny && f.Channel != channel {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (m *Memory) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.st.settings[key]
	return v, ok, nil
}

func (m *Memory) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.settings[key] = value
	return nil
}

// =============================================================================
// UNLOCKED STATE - also the transactional view handed to WithTx
// =============================================================================

func (s *memState) GetEvent(_ context.Context, id refdate.EventID) (refdate.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return refdate.Event{}, refdate.ErrEventNotFound
	}
	return e, nil
}

func (s *memState) ListEvents(_ context.Context) ([]refdate.Event, error) {
	out := make([]refdate.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memState) GetOccurrence(_ context.Context, id refdate.OccurrenceID) (refdate.Occurrence, error) {
	o, ok := s.occurrences[id]
	if !ok {
		return refdate.Occurrence{}, refdate.ErrOccurrenceNotFound
	}
	return o, nil
}

func (s *memState) ListOccurrences(_ context.Context, eventID refdate.EventID) ([]refdate.Occurrence, error) {
	var out []refdate.Occurrence
	for _, o := range s.occurrences {
		if o.EventID == eventID {
			out = append(out, o)
		}
	}
	sortOccurrences(out)
	return out, nil
}

func (s *memState) OccurrencesBetween(_ context.Context, from, to refdate.Date) ([]refdate.Occurrence, error) {
	rng := refdate.Period{Start: from, End: to}
	var out []refdate.Occurrence
	for _, o := range s.occurrences {
		if rng.Contains(o.EffectiveDate) {
			out = append(out, o)
		}
	}
	sortOccurrences(out)
	return out, nil
}

func (s *memState) InsertEvent(_ context.Context, e refdate.Event) (refdate.EventID, error) {
	s.nextEvent++
	e.ID = s.nextEvent
	s.events[e.ID] = e
	return e.ID, nil
}

func (s *memState) UpdateEvent(_ context.Context, e refdate.Event) error {
	if _, ok := s.events[e.ID]; !ok {
		return refdate.ErrEventNotFound
	}
	s.events[e.ID] = e
	return nil
}

func (s *memState) DeleteEvent(_ context.Context, id refdate.EventID) error {
	if _, ok := s.events[id]; !ok {
		return refdate.ErrEventNotFound
	}
	delete(s.events, id)
	return nil
}

func (s *memState) InsertOccurrence(_ context.Context, o refdate.Occurrence) (refdate.OccurrenceID, error) {
	if _, ok := s.events[o.EventID]; !ok {
		return 0, refdate.ErrEventNotFound
	}
	if existing, dup := s.unique[o.Key()]; dup {
		return 0, &refdate.DuplicateOccurrenceError{Key: o.Key(), ExistingID: existing}
	}
	s.nextOcc++
	o.ID = s.nextOcc
	s.occurrences[o.ID] = o
	s.unique[o.Key()] = o.ID
	return o.ID, nil
}

func (s *memState) DeleteOccurrence(_ context.Context, id refdate.OccurrenceID) error {
	o, ok := s.occurrences[id]
	if !ok {
		return refdate.ErrOccurrenceNotFound
	}
	delete(s.occurrences, id)
	delete(s.unique, o.Key())
	return nil
}

func (s *memState) CountOccurrences(_ context.Context, eventID refdate.EventID) (int, error) {
	n := 0
	for _, o := range s.occurrences {
		if o.EventID == eventID {
			n++
		}
	}
	return n, nil
}

func (s *memState) MaxSortOrder(_ context.Context) (int, error) {
	last := 0
	for _, e := range s.events {
		if e.SortOrder > last {
			last = e.SortOrder
		}
	}
	return last, nil
}

func (s *memState) clone() *memState {
	c := &memState{
		events:      make(map[refdate.EventID]refdate.Event, len(s.events)),
		occurrences: make(map[refdate.OccurrenceID]refdate.Occurrence, len(s.occurrences)),
		unique:      make(map[refdate.OccurrenceKey]refdate.OccurrenceID, len(s.unique)),
		nextEvent:   s.nextEvent,
		nextOcc:     s.nextOcc,
		groups:      s.groups,
		members:     s.members,
		stores:      s.stores,
		sales:       s.sales,
		settings:    s.settings,
		aliases:     s.aliases,
		nextAlias:   s.nextAlias,
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.occurrences {
		c.occurrences[k] = v
	}
	for k, v := range s.unique {
		c.unique[k] = v
	}
	return c
}

func sortOccurrences(occs []refdate.Occurrence) {
	sort.Slice(occs, func(i, j int) bool {
		a, b := occs[i], occs[j]
		if a.EffectiveDate != b.EffectiveDate {
			return a.EffectiveDate.Before(b.EffectiveDate)
		}
		return a.ID < b.ID
	})
}
