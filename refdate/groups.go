package refdate

import (
	"context"
	"fmt"
	"sort"
)

// =============================================================================
// STORE GROUP RESOLVER
// =============================================================================

// GroupIndex is an immutable view of store groups and their members.
// Store codes are normalized on the way in; lookups normalize their input.
type GroupIndex struct {
	groups  map[GroupID]StoreGroup
	members map[GroupID]map[string]struct{}
	byStore map[string]map[GroupID]struct{}
	stores  map[string]struct{}
	aliases map[aliasKey]string
}

// NewGroupIndex builds an index from raw rows.
func NewGroupIndex(groups []StoreGroup, members []StoreGroupMember, stores []string) *GroupIndex {
	idx := &GroupIndex{
		groups:  make(map[GroupID]StoreGroup, len(groups)),
		members: make(map[GroupID]map[string]struct{}),
		byStore: make(map[string]map[GroupID]struct{}),
		stores:  make(map[string]struct{}, len(stores)),
	}
	for _, g := range groups {
		idx.groups[g.ID] = g
	}
	for _, code := range stores {
		if c := NormalizeStoreCode(code); c != "" {
			idx.stores[c] = struct{}{}
		}
	}
	for _, m := range members {
		code := NormalizeStoreCode(m.StoreCode)
		if code == "" {
			continue
		}
		idx.stores[code] = struct{}{}
		if _, ok := idx.groups[m.GroupID]; !ok {
			continue
		}
		if idx.members[m.GroupID] == nil {
			idx.members[m.GroupID] = make(map[string]struct{})
		}
		idx.members[m.GroupID][code] = struct{}{}
		if idx.byStore[code] == nil {
			idx.byStore[code] = make(map[GroupID]struct{})
		}
		idx.byStore[code][m.GroupID] = struct{}{}
	}
	return idx
}

// LoadGroupIndex reads the whole directory and indexes it.
func LoadGroupIndex(ctx context.Context, dir GroupDirectory) (*GroupIndex, error) {
	groups, err := dir.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list store groups: %w", err)
	}
	members, err := dir.ListMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list store group members: %w", err)
	}
	stores, err := dir.ListStores(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	aliases, err := dir.ListAliases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list store aliases: %w", err)
	}
	return NewGroupIndex(groups, members, stores).WithAliases(aliases), nil
}

// Group returns a group header (published or not).
func (idx *GroupIndex) Group(id GroupID) (StoreGroup, bool) {
	g, ok := idx.groups[id]
	return g, ok
}

// usable checks that a group can scope an occurrence.
func (idx *GroupIndex) usable(id GroupID) error {
	g, ok := idx.groups[id]
	if !ok {
		return &ScopeResolutionError{GroupID: id, Reason: "group does not exist"}
	}
	if !g.IsPublished {
		return &ScopeResolutionError{GroupID: id, Reason: "group is not published"}
	}
	if len(idx.members[id]) == 0 {
		return &ScopeResolutionError{GroupID: id, Reason: "group has no members"}
	}
	return nil
}

// Expand returns the sorted member store codes of a published group.
// Unknown, unpublished and empty groups fail with *ScopeResolutionError.
func (idx *GroupIndex) Expand(id GroupID) ([]string, error) {
	if err := idx.usable(id); err != nil {
		return nil, err
	}
	set := idx.members[id]
	out := make([]string, 0, len(set))
	for code := range set {
		out = append(out, code)
	}
	sort.Strings(out)
	return out, nil
}

// Contains reports whether storeCode belongs to a published, non-empty group.
// It runs once per scoped candidate, so it never materializes the member list.
func (idx *GroupIndex) Contains(id GroupID, storeCode string) (bool, error) {
	if err := idx.usable(id); err != nil {
		return false, err
	}
	_, ok := idx.members[id][NormalizeStoreCode(storeCode)]
	return ok, nil
}

// GroupsContaining returns the published groups the store belongs to, ascending.
func (idx *GroupIndex) GroupsContaining(storeCode string) []GroupID {
	var out []GroupID
	for id := range idx.byStore[NormalizeStoreCode(storeCode)] {
		if idx.groups[id].IsPublished {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KnownStore reports whether the code is registered or belongs to any group.
func (idx *GroupIndex) KnownStore(storeCode string) bool {
	_, ok := idx.stores[NormalizeStoreCode(storeCode)]
	return ok
}

// Stores returns every known store code, sorted.
func (idx *GroupIndex) Stores() []string {
	out := make([]string, 0, len(idx.stores))
	for code := range idx.stores {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
