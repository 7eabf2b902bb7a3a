/*
catalog.go - Administrative contract for events and occurrences

PURPOSE:
  The only way events and occurrences change. Every mutation runs inside
  CatalogStore.WithTx, so a failed call leaves the catalog exactly as it was.

OPERATIONS:
  CreateEvent / UpdateEvent / DeleteEvent / ReorderEvents
  AddOccurrence / RemoveOccurrence
  ApplyCorrection   remove + add in a single transaction
  ListConflicts     see conflicts.go
  Reconcile         see reconcile.go

CORRECTIONS:
  The usual repair is "drop the wrong mapping, insert the right pair":

    catalog.ApplyCorrection(ctx, Correction{
        Remove: []OccurrenceID{wrongID},
        Add: []NewOccurrence{
            {EventID: ev, EffectiveDate: MustParseDate("2025-08-15")},
            {EventID: ev, EffectiveDate: MustParseDate("2026-08-15")},
        },
        Actor: "ops@example.com",
    })

  Readers see the catalog before or after, never in between.
*/
package refdate

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Catalog is the administrative service over a CatalogStore.
type Catalog struct {
	store  CatalogStore
	groups GroupSource
	now    func() time.Time
}

// NewCatalog creates the service. groups validates occurrence scopes.
func NewCatalog(store CatalogStore, groups GroupSource) *Catalog {
	return &Catalog{store: store, groups: groups, now: time.Now}
}

// WithClock overrides the modification timestamp source.
func (c *Catalog) WithClock(now func() time.Time) *Catalog {
	c.now = now
	return c
}

// Store exposes the underlying store for read-only listing.
func (c *Catalog) Store() CatalogStore { return c.store }

// =============================================================================
// EVENTS
// =============================================================================

// CreateEvent inserts an event. A zero SortOrder appends it after the others.
func (c *Catalog) CreateEvent(ctx context.Context, e Event) (Event, error) {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return Event{}, fmt.Errorf("%w: name is required", ErrInvalidEvent)
	}
	err := c.store.WithTx(ctx, func(tx CatalogWriter) error {
		if e.SortOrder == 0 {
			last, err := tx.MaxSortOrder(ctx)
			if err != nil {
				return err
			}
			e.SortOrder = last + 1
		}
		id, err := tx.InsertEvent(ctx, e)
		if err != nil {
			return err
		}
		e.ID = id
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	return e, nil
}

// UpdateEvent changes an event's name and flags.
func (c *Catalog) UpdateEvent(ctx context.Context, e Event) error {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidEvent)
	}
	return c.store.WithTx(ctx, func(tx CatalogWriter) error {
		existing, err := tx.GetEvent(ctx, e.ID)
		if err != nil {
			return err
		}
		if e.SortOrder == 0 {
			e.SortOrder = existing.SortOrder
		}
		return tx.UpdateEvent(ctx, e)
	})
}

// DeleteEvent removes an event that has no occurrences left.
func (c *Catalog) DeleteEvent(ctx context.Context, id EventID) error {
	return c.store.WithTx(ctx, func(tx CatalogWriter) error {
		if _, err := tx.GetEvent(ctx, id); err != nil {
			return err
		}
		n, err := tx.CountOccurrences(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return &EventInUseError{EventID: id, Occurrences: n}
		}
		return tx.DeleteEvent(ctx, id)
	})
}

// SortEntry assigns a display position to an event.
type SortEntry struct {
	EventID   EventID
	SortOrder int
}

// ReorderEvents applies every new position atomically.
func (c *Catalog) ReorderEvents(ctx context.Context, entries []SortEntry) error {
	return c.store.WithTx(ctx, func(tx CatalogWriter) error {
		for _, en := range entries {
			e, err := tx.GetEvent(ctx, en.EventID)
			if err != nil {
				return err
			}
			e.SortOrder = en.SortOrder
			if err := tx.UpdateEvent(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListEvents returns all events in display order.
func (c *Catalog) ListEvents(ctx context.Context) ([]Event, error) {
	return c.store.ListEvents(ctx)
}

// =============================================================================
// OCCURRENCES
// =============================================================================

// AddOccurrence inserts one occurrence. Duplicates fail with
// *DuplicateOccurrenceError, unpublished or empty group scopes with
// *ScopeResolutionError.
func (c *Catalog) AddOccurrence(ctx context.Context, in NewOccurrence, actor string) (Occurrence, error) {
	idx, err := c.groupIndex(ctx)
	if err != nil {
		return Occurrence{}, err
	}
	var created Occurrence
	err = c.store.WithTx(ctx, func(tx CatalogWriter) error {
		o, err := c.addLocked(ctx, tx, idx, in, actor)
		created = o
		return err
	})
	return created, err
}

// RemoveOccurrence deletes one occurrence.
func (c *Catalog) RemoveOccurrence(ctx context.Context, id OccurrenceID) error {
	return c.store.WithTx(ctx, func(tx CatalogWriter) error {
		if _, err := tx.GetOccurrence(ctx, id); err != nil {
			return err
		}
		return tx.DeleteOccurrence(ctx, id)
	})
}

// Correction is an atomic delete-then-insert on the catalog.
type Correction struct {
	Remove []OccurrenceID
	Add    []NewOccurrence
	Actor  string
}

// ApplyCorrection runs the removals, then the insertions, in one transaction.
// On any failure nothing is changed.
func (c *Catalog) ApplyCorrection(ctx context.Context, corr Correction) ([]Occurrence, error) {
	idx, err := c.groupIndex(ctx)
	if err != nil {
		return nil, err
	}
	var added []Occurrence
	err = c.store.WithTx(ctx, func(tx CatalogWriter) error {
		for _, id := range corr.Remove {
			if _, err := tx.GetOccurrence(ctx, id); err != nil {
				return err
			}
			if err := tx.DeleteOccurrence(ctx, id); err != nil {
				return err
			}
		}
		for _, in := range corr.Add {
			o, err := c.addLocked(ctx, tx, idx, in, corr.Actor)
			if err != nil {
				return err
			}
			added = append(added, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// addLocked inserts through an open transaction. idx is loaded before the
// transaction starts; a nil idx skips group-scope validation.
func (c *Catalog) addLocked(ctx context.Context, tx CatalogWriter, idx *GroupIndex, in NewOccurrence, actor string) (Occurrence, error) {
	if in.EffectiveDate.IsZero() {
		return Occurrence{}, fmt.Errorf("%w: effective date is required", ErrInvalidDate)
	}
	if _, err := tx.GetEvent(ctx, in.EventID); err != nil {
		return Occurrence{}, err
	}
	if in.Scope.Group != 0 && idx != nil {
		if _, err := idx.Expand(in.Scope.Group); err != nil {
			return Occurrence{}, err
		}
	}
	o := Occurrence{
		EventID:       in.EventID,
		NominalDate:   in.NominalDate,
		EffectiveDate: in.EffectiveDate,
		Scope:         in.Scope,
		ModifiedBy:    actor,
		ModifiedAt:    c.now().UTC(),
	}
	id, err := tx.InsertOccurrence(ctx, o)
	if err != nil {
		return Occurrence{}, err
	}
	o.ID = id
	return o, nil
}

func (c *Catalog) groupIndex(ctx context.Context) (*GroupIndex, error) {
	if c.groups == nil {
		return nil, nil
	}
	idx, err := c.groups.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load store groups: %w", err)
	}
	return idx, nil
}
