/*
store.go - Persistence interfaces for the catalog, groups and sales history

PURPOSE:
  Defines the boundary between resolution logic and the database. The
  resolver only ever reads through Snapshot(), which returns a consistent
  view: either everything a correcting transaction wrote, or none of it.

KEY INTERFACES:
  CatalogReader:  read events and occurrences
  CatalogWriter:  CatalogReader + inserts/updates/deletes
  CatalogStore:   CatalogWriter + WithTx + Snapshot
  GroupDirectory: store-group headers, memberships, the store registry
                  and store aliases
  SalesFacts:     historical daily net sales, keyed by (date, store, channel)

ATOMIC CORRECTIONS:
  WithTx runs fn in one exclusive transaction. If fn returns an error,
  every write fn made is rolled back and the error is returned unchanged.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - refdate/store/memory.go: in-memory for tests and tooling
*/
package refdate

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CATALOG
// =============================================================================

// CatalogReader reads events and occurrences.
type CatalogReader interface {
	// GetEvent returns ErrEventNotFound if the event does not exist.
	GetEvent(ctx context.Context, id EventID) (Event, error)

	// ListEvents returns events ordered by SortOrder, then ID.
	ListEvents(ctx context.Context) ([]Event, error)

	// GetOccurrence returns ErrOccurrenceNotFound if the row does not exist.
	GetOccurrence(ctx context.Context, id OccurrenceID) (Occurrence, error)

	// ListOccurrences returns an event's occurrences ordered by effective date.
	ListOccurrences(ctx context.Context, eventID EventID) ([]Occurrence, error)

	// OccurrencesBetween returns occurrences with EffectiveDate in [from, to].
	OccurrencesBetween(ctx context.Context, from, to Date) ([]Occurrence, error)
}

// CatalogWriter adds mutations. Implementations enforce occurrence uniqueness
// and return *DuplicateOccurrenceError on violation.
type CatalogWriter interface {
	CatalogReader

	InsertEvent(ctx context.Context, e Event) (EventID, error)
	UpdateEvent(ctx context.Context, e Event) error
	DeleteEvent(ctx context.Context, id EventID) error
	InsertOccurrence(ctx context.Context, o Occurrence) (OccurrenceID, error)
	DeleteOccurrence(ctx context.Context, id OccurrenceID) error
	CountOccurrences(ctx context.Context, eventID EventID) (int, error)
	MaxSortOrder(ctx context.Context) (int, error)
}

// CatalogStore is the full catalog persistence contract.
type CatalogStore interface {
	CatalogWriter

	// WithTx executes fn within one exclusive transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(CatalogWriter) error) error

	// Snapshot loads every event plus the occurrences with EffectiveDate in
	// [from, to] under a single consistent read.
	Snapshot(ctx context.Context, from, to Date) (*Snapshot, error)
}

// =============================================================================
// STORE GROUPS
// =============================================================================

// GroupDirectory is the read side of store-group membership, plus the
// alias table used to map source-system store names onto store codes.
type GroupDirectory interface {
	ListGroups(ctx context.Context) ([]StoreGroup, error)
	ListMembers(ctx context.Context) ([]StoreGroupMember, error)
	// ListStores returns the registry of known store codes.
	ListStores(ctx context.Context) ([]string, error)
	AliasDirectory
}

// =============================================================================
// SALES HISTORY
// =============================================================================

// SalesFact is one row of the historical daily sales fact table.
type SalesFact struct {
	Date      Date
	StoreCode string
	Channel   Channel
	NetSales  decimal.Decimal
}

// SalesFacts reads historical sales.
type SalesFacts interface {
	// SalesBetween returns facts for the store in [from, to]. ChannelAny
	// returns every channel.
	SalesBetween(ctx context.Context, storeCode string, channel Channel, from, to Date) ([]SalesFact, error)
}

// SettingsStore reads application settings (key/value).
type SettingsStore interface {
	// GetSetting returns ("", false, nil) when the key is unset.
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// BaseOffsetSetting is the app_settings key holding the active base offset.
const BaseOffsetSetting = "base_offset_years"

// BaseOffsetLoader reads the active base offset, falling back when unset.
// It is meant to be wrapped in a CachedValue.
func BaseOffsetLoader(settings SettingsStore, fallback int) func(ctx context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		v, ok, err := settings.GetSetting(ctx, BaseOffsetSetting)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", BaseOffsetSetting, err)
		}
		if !ok {
			return fallback, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			return 0, fmt.Errorf("%s=%q: %w", BaseOffsetSetting, v, ErrInvalidOffset)
		}
		return n, nil
	}
}
