/*
errors.go - Centralized error types for the resolution engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Store implementations return these so callers can use errors.Is/As
  regardless of the backing database.

ERROR CATEGORIES:
  1. Resolution errors - per-tuple failures collected by ResolveBatch
     (ScopeResolutionError, PrecedenceConflictError)
  2. Catalog errors - administrative call rejected, catalog unchanged
     (DuplicateOccurrenceError, EventInUseError, not-found)
  3. Input errors - malformed dates, channels, offsets

NOTHING IS RETRIED:
  Conflicts need a human decision. They are surfaced, never auto-resolved.

SEE ALSO:
  - resolver.go: produces resolution errors
  - catalog.go: produces catalog errors
  - api/handlers.go: maps errors to HTTP status codes
*/
package refdate

import (
	"errors"
	"fmt"
	"strings"
)

// MissingCounterpartWarning is attached to a successful result whose matched
// occurrence has no sibling in the base year.
const MissingCounterpartWarning = "missing base-year counterpart"

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrScopeResolution is returned for an unknown store code or a store-group
	// scope that resolves to no members.
	ErrScopeResolution = errors.New("scope resolution failed")

	// ErrPrecedenceConflict is returned when two or more equally specific
	// occurrences apply to the same (date, channel, store).
	ErrPrecedenceConflict = errors.New("precedence conflict")

	// ErrDuplicateOccurrence is returned when an insert would repeat
	// (event, effective date, channel scope, group scope).
	ErrDuplicateOccurrence = errors.New("duplicate occurrence")

	// ErrEventInUse is returned when deleting an event that still has occurrences.
	ErrEventInUse = errors.New("event still has occurrences")

	ErrEventNotFound      = errors.New("event not found")
	ErrOccurrenceNotFound = errors.New("occurrence not found")
	ErrGroupNotFound      = errors.New("store group not found")
	ErrAliasNotFound      = errors.New("store alias not found")

	// ErrDuplicateAlias is returned when an alias is already registered for
	// the same source system.
	ErrDuplicateAlias = errors.New("store alias already exists for source")

	ErrInvalidDate     = errors.New("invalid date")
	ErrInvalidOffset   = errors.New("base offset must be at least one year")
	ErrDateOutsideYear = errors.New("date outside target year")
	ErrInvalidEvent    = errors.New("invalid event")
	ErrInvalidAlias    = errors.New("invalid store alias")

	// ErrInvalidManifest is returned by Reconcile for a self-contradictory
	// manifest (duplicate names or repeated occurrence keys).
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrNoSalesHistory is returned by the weight deriver when the enclosing
	// period has no sales at all.
	ErrNoSalesHistory = errors.New("no sales history for period")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ScopeResolutionError explains why a store or group could not be resolved.
type ScopeResolutionError struct {
	StoreCode string
	GroupID   GroupID
	Reason    string
}

func (e *ScopeResolutionError) Error() string {
	switch {
	case e.GroupID != 0:
		return fmt.Sprintf("scope resolution: group %d: %s", e.GroupID, e.Reason)
	default:
		return fmt.Sprintf("scope resolution: store %q: %s", e.StoreCode, e.Reason)
	}
}

func (e *ScopeResolutionError) Unwrap() error { return ErrScopeResolution }

// PrecedenceConflictError lists the occurrences tied at the top specificity tier.
type PrecedenceConflictError struct {
	Date        Date
	Channel     Channel
	StoreCode   string
	Specificity int
	Occurrences []OccurrenceID
}

func (e *PrecedenceConflictError) Error() string {
	ids := make([]string, len(e.Occurrences))
	for i, id := range e.Occurrences {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("precedence conflict on %s (store %s, channel %q): %d occurrences at specificity %d [%s]",
		e.Date, e.StoreCode, e.Channel, len(e.Occurrences), e.Specificity, strings.Join(ids, ","))
}

func (e *PrecedenceConflictError) Unwrap() error { return ErrPrecedenceConflict }

// DuplicateOccurrenceError reports a uniqueness violation.
type DuplicateOccurrenceError struct {
	Key        OccurrenceKey
	ExistingID OccurrenceID // zero when the store could not tell
}

func (e *DuplicateOccurrenceError) Error() string {
	return fmt.Sprintf("duplicate occurrence: event %d on %s (%s), existing %d",
		e.Key.EventID, e.Key.EffectiveDate, e.Key.Scope, e.ExistingID)
}

func (e *DuplicateOccurrenceError) Unwrap() error { return ErrDuplicateOccurrence }

// EventInUseError reports how many occurrences still reference the event.
type EventInUseError struct {
	EventID     EventID
	Occurrences int
}

func (e *EventInUseError) Error() string {
	return fmt.Sprintf("event %d still has %d occurrence(s)", e.EventID, e.Occurrences)
}

func (e *EventInUseError) Unwrap() error { return ErrEventInUse }

// UnknownChannelError is returned by ParseChannel.
type UnknownChannelError struct {
	Value string
}

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("unknown channel %q", e.Value)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// ErrorKind classifies per-tuple batch failures.
type ErrorKind string

const (
	KindScopeResolution    ErrorKind = "scope_resolution"
	KindPrecedenceConflict ErrorKind = "precedence_conflict"
	KindInvalidInput       ErrorKind = "invalid_input"
	KindInternal           ErrorKind = "internal"
)

// KindOf maps an error onto its batch error kind.
func KindOf(err error) ErrorKind {
	var chErr *UnknownChannelError
	switch {
	case errors.Is(err, ErrScopeResolution):
		return KindScopeResolution
	case errors.Is(err, ErrPrecedenceConflict):
		return KindPrecedenceConflict
	case errors.Is(err, ErrInvalidDate), errors.Is(err, ErrDateOutsideYear),
		errors.Is(err, ErrInvalidOffset), errors.As(err, &chErr):
		return KindInvalidInput
	default:
		return KindInternal
	}
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	var chErr *UnknownChannelError
	return errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrInvalidOffset) ||
		errors.Is(err, ErrDateOutsideYear) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrInvalidAlias) ||
		errors.Is(err, ErrInvalidManifest) ||
		errors.Is(err, ErrScopeResolution) ||
		errors.As(err, &chErr)
}

// IsConflict returns true if the error needs catalog curation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateOccurrence) ||
		errors.Is(err, ErrDuplicateAlias) ||
		errors.Is(err, ErrEventInUse) ||
		errors.Is(err, ErrPrecedenceConflict)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrOccurrenceNotFound) ||
		errors.Is(err, ErrGroupNotFound) ||
		errors.Is(err, ErrAliasNotFound)
}
