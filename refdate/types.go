/*
Package refdate resolves budget reference dates.

PURPOSE:
  For every day of a target budget year, decide which historical day's sales
  serve as the "adjusted previous year" baseline. Moveable holidays and
  weekday seasonality must line up: a Friday that is a major holiday this
  year is compared against the holiday's occurrence in the base year, not
  against whatever day falls 365 days earlier.

KEY CONCEPTS IN THIS FILE (types.go):
  - Event: a named holiday/promotion with budget flags
  - Occurrence: one calendar instance of an Event, optionally scoped
  - Scope: (channel, store group) narrowing; empty means "all"
  - StoreGroup / StoreGroupMember: published store groupings
  - Channel: sales channel enum

RESOLUTION (resolver.go):
  natural  = same month/day in the base year (Feb 29 -> Feb 28)
  adjusted = weekday-aligned day in the base year, unless an event
             occurrence on the target day has a base-year sibling

DESIGN PRINCIPLES:
  1. The resolver is pure: it reads a consistent Snapshot and never writes
  2. Null scope is strictly less specific than any concrete scope
  3. Equal-specificity ties are errors, never silently broken
  4. Catalog corrections are atomic (delete-then-insert in one transaction)

SEE ALSO:
  - catalog.go: administrative CRUD and corrections
  - conflicts.go: conflict listing and integrity checks
  - weight.go: aggregation weight deriver
  - store.go: persistence interfaces
*/
package refdate

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EventID int64
type OccurrenceID int64

// GroupID identifies a store group. Zero means "no group" (all stores).
type GroupID int64

// =============================================================================
// CHANNEL - Sales channel
// =============================================================================

// Channel is a sales channel. The empty Channel means "all channels" when used
// as a scope and "no specific channel" when used as a query input.
type Channel string

const (
	ChannelAny       Channel = ""
	ChannelTodos     Channel = "Todos"
	ChannelSalon     Channel = "Salón"
	ChannelLlevar    Channel = "Llevar"
	ChannelExpress   Channel = "Express"
	ChannelAutoPollo Channel = "AutoPollo"
	ChannelUberEats  Channel = "UberEats"
	ChannelECommerce Channel = "ECommerce"
	ChannelWhatsApp  Channel = "WhatsApp"
)

// Channels lists the known concrete channels.
var Channels = []Channel{
	ChannelTodos, ChannelSalon, ChannelLlevar, ChannelExpress,
	ChannelAutoPollo, ChannelUberEats, ChannelECommerce, ChannelWhatsApp,
}

// ParseChannel maps free text onto a known channel. Matching ignores case,
// surrounding whitespace and accents ("salon" -> Salón). Empty input and
// "null"/"*" yield ChannelAny.
func ParseChannel(s string) (Channel, error) {
	key := foldChannel(s)
	switch key {
	case "", "null", "*":
		return ChannelAny, nil
	}
	for _, c := range Channels {
		if foldChannel(string(c)) == key {
			return c, nil
		}
	}
	return ChannelAny, &UnknownChannelError{Value: s}
}

func foldChannel(s string) string {
	var b strings.Builder
	for _, r := range norm.NFD.String(strings.TrimSpace(s)) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// =============================================================================
// EVENT & OCCURRENCE
// =============================================================================

// Event is a named calendar event (holiday, promotion, internal milestone).
// Identity is immutable; name and flags are editable.
type Event struct {
	ID          EventID
	Name        string
	IsHoliday   bool
	UseInBudget bool // only budget events take part in resolution
	IsInternal  bool
	SortOrder   int
}

// Scope narrows an occurrence to a channel and/or store group.
type Scope struct {
	Channel Channel // ChannelAny = all channels
	Group   GroupID // 0 = all stores
}

// Specificity counts concrete scope dimensions: 2 > 1 > 0.
func (s Scope) Specificity() int {
	n := 0
	if s.Channel != ChannelAny {
		n++
	}
	if s.Group != 0 {
		n++
	}
	return n
}

// AppliesToChannel reports whether the scope's channel admits ch.
func (s Scope) AppliesToChannel(ch Channel) bool {
	return s.Channel == ChannelAny || s.Channel == ch
}

func (s Scope) String() string {
	ch := string(s.Channel)
	if ch == "" {
		ch = "*"
	}
	g := "*"
	if s.Group != 0 {
		g = strconv.FormatInt(int64(s.Group), 10)
	}
	return "channel=" + ch + " group=" + g
}

// Occurrence is one calendar instance of an Event.
// EffectiveDate drives resolution; NominalDate is informational only.
type Occurrence struct {
	ID            OccurrenceID
	EventID       EventID
	NominalDate   *Date
	EffectiveDate Date
	Scope         Scope
	ModifiedBy    string
	ModifiedAt    time.Time
}

// Key is the uniqueness key of an occurrence.
func (o Occurrence) Key() OccurrenceKey {
	return OccurrenceKey{EventID: o.EventID, EffectiveDate: o.EffectiveDate, Scope: o.Scope}
}

// OccurrenceKey is (eventID, effectiveDate, channelScope, storeGroupScope).
type OccurrenceKey struct {
	EventID       EventID
	EffectiveDate Date
	Scope         Scope
}

// NewOccurrence is the input to AddOccurrence.
type NewOccurrence struct {
	EventID       EventID
	EffectiveDate Date
	NominalDate   *Date
	Scope         Scope
}

// =============================================================================
// STORE GROUPS
// =============================================================================

// StoreGroup is a named set of stores. Only published groups may scope occurrences.
type StoreGroup struct {
	ID          GroupID
	Description string
	IsPublished bool
}

// StoreGroupMember links a store code to a group.
type StoreGroupMember struct {
	GroupID   GroupID
	StoreCode string
}

// NormalizeStoreCode canonicalizes a store code from any source system:
// surrounding whitespace is dropped and letters are upper-cased.
func NormalizeStoreCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
