package refdate

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// STORE ALIASES
// =============================================================================

// AliasID identifies a store alias row.
type AliasID int64

// StoreAlias maps a name or code used by one source system (accounting,
// operations, ...) to the canonical store code. An empty Source applies to
// every source system.
type StoreAlias struct {
	ID        AliasID
	Source    string
	Alias     string
	StoreCode string
}

// AliasDirectory lists the alias table.
type AliasDirectory interface {
	ListAliases(ctx context.Context) ([]StoreAlias, error)
}

// AliasStore is the alias table's write side. Implementations reject a second
// alias with the same (Source, AliasKey) with ErrDuplicateAlias.
type AliasStore interface {
	AliasDirectory
	InsertAlias(ctx context.Context, a StoreAlias) (AliasID, error)
	UpdateAlias(ctx context.Context, a StoreAlias) error
	DeleteAlias(ctx context.Context, id AliasID) error
}

// NormalizeSource canonicalizes a source system name ("conta " -> "CONTA").
func NormalizeSource(source string) string {
	return strings.ToUpper(strings.TrimSpace(source))
}

// AliasKey folds an alias for matching: accents and case are ignored and
// inner whitespace is collapsed, so "Zona  10 - Pradera" and "zona 10 - pradéra"
// are the same alias.
func AliasKey(alias string) string {
	var b strings.Builder
	space := false
	for _, r := range norm.NFD.String(strings.TrimSpace(alias)) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case unicode.IsSpace(r):
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Normalize trims the alias and canonicalizes source and store code.
func (a StoreAlias) Normalize() StoreAlias {
	a.Source = NormalizeSource(a.Source)
	a.Alias = strings.TrimSpace(a.Alias)
	a.StoreCode = NormalizeStoreCode(a.StoreCode)
	return a
}

// Validate requires an alias and a store code.
func (a StoreAlias) Validate() error {
	if AliasKey(a.Alias) == "" {
		return fmt.Errorf("%w: alias is required", ErrInvalidAlias)
	}
	if NormalizeStoreCode(a.StoreCode) == "" {
		return fmt.Errorf("%w: store code is required", ErrInvalidAlias)
	}
	return nil
}

type aliasKey struct {
	source string
	key    string
}

// WithAliases attaches the alias table to the index. It must be called before
// the index is shared.
func (idx *GroupIndex) WithAliases(aliases []StoreAlias) *GroupIndex {
	idx.aliases = make(map[aliasKey]string, len(aliases))
	for _, a := range aliases {
		a = a.Normalize()
		if a.StoreCode == "" {
			continue
		}
		idx.aliases[aliasKey{source: a.Source, key: AliasKey(a.Alias)}] = a.StoreCode
	}
	return idx
}

// CanonicalStore maps a code as written by a source system to the canonical
// store code. An alias registered for that source wins over one registered for
// every source; without an alias the code is only normalized.
func (idx *GroupIndex) CanonicalStore(code, source string) string {
	if len(idx.aliases) > 0 {
		key := AliasKey(code)
		if src := NormalizeSource(source); src != "" {
			if c, ok := idx.aliases[aliasKey{source: src, key: key}]; ok {
				return c
			}
		}
		if c, ok := idx.aliases[aliasKey{key: key}]; ok {
			return c
		}
	}
	return NormalizeStoreCode(code)
}
