/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the resolution engine needs
  (CatalogStore, GroupDirectory, SalesFacts, SettingsStore) using SQLite.
  In production, the same patterns apply to SQL Server or PostgreSQL - only
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  refdate.CatalogStore:   events and occurrences, WithTx, Snapshot
  refdate.GroupDirectory: store groups, memberships, store registry
  refdate.AliasStore:     source-system store aliases
  refdate.SalesFacts:     historical daily net sales
  refdate.SettingsStore:  key/value application settings

KEY TABLES:
  events:              named calendar events with budget flags
  event_occurrences:   one row per (event, effective date, scope)
  store_groups:        group headers (published flag)
  store_group_members: group -> store code links
  stores:              store registry
  store_aliases:       (source, alias) -> store code
  daily_sales:         net sales per (date, store, channel)
  app_settings:        key/value settings
  integrity_runs:      scheduled integrity check history

INDEXES:
  - idx_occurrences_unique: uniqueness on (event, effective date, channel
    scope, group scope) with NULL scopes compared equal via IFNULL
  - idx_occurrences_date: snapshot range scans (hot path)
  - idx_store_aliases_key: one alias per (source, folded alias)
  - daily_sales primary key: weight derivation range scans

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Mutations hold the write lock for
  the whole of WithTx; Snapshot reads inside one transaction under the
  read lock, so a reader sees a correction entirely or not at all.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/refdate.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  catalog := refdate.NewCatalog(store, groups)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - refdate/store.go: Interface definitions
  - refdate/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kpiportal/refdate-engine/refdate"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Events (holidays, promotions, internal milestones)
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		is_holiday BOOLEAN NOT NULL DEFAULT FALSE,
		use_in_budget BOOLEAN NOT NULL DEFAULT FALSE,
		is_internal BOOLEAN NOT NULL DEFAULT FALSE,
		sort_order INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_events_sort
		ON events(sort_order, id);

	-- Occurrences (one calendar instance of an event)
	CREATE TABLE IF NOT EXISTS event_occurrences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE RESTRICT,
		nominal_date TEXT,
		effective_date TEXT NOT NULL,
		channel_scope TEXT,
		store_group_scope INTEGER,
		modified_by TEXT,
		modified_at TEXT NOT NULL
	);

	-- CRITICAL: one occurrence per (event, effective date, channel, group).
	-- NULL scopes must compare equal, hence IFNULL.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_occurrences_unique
		ON event_occurrences(event_id, effective_date,
			IFNULL(channel_scope, ''), IFNULL(store_group_scope, 0));

	-- Snapshot range scans (hot path)
	CREATE INDEX IF NOT EXISTS idx_occurrences_date
		ON event_occurrences(effective_date);

	CREATE INDEX IF NOT EXISTS idx_occurrences_event
		ON event_occurrences(event_id, effective_date);

	-- Store groups (only published groups may scope occurrences)
	CREATE TABLE IF NOT EXISTS store_groups (
		id INTEGER PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		is_published BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS store_group_members (
		group_id INTEGER NOT NULL REFERENCES store_groups(id) ON DELETE CASCADE,
		store_code TEXT NOT NULL,
		PRIMARY KEY (group_id, store_code)
	);

	CREATE INDEX IF NOT EXISTS idx_group_members_store
		ON store_group_members(store_code);

	-- Store registry
	CREATE TABLE IF NOT EXISTS stores (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	);

	-- Store aliases; source '' applies to every source system
	CREATE TABLE IF NOT EXISTS store_aliases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL DEFAULT '',
		alias TEXT NOT NULL,
		alias_key TEXT NOT NULL,
		store_code TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_store_aliases_key
		ON store_aliases(source, alias_key);

	-- Historical daily sales (fact table)
	CREATE TABLE IF NOT EXISTS daily_sales (
		sale_date TEXT NOT NULL,
		store_code TEXT NOT NULL,
		channel TEXT NOT NULL,
		net_sales TEXT NOT NULL,
		PRIMARY KEY (store_code, sale_date, channel)
	);

	-- Application settings
	CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Integrity runs (scheduled catalog checks)
	CREATE TABLE IF NOT EXISTS integrity_runs (
		id TEXT PRIMARY KEY,
		target_year INTEGER NOT NULL,
		base_year INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		conflicts INTEGER NOT NULL DEFAULT 0,
		missing_counterparts INTEGER NOT NULL DEFAULT 0,
		invalid_scopes INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_integrity_runs_created
		ON integrity_runs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// CATALOG STORE (refdate.CatalogStore interface)
// =============================================================================

func (s *Store) GetEvent(ctx context.Context, id refdate.EventID) (refdate.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return catalogConn{s.db}.GetEvent(ctx, id)
}

func (s *Store) ListEvents(ctx context.Context) ([]refdate.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return catalogConn{s.db}.ListEvents(ctx)
}

func (s *Store) GetOccurrence(ctx context.Context, id refdate.OccurrenceID) (refdate.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return catalogConn{s.db}.GetOccurrence(ctx, id)
}

func (s *Store) ListOccurrences(ctx context.Context, eventID refdate.EventID) ([]refdate.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return catalogConn{s.db}.ListOccurrences(ctx, eventID)
}

func (s *Store) OccurrencesBetween(ctx context.Context, from, to refdate.Date) ([]refdate.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return catalogConn{s.db}.OccurrencesBetween(ctx, from, to)
}

func (s *Store) InsertEvent(ctx context.Context, e refdate.Event) (refdate.EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return catalogConn{s.db}.InsertEvent(ctx, e)
}

func (s *Store) UpdateEvent(ctx context.Context, e refdate.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return catalogConn{s.db}.UpdateEvent(ctx, e)
}

func (s *Store) DeleteEvent(ctx context.Context, id refdate.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return catalogConn{s.db}.DeleteEvent(ctx, id)
}

func (s *Store) InsertOccurrence(ctx context.Context, o refdate.Occurrence) (refdate.OccurrenceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return catalogConn{s.db}.InsertOccurrence(ctx, o)
}

func (s *Store) DeleteOccurrence(ctx context.Context, id refdate.OccurrenceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return catalogConn{s.db}.DeleteOccurrence(ctx, id)
}

func (s *Store) CountOccurrences(ctx context.Context, eventID refdate.EventID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return catalogConn{s.db}.CountOccurrences(ctx, eventID)
}

func (s *Store) MaxSortOrder(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return catalogConn{s.db}.MaxSortOrder(ctx)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
// fn must only use the writer it is given.
func (s *Store) WithTx(ctx context.Context, fn func(refdate.CatalogWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(catalogConn{sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Snapshot loads every event and the occurrences effective in [from, to]
// inside one read transaction.
func (s *Store) Snapshot(ctx context.Context, from, to refdate.Date) (*refdate.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer sqlTx.Rollback()

	conn := catalogConn{sqlTx}
	events, err := conn.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	occs, err := conn.OccurrencesBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return refdate.NewSnapshot(refdate.Period{Start: from, End: to}, events, occs), nil
}

// catalogConn runs catalog statements on a DB or an open transaction.
type catalogConn struct {
	q querier
}

func (c catalogConn) GetEvent(ctx context.Context, id refdate.EventID) (refdate.Event, error) {
	var e refdate.Event
	err := c.q.QueryRowContext(ctx, `
		SELECT id, name, is_holiday, use_in_budget, is_internal, sort_order
		FROM events WHERE id = ?
	`, id).Scan(&e.ID, &e.Name, &e.IsHoliday, &e.UseInBudget, &e.IsInternal, &e.SortOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return refdate.Event{}, refdate.ErrEventNotFound
	}
	if err != nil {
		return refdate.Event{}, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

func (c catalogConn) ListEvents(ctx context.Context) ([]refdate.Event, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, name, is_holiday, use_in_budget, is_internal, sort_order
		FROM events ORDER BY sort_order, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []refdate.Event
	for rows.Next() {
		var e refdate.Event
		if err := rows.Scan(&e.ID, &e.Name, &e.IsHoliday, &e.UseInBudget, &e.IsInternal, &e.SortOrder); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

const occurrenceColumns = `id, event_id, nominal_date, effective_date, channel_scope,
	store_group_scope, modified_by, modified_at`

func (c catalogConn) GetOccurrence(ctx context.Context, id refdate.OccurrenceID) (refdate.Occurrence, error) {
	occs, err := c.queryOccurrences(ctx, `SELECT `+occurrenceColumns+` FROM event_occurrences WHERE id = ?`, id)
	if err != nil {
		return refdate.Occurrence{}, err
	}
	if len(occs) == 0 {
		return refdate.Occurrence{}, refdate.ErrOccurrenceNotFound
	}
	return occs[0], nil
}

func (c catalogConn) ListOccurrences(ctx context.Context, eventID refdate.EventID) ([]refdate.Occurrence, error) {
	return c.queryOccurrences(ctx, `
		SELECT `+occurrenceColumns+` FROM event_occurrences
		WHERE event_id = ? ORDER BY effective_date, id
	`, eventID)
}

func (c catalogConn) OccurrencesBetween(ctx context.Context, from, to refdate.Date) ([]refdate.Occurrence, error) {
	return c.queryOccurrences(ctx, `
		SELECT `+occurrenceColumns+` FROM event_occurrences
		WHERE effective_date BETWEEN ? AND ? ORDER BY effective_date, id
	`, from.String(), to.String())
}

func (c catalogConn) queryOccurrences(ctx context.Context, query string, args ...any) ([]refdate.Occurrence, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query occurrences: %w", err)
	}
	defer rows.Close()

	var occs []refdate.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		occs = append(occs, o)
	}
	return occs, rows.Err()
}

func scanOccurrence(rows *sql.Rows) (refdate.Occurrence, error) {
	var (
		o                     refdate.Occurrence
		nominal, channel, by  sql.NullString
		group                 sql.NullInt64
		effective, modifiedAt string
	)
	if err := rows.Scan(&o.ID, &o.EventID, &nominal, &effective, &channel, &group, &by, &modifiedAt); err != nil {
		return o, err
	}

	var err error
	if o.EffectiveDate, err = refdate.ParseDate(effective); err != nil {
		return o, fmt.Errorf("occurrence %d: %w", o.ID, err)
	}
	if nominal.Valid {
		d, err := refdate.ParseDate(nominal.String)
		if err != nil {
			return o, fmt.Errorf("occurrence %d: %w", o.ID, err)
		}
		o.NominalDate = &d
	}
	o.Scope.Channel = refdate.Channel(channel.String)
	o.Scope.Group = refdate.GroupID(group.Int64)
	o.ModifiedBy = by.String
	o.ModifiedAt, _ = time.Parse(time.RFC3339, modifiedAt)
	return o, nil
}

func (c catalogConn) InsertEvent(ctx context.Context, e refdate.Event) (refdate.EventID, error) {
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO events (name, is_holiday, use_in_budget, is_internal, sort_order)
		VALUES (?, ?, ?, ?, ?)
	`, e.Name, e.IsHoliday, e.UseInBudget, e.IsInternal, e.SortOrder)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	id, err := res.LastInsertId()
	return refdate.EventID(id), err
}

func (c catalogConn) UpdateEvent(ctx context.Context, e refdate.Event) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE events SET name = ?, is_holiday = ?, use_in_budget = ?, is_internal = ?, sort_order = ?
		WHERE id = ?
	`, e.Name, e.IsHoliday, e.UseInBudget, e.IsInternal, e.SortOrder, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return expectOne(res, refdate.ErrEventNotFound)
}

func (c catalogConn) DeleteEvent(ctx context.Context, id refdate.EventID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		if isForeignKeyError(err) {
			n, _ := c.CountOccurrences(ctx, id)
			return &refdate.EventInUseError{EventID: id, Occurrences: n}
		}
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return expectOne(res, refdate.ErrEventNotFound)
}

func (c catalogConn) InsertOccurrence(ctx context.Context, o refdate.Occurrence) (refdate.OccurrenceID, error) {
	var nominal sql.NullString
	if o.NominalDate != nil {
		nominal = nullString(o.NominalDate.String())
	}
	var group sql.NullInt64
	if o.Scope.Group != 0 {
		group = sql.NullInt64{Int64: int64(o.Scope.Group), Valid: true}
	}

	res, err := c.q.ExecContext(ctx, `
		INSERT INTO event_occurrences
		(event_id, nominal_date, effective_date, channel_scope, store_group_scope, modified_by, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		o.EventID,
		nominal,
		o.EffectiveDate.String(),
		nullString(string(o.Scope.Channel)),
		group,
		nullString(o.ModifiedBy),
		o.ModifiedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, &refdate.DuplicateOccurrenceError{Key: o.Key(), ExistingID: c.findOccurrence(ctx, o.Key())}
		}
		if isForeignKeyError(err) {
			return 0, refdate.ErrEventNotFound
		}
		return 0, fmt.Errorf("failed to insert occurrence: %w", err)
	}
	id, err := res.LastInsertId()
	return refdate.OccurrenceID(id), err
}

// findOccurrence returns the ID holding key, or zero.
func (c catalogConn) findOccurrence(ctx context.Context, key refdate.OccurrenceKey) refdate.OccurrenceID {
	var id refdate.OccurrenceID
	_ = c.q.QueryRowContext(ctx, `
		SELECT id FROM event_occurrences
		WHERE event_id = ? AND effective_date = ?
		  AND IFNULL(channel_scope, '') = ? AND IFNULL(store_group_scope, 0) = ?
	`, key.EventID, key.EffectiveDate.String(), string(key.Scope.Channel), int64(key.Scope.Group)).Scan(&id)
	return id
}

func (c catalogConn) DeleteOccurrence(ctx context.Context, id refdate.OccurrenceID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM event_occurrences WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete occurrence: %w", err)
	}
	return expectOne(res, refdate.ErrOccurrenceNotFound)
}

func (c catalogConn) CountOccurrences(ctx context.Context, eventID refdate.EventID) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_occurrences WHERE event_id = ?`, eventID).Scan(&n)
	return n, err
}

func (c catalogConn) MaxSortOrder(ctx context.Context) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx, `SELECT IFNULL(MAX(sort_order), 0) FROM events`).Scan(&n)
	return n, err
}

// =============================================================================
// GROUP DIRECTORY (refdate.GroupDirectory interface)
// =============================================================================

// SaveGroup inserts or updates a group header.
func (s *Store) SaveGroup(ctx context.Context, g refdate.StoreGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_groups (id, description, is_published) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			is_published = excluded.is_published
	`, g.ID, g.Description, g.IsPublished)
	return err
}

// DeleteGroup removes a group and its memberships.
func (s *Store) DeleteGroup(ctx context.Context, id refdate.GroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM store_groups WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res, refdate.ErrGroupNotFound)
}

// AddMember links a store to a group. The code is normalized first.
func (s *Store) AddMember(ctx context.Context, groupID refdate.GroupID, storeCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO store_group_members (group_id, store_code) VALUES (?, ?)
	`, groupID, refdate.NormalizeStoreCode(storeCode))
	if isForeignKeyError(err) {
		return refdate.ErrGroupNotFound
	}
	return err
}

// RemoveMember unlinks a store from a group.
func (s *Store) RemoveMember(ctx context.Context, groupID refdate.GroupID, storeCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM store_group_members WHERE group_id = ? AND store_code = ?
	`, groupID, refdate.NormalizeStoreCode(storeCode))
	return err
}

// SaveStore registers a store code (normalized) with an optional name.
func (s *Store) SaveStore(ctx context.Context, code, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stores (code, name) VALUES (?, ?)
		ON CONFLICT(code) DO UPDATE SET name = CASE WHEN excluded.name = '' THEN stores.name ELSE excluded.name END
	`, refdate.NormalizeStoreCode(code), name)
	return err
}

func (s *Store) ListGroups(ctx context.Context) ([]refdate.StoreGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, description, is_published FROM store_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []refdate.StoreGroup
	for rows.Next() {
		var g refdate.StoreGroup
		if err := rows.Scan(&g.ID, &g.Description, &g.IsPublished); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *Store) ListMembers(ctx context.Context) ([]refdate.StoreGroupMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, store_code FROM store_group_members ORDER BY group_id, store_code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []refdate.StoreGroupMember
	for rows.Next() {
		var m refdate.StoreGroupMember
		if err := rows.Scan(&m.GroupID, &m.StoreCode); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) ListStores(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT code FROM stores ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// =============================================================================
// STORE ALIASES (refdate.AliasStore interface)
// =============================================================================

func (s *Store) ListAliases(ctx context.Context) ([]refdate.StoreAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, alias, store_code FROM store_aliases ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []refdate.StoreAlias
	for rows.Next() {
		var a refdate.StoreAlias
		if err := rows.Scan(&a.ID, &a.Source, &a.Alias, &a.StoreCode); err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// InsertAlias stores a normalized alias. A repeated (source, alias) is
// ErrDuplicateAlias.
func (s *Store) InsertAlias(ctx context.Context, a refdate.StoreAlias) (refdate.AliasID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a = a.Normalize()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO store_aliases (source, alias, alias_key, store_code) VALUES (?, ?, ?, ?)
	`, a.Source, a.Alias, refdate.AliasKey(a.Alias), a.StoreCode)
	if isUniqueConstraintError(err) {
		return 0, refdate.ErrDuplicateAlias
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert store alias: %w", err)
	}
	id, err := res.LastInsertId()
	return refdate.AliasID(id), err
}

func (s *Store) UpdateAlias(ctx context.Context, a refdate.StoreAlias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a = a.Normalize()
	res, err := s.db.ExecContext(ctx, `
		UPDATE store_aliases SET source = ?, alias = ?, alias_key = ?, store_code = ? WHERE id = ?
	`, a.Source, a.Alias, refdate.AliasKey(a.Alias), a.StoreCode, a.ID)
	if isUniqueConstraintError(err) {
		return refdate.ErrDuplicateAlias
	}
	if err != nil {
		return fmt.Errorf("failed to update store alias: %w", err)
	}
	return expectOne(res, refdate.ErrAliasNotFound)
}

func (s *Store) DeleteAlias(ctx context.Context, id refdate.AliasID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM store_aliases WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res, refdate.ErrAliasNotFound)
}

// =============================================================================
// SALES FACTS (refdate.SalesFacts interface)
// =============================================================================

// UpsertSales writes sales facts atomically, replacing existing rows for the
// same (date, store, channel). Store codes are normalized and registered.
func (s *Store) UpsertSales(ctx context.Context, facts []refdate.SalesFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, f := range facts {
		code := refdate.NormalizeStoreCode(f.StoreCode)
		if _, err := sqlTx.ExecContext(ctx, `
			INSERT INTO daily_sales (sale_date, store_code, channel, net_sales) VALUES (?, ?, ?, ?)
			ON CONFLICT(store_code, sale_date, channel) DO UPDATE SET net_sales = excluded.net_sales
		`, f.Date.String(), code, string(f.Channel), f.NetSales.String()); err != nil {
			return fmt.Errorf("failed to upsert sales %s %s: %w", code, f.Date, err)
		}
		if _, err := sqlTx.ExecContext(ctx, `INSERT OR IGNORE INTO stores (code) VALUES (?)`, code); err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

// SalesBetween returns the store's facts in [from, to]. ChannelAny returns
// every channel.
func (s *Store) SalesBetween(ctx context.Context, storeCode string, channel refdate.Channel, from, to refdate.Date) ([]refdate.SalesFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT sale_date, store_code, channel, net_sales FROM daily_sales
		WHERE store_code = ? AND sale_date BETWEEN ? AND ?
	`
	args := []any{refdate.NormalizeStoreCode(storeCode), from.String(), to.String()}
	if channel != refdate.ChannelAny {
		query += ` AND channel = ?`
		args = append(args, string(channel))
	}
	query += ` ORDER BY sale_date, channel`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []refdate.SalesFact
	for rows.Next() {
		var (
			f               refdate.SalesFact
			date, ch, sales string
		)
		if err := rows.Scan(&date, &f.StoreCode, &ch, &sales); err != nil {
			return nil, err
		}
		if f.Date, err = refdate.ParseDate(date); err != nil {
			return nil, err
		}
		if f.NetSales, err = decimal.NewFromString(sales); err != nil {
			return nil, fmt.Errorf("sales %s %s: %w", f.StoreCode, date, err)
		}
		f.Channel = refdate.Channel(ch)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// =============================================================================
// SETTINGS (refdate.SettingsStore interface)
// =============================================================================

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339))
	return err
}

// =============================================================================
// INTEGRITY RUNS STORE
// =============================================================================

// IntegrityRun records one scheduled catalog integrity check.
type IntegrityRun struct {
	ID                  string
	TargetYear          int
	BaseYear            int
	Status              string // running, completed, failed
	Conflicts           int
	MissingCounterparts int
	InvalidScopes       int
	Error               string
	StartedAt           *time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
}

// SaveIntegrityRun inserts or updates a run.
func (s *Store) SaveIntegrityRun(ctx context.Context, r IntegrityRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO integrity_runs (id, target_year, base_year, status, conflicts,
			missing_counterparts, invalid_scopes, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			conflicts = excluded.conflicts,
			missing_counterparts = excluded.missing_counterparts,
			invalid_scopes = excluded.invalid_scopes,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.TargetYear, r.BaseYear, r.Status,
		r.Conflicts, r.MissingCounterparts, r.InvalidScopes, nullString(r.Error),
		formatTimePtr(r.StartedAt), formatTimePtr(r.CompletedAt), r.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListIntegrityRuns returns the most recent runs first. limit <= 0 means all.
func (s *Store) ListIntegrityRuns(ctx context.Context, limit int) ([]IntegrityRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, target_year, base_year, status, conflicts, missing_counterparts,
			invalid_scopes, error, started_at, completed_at, created_at
		FROM integrity_runs
		ORDER BY created_at DESC, id
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []IntegrityRun
	for rows.Next() {
		var r IntegrityRun
		var runErr, startedAt, completedAt sql.NullString
		var createdAt string
		if err := rows.Scan(
			&r.ID, &r.TargetYear, &r.BaseYear, &r.Status, &r.Conflicts, &r.MissingCounterparts,
			&r.InvalidScopes, &runErr, &startedAt, &completedAt, &createdAt,
		); err != nil {
			return nil, err
		}

		r.Error = runErr.String
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		r.StartedAt = parseTimePtr(startedAt)
		r.CompletedAt = parseTimePtr(completedAt)
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"event_occurrences", "events", "store_group_members", "store_groups",
		"stores", "store_aliases", "daily_sales", "app_settings", "integrity_runs",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullString(t.UTC().Format(time.RFC3339))
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
