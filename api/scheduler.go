/*
scheduler.go - Scheduled catalog integrity checks

PURPOSE:
  Periodically runs the catalog integrity check for the budget year being
  prepared, so conflicts and missing base-year counterparts surface before
  planners run a batch, not during one.

DESIGN:
  - Cron-driven (robfig/cron, standard 5-field syntax)
  - Each run is recorded in integrity_runs: running -> completed/failed
  - A run never changes the catalog; fixing findings is an operator task
    (corrections or a reconciled manifest)

CONFIGURATION:
  - Schedule: cron spec (default "0 6 * * *"); empty disables
  - TargetYear: which year to check (default: next calendar year)

USAGE:
  scheduler := NewIntegrityScheduler(store, handler, cfg.IntegrityCron)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: CheckIntegrity endpoint (ad-hoc check)
  - refdate/conflicts.go: Catalog.CheckIntegrity
*/
package api

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/kpiportal/refdate-engine/store/sqlite"
)

// Integrity run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// IntegrityScheduler runs Catalog.CheckIntegrity on a cron schedule.
type IntegrityScheduler struct {
	Store    *sqlite.Store
	Handler  *Handler
	Schedule string

	// TargetYear picks the year to check at a given instant.
	TargetYear func(now time.Time) int

	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
	running sync.Mutex
}

// NewIntegrityScheduler creates a new scheduler.
func NewIntegrityScheduler(store *sqlite.Store, handler *Handler, schedule string) *IntegrityScheduler {
	return &IntegrityScheduler{
		Store:      store,
		Handler:    handler,
		Schedule:   schedule,
		TargetYear: func(now time.Time) int { return now.Year() + 1 },
	}
}

// Start begins the scheduler. An empty schedule leaves it disabled.
func (s *IntegrityScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Schedule == "" {
		log.Println("[Scheduler] Disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	id, err := c.AddFunc(s.Schedule, func() {
		if _, err := s.RunNow(context.Background()); err != nil {
			log.Printf("[Scheduler] Integrity run failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid integrity schedule %q: %w", s.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.entryID = id

	log.Printf("[Scheduler] Started with schedule %q, next run %s", s.Schedule, c.Entry(id).Next.Format(time.RFC3339))
	return nil
}

// Stop stops the scheduler and waits for a running check to finish.
func (s *IntegrityScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
		log.Println("[Scheduler] Stopped")
	}
}

// RunNow runs one check immediately and records it. Overlapping calls are
// serialized.
func (s *IntegrityScheduler) RunNow(ctx context.Context) (sqlite.IntegrityRun, error) {
	s.running.Lock()
	defer s.running.Unlock()

	offset, err := s.Handler.Offset.Get(ctx)
	if err != nil {
		return sqlite.IntegrityRun{}, err
	}

	startTime := time.Now()
	year := s.TargetYear(startTime)
	run := sqlite.IntegrityRun{
		ID:         uuid.NewString(),
		TargetYear: year,
		BaseYear:   year - offset,
		Status:     RunStatusRunning,
		StartedAt:  &startTime,
		CreatedAt:  startTime,
	}
	if err := s.Store.SaveIntegrityRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to save run record: %w", err)
	}

	report, err := s.Handler.Catalog.CheckIntegrity(ctx, year, offset)
	completedTime := time.Now()
	run.CompletedAt = &completedTime
	if err != nil {
		run.Status = RunStatusFailed
		run.Error = err.Error()
		if saveErr := s.Store.SaveIntegrityRun(ctx, run); saveErr != nil {
			log.Printf("[Scheduler] Error updating run %s: %v", run.ID, saveErr)
		}
		return run, err
	}

	run.Status = RunStatusCompleted
	run.Conflicts = len(report.Conflicts)
	run.MissingCounterparts = len(report.MissingCounterparts)
	run.InvalidScopes = len(report.InvalidScopes)
	if err := s.Store.SaveIntegrityRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to update run record: %w", err)
	}

	log.Printf("[Scheduler] Checked %d against %d: conflicts=%d, missing=%d, invalid_scopes=%d",
		run.TargetYear, run.BaseYear, run.Conflicts, run.MissingCounterparts, run.InvalidScopes)
	return run, nil
}

// GetNextRunTime returns when the next scheduled check will occur (zero
// when the scheduler is not running).
func (s *IntegrityScheduler) GetNextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}
