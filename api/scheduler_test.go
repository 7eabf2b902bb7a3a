package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_DisabledWithEmptySchedule(t *testing.T) {
	s := setupTestServer(t)
	sched := NewIntegrityScheduler(s.h.Store, s.h, "")

	require.NoError(t, sched.Start())
	assert.True(t, sched.GetNextRunTime().IsZero())
	sched.Stop()
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := setupTestServer(t)
	sched := NewIntegrityScheduler(s.h.Store, s.h, "every tuesday")

	err := sched.Start()
	assert.Error(t, err)
}

func TestScheduler_StartStop(t *testing.T) {
	s := setupTestServer(t)
	sched := NewIntegrityScheduler(s.h.Store, s.h, "0 6 * * *")

	require.NoError(t, sched.Start())
	next := sched.GetNextRunTime()
	assert.False(t, next.IsZero())
	assert.Equal(t, 6, next.Hour())

	sched.Stop()
	assert.True(t, sched.GetNextRunTime().IsZero())
}

func TestScheduler_RunNowRecordsFindings(t *testing.T) {
	// GIVEN: a catalog with one conflict on 2026-03-14
	s := setupTestServer(t)
	s.loadScenario(t, "precedence-conflict")
	sched := NewIntegrityScheduler(s.h.Store, s.h, "")
	sched.TargetYear = func(time.Time) int { return 2026 }

	// WHEN
	run, err := sched.RunNow(context.Background())

	// THEN
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, 2026, run.TargetYear)
	assert.Equal(t, 2025, run.BaseYear)
	assert.Equal(t, 1, run.Conflicts)
	assert.NotNil(t, run.CompletedAt)

	runs, err := s.h.Store.ListIntegrityRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, 1, runs[0].Conflicts)
}
