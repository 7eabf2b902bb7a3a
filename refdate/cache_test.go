package refdate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpiportal/refdate-engine/refdate"
	"github.com/kpiportal/refdate-engine/refdate/store"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestCachedValue_TTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	loads := 0
	c := refdate.NewCachedValue(30*time.Second, func(context.Context) (int, error) {
		loads++
		return loads, nil
	}, clock.Now)
	ctx := context.Background()

	assert.True(t, c.LastRefreshed().IsZero())

	v, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, clock.now, c.LastRefreshed())

	clock.Advance(29 * time.Second)
	v, _ = c.Get(ctx)
	assert.Equal(t, 1, v, "still fresh")

	clock.Advance(time.Second)
	v, _ = c.Get(ctx)
	assert.Equal(t, 2, v, "expired at the TTL")
}

func TestCachedValue_Invalidate(t *testing.T) {
	loads := 0
	c := refdate.NewCachedValue(time.Hour, func(context.Context) (int, error) {
		loads++
		return loads, nil
	}, nil)

	_, _ = c.Get(context.Background())
	c.Invalidate()
	v, err := c.Get(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestCachedValue_ServesStaleOnRefreshFailure(t *testing.T) {
	// GIVEN: a loaded value whose next refresh fails
	// WHEN: reading after expiry
	// THEN: the previous value is served; with no previous value the error surfaces

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	fail := false
	c := refdate.NewCachedValue(time.Minute, func(context.Context) (string, error) {
		if fail {
			return "", errors.New("db down")
		}
		return "v1", nil
	}, clock.Now)

	v, err := c.Get(context.Background())
	require.NoError(t, err)
	refreshed := c.LastRefreshed()

	fail = true
	clock.Advance(time.Hour)
	v, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, refreshed, c.LastRefreshed())

	empty := refdate.NewCachedValue(time.Minute, func(context.Context) (string, error) {
		return "", errors.New("db down")
	}, clock.Now)
	_, err = empty.Get(context.Background())
	assert.Error(t, err)
}

func TestBaseOffsetLoader(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	load := refdate.BaseOffsetLoader(mem, 1)

	n, err := load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "unset falls back")

	require.NoError(t, mem.SetSetting(ctx, refdate.BaseOffsetSetting, " 2 "))
	n, err = load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, bad := range []string{"0", "-1", "x"} {
		require.NoError(t, mem.SetSetting(ctx, refdate.BaseOffsetSetting, bad))
		_, err = load(ctx)
		assert.ErrorIs(t, err, refdate.ErrInvalidOffset, bad)
	}
}
