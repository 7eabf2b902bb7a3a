package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpiportal/refdate-engine/refdate"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_PartialFileIsNormalized(t *testing.T) {
	// GIVEN: a file that only sets the port and the period
	path := filepath.Join(t.TempDir(), "refdate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"9090\"\nweight_period: iso_week\ngroup_cache_ttl: 0s\n"), 0o600))

	// WHEN
	cfg, err := Load(path)

	// THEN: the rest comes from the defaults
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, refdate.PeriodWeek, cfg.PeriodConfig().Type)
	assert.Equal(t, 30*time.Second, cfg.GroupCacheTTL)
	assert.Equal(t, refdate.DefaultBaseOffsetYears, cfg.BaseOffsetYears)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	badPeriod := filepath.Join(dir, "period.yaml")
	require.NoError(t, os.WriteFile(badPeriod, []byte("weight_period: fortnight\n"), 0o600))
	_, err := Load(badPeriod)
	assert.Error(t, err)

	badCron := filepath.Join(dir, "cron.yaml")
	require.NoError(t, os.WriteFile(badCron, []byte("integrity_cron: \"every day\"\n"), 0o600))
	_, err = Load(badCron)
	assert.Error(t, err)
}
