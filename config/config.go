// Package config loads the server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/kpiportal/refdate-engine/refdate"
)

// Config is the top-level application configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port string `yaml:"port" json:"port"`

	// DBPath is the SQLite database file (":memory:" for a throwaway store).
	DBPath string `yaml:"db" json:"db"`

	// BaseOffsetYears is the default distance between target and base year.
	// The app_settings key "base_offset_years" overrides it at runtime.
	BaseOffsetYears int `yaml:"base_offset_years" json:"base_offset_years"`

	// WeightPeriod is the enclosing period for weights: month, iso_week or year.
	WeightPeriod string `yaml:"weight_period" json:"weight_period"`

	// CORSOrigins lists allowed browser origins for the admin UI.
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`

	// IntegrityCron schedules the catalog integrity check (5-field cron).
	// Empty disables the scheduler.
	IntegrityCron string `yaml:"integrity_cron" json:"integrity_cron"`

	// GroupCacheTTL bounds how stale the store-group index may be.
	GroupCacheTTL time.Duration `yaml:"group_cache_ttl" json:"group_cache_ttl"`

	// BatchWorkers sizes the resolveBatch worker pool (0 = one per CPU).
	BatchWorkers int `yaml:"batch_workers" json:"batch_workers"`
}

// Default returns an in-memory default configuration.
func Default() *Config {
	return &Config{
		Port:            "8080",
		DBPath:          "./data/refdate.db",
		BaseOffsetYears: refdate.DefaultBaseOffsetYears,
		WeightPeriod:    string(refdate.PeriodMonth),
		CORSOrigins:     []string{"http://localhost:5173", "http://localhost:3000"},
		IntegrityCron:   "0 6 * * *",
		GroupCacheTTL:   30 * time.Second,
		BatchWorkers:    0,
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled files still behave correctly.
func (c *Config) Normalize() {
	d := Default()
	if c.Port == "" {
		c.Port = d.Port
	}
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.BaseOffsetYears <= 0 {
		c.BaseOffsetYears = d.BaseOffsetYears
	}
	if c.WeightPeriod == "" {
		c.WeightPeriod = d.WeightPeriod
	}
	if c.CORSOrigins == nil {
		c.CORSOrigins = d.CORSOrigins
	}
	if c.GroupCacheTTL <= 0 {
		c.GroupCacheTTL = d.GroupCacheTTL
	}
	if c.BatchWorkers < 0 {
		c.BatchWorkers = 0
	}
}

// Validate rejects values Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := refdate.ParsePeriodType(c.WeightPeriod); err != nil {
		return fmt.Errorf("weight_period: %w", err)
	}
	if c.IntegrityCron != "" {
		if _, err := cron.ParseStandard(c.IntegrityCron); err != nil {
			return fmt.Errorf("integrity_cron: %w", err)
		}
	}
	return nil
}

// Load reads the YAML file at path. A missing file yields the defaults;
// an empty path does too.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PeriodConfig returns the weight deriver period.
func (c *Config) PeriodConfig() refdate.PeriodConfig {
	pt, err := refdate.ParsePeriodType(c.WeightPeriod)
	if err != nil {
		pt = refdate.PeriodMonth
	}
	return refdate.PeriodConfig{Type: pt}
}
