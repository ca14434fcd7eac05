package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 100, cfg.Sync.PageSize)
	assert.Equal(t, 30*time.Second, cfg.Connector.Timeout)
	assert.Equal(t, 0.95, cfg.Thresholds.AutoAccept)
	assert.Equal(t, 0.70, cfg.Thresholds.ReviewFlag)
	assert.Equal(t, 1.0, cfg.Scoring.Weights.Amount)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage:
  backend: sqlite
  sqlite_path: /tmp/recon.db
sync:
  page_size: 25
  stale_after: 5m
  accounts:
    - acc-1
    - acc-2
scoring:
  weights:
    amount: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/recon.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 25, cfg.Sync.PageSize)
	assert.Equal(t, 5*time.Minute, cfg.Sync.StaleAfter)
	assert.Equal(t, []string{"acc-1", "acc-2"}, cfg.Sync.Accounts)
	assert.Equal(t, 2.0, cfg.Scoring.Weights.Amount)
	// untouched keys keep their defaults
	assert.Equal(t, 1.0, cfg.Scoring.Weights.Date)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("BANKSYNC_CONNECTOR_API_KEY", "secret")
	t.Setenv("BANKSYNC_THRESHOLDS_AUTO_ACCEPT", "0.9")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.Connector.APIKey)
	assert.Equal(t, 0.9, cfg.Thresholds.AutoAccept)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Storage.Backend = BackendBigQuery
	cfg.Storage.BigQuery.ProjectID = "proj"
	cfg.Sync.ReapInterval = 90 * time.Second

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendBigQuery, loaded.Storage.Backend)
	assert.Equal(t, "proj", loaded.Storage.BigQuery.ProjectID)
	assert.Equal(t, 90*time.Second, loaded.Sync.ReapInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "postgres" }, false},
		{"bigquery without project", func(c *Config) { c.Storage.Backend = BackendBigQuery }, false},
		{"bad auth mode", func(c *Config) { c.Connector.AuthMode = "basic" }, false},
		{"zero weights", func(c *Config) { c.Scoring.Weights = WeightsConfig{} }, false},
		{"negative weight", func(c *Config) { c.Scoring.Weights.Date = -1 }, false},
		{"review above auto", func(c *Config) { c.Thresholds.ReviewFlag = 0.99 }, false},
		{"threshold above one", func(c *Config) { c.Thresholds.AutoAccept = 1.5 }, false},
		{"no attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, false},
		{"zero sync interval", func(c *Config) { c.Sync.Interval = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
