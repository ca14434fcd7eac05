package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. BANKSYNC_CONNECTOR_API_KEY.
const EnvPrefix = "BANKSYNC"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendBigQuery = "bigquery"
)

// Connector auth modes.
const (
	AuthOAuth  = "oauth"
	AuthAPIKey = "api_key"
)

// Config is the top-level configuration of the engine.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Connector  ConnectorConfig  `yaml:"connector" mapstructure:"connector"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Thresholds ThresholdsConfig `yaml:"thresholds" mapstructure:"thresholds"`
	Archive    ArchiveConfig    `yaml:"archive" mapstructure:"archive"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
}

type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}

// StorageConfig selects where transactions, runs, rules and settlements live.
type StorageConfig struct {
	Backend    string         `yaml:"backend" mapstructure:"backend"`
	SQLitePath string         `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	BigQuery   BigQueryConfig `yaml:"bigquery" mapstructure:"bigquery"`
}

type BigQueryConfig struct {
	ProjectID string `yaml:"project_id" mapstructure:"project_id"`
	DatasetID string `yaml:"dataset_id" mapstructure:"dataset_id"`
}

// ConnectorConfig configures the banking API client.
type ConnectorConfig struct {
	BaseURL        string        `yaml:"base_url" mapstructure:"base_url"`
	AuthMode       string        `yaml:"auth_mode" mapstructure:"auth_mode"`
	OrganizationID string        `yaml:"organization_id" mapstructure:"organization_id"`
	APIKey         string        `yaml:"api_key" mapstructure:"api_key"`
	AccessToken    string        `yaml:"access_token" mapstructure:"access_token"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst          int           `yaml:"burst" mapstructure:"burst"`
}

// RetryConfig is the single backoff policy shared by all connector calls.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" mapstructure:"multiplier"`
}

type SyncConfig struct {
	Accounts     []string      `yaml:"accounts" mapstructure:"accounts"`
	PageSize     int           `yaml:"page_size" mapstructure:"page_size"`
	MaxPages     int           `yaml:"max_pages" mapstructure:"max_pages"`
	StaleAfter   time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	ReapInterval time.Duration `yaml:"reap_interval" mapstructure:"reap_interval"`
	Interval     time.Duration `yaml:"interval" mapstructure:"interval"`
	Workers      int           `yaml:"workers" mapstructure:"workers"`
	MaxRetries   int           `yaml:"max_retries" mapstructure:"max_retries"`
}

// ScoringConfig tunes the confidence scorer.
type ScoringConfig struct {
	Weights         WeightsConfig `yaml:"weights" mapstructure:"weights"`
	AmountTolerance float64       `yaml:"amount_tolerance" mapstructure:"amount_tolerance"`
	DateWindowDays  int           `yaml:"date_window_days" mapstructure:"date_window_days"`
}

// WeightsConfig holds relative weights; they are normalized to sum to 1.
type WeightsConfig struct {
	Amount       float64 `yaml:"amount" mapstructure:"amount"`
	Date         float64 `yaml:"date" mapstructure:"date"`
	Counterparty float64 `yaml:"counterparty" mapstructure:"counterparty"`
}

// ThresholdsConfig controls auto-matching behavior.
type ThresholdsConfig struct {
	AutoAccept float64 `yaml:"auto_accept" mapstructure:"auto_accept"`
	ReviewFlag float64 `yaml:"review_flag" mapstructure:"review_flag"`
}

type ArchiveConfig struct {
	Bucket string `yaml:"bucket" mapstructure:"bucket"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

type NotionConfig struct {
	Token      string `yaml:"token" mapstructure:"token"`
	DatabaseID string `yaml:"database_id" mapstructure:"database_id"`
}

type GeminiConfig struct {
	Model string `yaml:"model" mapstructure:"model"`
}

// APIConfig configures the HTTP server. An empty Token disables authentication.
type APIConfig struct {
	Addr  string `yaml:"addr" mapstructure:"addr"`
	Token string `yaml:"token" mapstructure:"token"`
}

// Default returns a Config usable for local runs against the in-memory store.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Storage: StorageConfig{
			Backend:    BackendMemory,
			SQLitePath: "bank-reconciler.db",
			BigQuery:   BigQueryConfig{DatasetID: "reconciliation"},
		},
		Connector: ConnectorConfig{
			BaseURL:       "https://thirdparty.qonto.com",
			AuthMode:      AuthAPIKey,
			Timeout:       30 * time.Second,
			RatePerSecond: 5,
			Burst:         5,
		},
		Retry: RetryConfig{
			MaxAttempts:  4,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
		Sync: SyncConfig{
			PageSize:     100,
			MaxPages:     50,
			StaleAfter:   15 * time.Minute,
			ReapInterval: time.Minute,
			Interval:     time.Hour,
			Workers:      4,
			MaxRetries:   2,
		},
		Scoring: ScoringConfig{
			Weights:         WeightsConfig{Amount: 1, Date: 1, Counterparty: 1},
			AmountTolerance: 0.05,
			DateWindowDays:  30,
		},
		Thresholds: ThresholdsConfig{
			AutoAccept: 0.95,
			ReviewFlag: 0.70,
		},
		Archive: ArchiveConfig{Prefix: "raw"},
		Gemini:  GeminiConfig{Model: "gemini-2.5-flash"},
		API:     APIConfig{Addr: ":8080"},
	}
}

// Load merges, in increasing precedence, the defaults, the YAML file at path (when
// path is not empty) and BANKSYNC_* environment variables.
func Load(path string) (*Config, error) {
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("Load: marshaling defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("Load: reading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("Load: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("Load: reading %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("Load: decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite backend"))
		}
	case BackendBigQuery:
		if c.Storage.BigQuery.ProjectID == "" || c.Storage.BigQuery.DatasetID == "" {
			errs = append(errs, errors.New("storage.bigquery.project_id and dataset_id are required for the bigquery backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, sqlite, bigquery", c.Storage.Backend))
	}

	if c.Connector.AuthMode != AuthOAuth && c.Connector.AuthMode != AuthAPIKey {
		errs = append(errs, fmt.Errorf("connector.auth_mode %q is not one of oauth, api_key", c.Connector.AuthMode))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if c.Sync.PageSize <= 0 {
		errs = append(errs, errors.New("sync.page_size must be positive"))
	}
	if c.Sync.StaleAfter <= 0 {
		errs = append(errs, errors.New("sync.stale_after must be positive"))
	}
	if c.Sync.Interval <= 0 || c.Sync.ReapInterval <= 0 {
		errs = append(errs, errors.New("sync.interval and sync.reap_interval must be positive"))
	}

	w := c.Scoring.Weights
	if w.Amount < 0 || w.Date < 0 || w.Counterparty < 0 {
		errs = append(errs, errors.New("scoring.weights must not be negative"))
	} else if w.Amount+w.Date+w.Counterparty == 0 {
		errs = append(errs, errors.New("scoring.weights must not all be zero"))
	}
	if c.Scoring.AmountTolerance <= 0 {
		errs = append(errs, errors.New("scoring.amount_tolerance must be positive"))
	}
	if c.Scoring.DateWindowDays <= 0 {
		errs = append(errs, errors.New("scoring.date_window_days must be positive"))
	}

	t := c.Thresholds
	if t.AutoAccept < 0 || t.AutoAccept > 1 || t.ReviewFlag < 0 || t.ReviewFlag > 1 {
		errs = append(errs, errors.New("thresholds must be within [0, 1]"))
	} else if t.ReviewFlag > t.AutoAccept {
		errs = append(errs, errors.New("thresholds.review_flag must not exceed thresholds.auto_accept"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
