// Package config handles configuration loading for the POI map server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Data     DataConfig     `yaml:"data"`
	Store    StoreConfig    `yaml:"store"`
	Cache    CacheConfig    `yaml:"cache"`
	Prefetch PrefetchConfig `yaml:"prefetch"`
	Breaker  BreakerConfig  `yaml:"breaker"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port                   int      `yaml:"port"`
	Title                  string   `yaml:"title"`
	CORSOrigins            []string `yaml:"cors_origins"`
	RateLimitRequests      int      `yaml:"rate_limit_requests"`
	RateLimitWindowSeconds int      `yaml:"rate_limit_window_seconds"`
	ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatasetConfig describes one POI database.
type DatasetConfig struct {
	// Name is shown to clients; it defaults to the dataset id.
	Name          string `yaml:"name"`
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	AutoMigrate   bool   `yaml:"auto_migrate"`
	DefaultStatus string `yaml:"default_status"`
}

// DataConfig contains the datasets in declaration order.
//
// Two YAML forms are accepted. The single-dataset form puts driver/dsn
// directly under data and registers it as "default":
//
//	data:
//	  driver: sqlite
//	  dsn: ./data/pois.sqlite
//
// The multi-dataset form maps ids to datasets; the first one is the default:
//
//	data:
//	  vienna: {driver: sqlite, dsn: ./data/vienna.sqlite}
//	  berlin: {driver: postgres, dsn: postgres://...}
type DataConfig struct {
	DefaultDataset string
	Datasets       map[string]DatasetConfig
	order          []string
}

// DatasetIDs returns dataset ids in declaration order.
func (d DataConfig) DatasetIDs() []string {
	return append([]string(nil), d.order...)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return errors.New("data: expected a mapping")
	}

	legacy := false
	for i := 0; i < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "name", "driver", "dsn", "auto_migrate", "default_status":
			legacy = true
		}
	}

	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil

	if legacy {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return err
		}
		d.add("default", ds)
		return nil
	}

	for i := 0; i < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		d.add(id, ds)
	}
	return nil
}

func (d *DataConfig) add(id string, ds DatasetConfig) {
	if _, dup := d.Datasets[id]; !dup {
		d.order = append(d.order, id)
	}
	d.Datasets[id] = ds
	if d.DefaultDataset == "" {
		d.DefaultDataset = id
	}
}

// StoreConfig contains settings shared by all dataset connections.
type StoreConfig struct {
	QueryTimeoutMs int `yaml:"query_timeout_ms"`
	MaxOpenConns   int `yaml:"max_open_conns"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TTLSeconds       int  `yaml:"ttl_seconds"`
	MaxEntries       int  `yaml:"max_entries"`
	SingleFlight     bool `yaml:"single_flight"`
	CountsTTLSeconds int  `yaml:"counts_ttl_seconds"`
	CountsSizeMB     int  `yaml:"counts_size_mb"`
}

// PrefetchConfig contains neighbour prefetch settings.
type PrefetchConfig struct {
	Enabled       *bool   `yaml:"enabled"`
	DelayMs       int     `yaml:"delay_ms"`
	StaggerMs     int     `yaml:"stagger_ms"`
	Limit         int     `yaml:"limit"`
	QueueSize     int     `yaml:"queue_size"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// IsEnabled reports whether prefetch is on; it defaults to true.
func (p PrefetchConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// BreakerConfig contains store circuit breaker settings. MaxFailures 0 disables it.
type BreakerConfig struct {
	MaxFailures        int `yaml:"max_failures"`
	OpenTimeoutSeconds int `yaml:"open_timeout_seconds"`
}

// Load reads configuration from a YAML file, then applies defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		// Return default config if file doesn't exist
		cfg := DefaultConfig()
		applyEnv(cfg)
		return cfg, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:                   8080,
			Title:                  "POI Map",
			CORSOrigins:            []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitRequests:      600,
			RateLimitWindowSeconds: 60,
			ShutdownTimeoutSeconds: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			QueryTimeoutMs: 5000,
			MaxOpenConns:   10,
		},
		Cache: CacheConfig{
			TTLSeconds:   300,
			MaxEntries:   50,
			CountsSizeMB: 16,
		},
		Prefetch: PrefetchConfig{
			DelayMs:       1000,
			StaggerMs:     250,
			Limit:         100,
			QueueSize:     64,
			RatePerSecond: 8,
			Burst:         4,
		},
		Breaker: BreakerConfig{
			MaxFailures:        5,
			OpenTimeoutSeconds: 30,
		},
	}
	cfg.Data.Datasets = make(map[string]DatasetConfig)
	cfg.Data.add("default", DatasetConfig{
		Driver:        "sqlite",
		DSN:           "./data/pois.sqlite",
		AutoMigrate:   true,
		DefaultStatus: "approved",
	})
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.RateLimitWindowSeconds == 0 {
		cfg.Server.RateLimitWindowSeconds = defaults.Server.RateLimitWindowSeconds
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = defaults.Server.ShutdownTimeoutSeconds
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}

	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	for id, ds := range cfg.Data.Datasets {
		if ds.Driver == "" {
			ds.Driver = "sqlite"
		}
		if ds.DefaultStatus == "" {
			ds.DefaultStatus = "approved"
		}
		cfg.Data.Datasets[id] = ds
	}

	if cfg.Store.QueryTimeoutMs == 0 {
		cfg.Store.QueryTimeoutMs = defaults.Store.QueryTimeoutMs
	}
	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = defaults.Store.MaxOpenConns
	}
	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = defaults.Cache.TTLSeconds
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = defaults.Cache.MaxEntries
	}
	if cfg.Cache.CountsSizeMB == 0 {
		cfg.Cache.CountsSizeMB = defaults.Cache.CountsSizeMB
	}
	if cfg.Prefetch.DelayMs == 0 {
		cfg.Prefetch.DelayMs = defaults.Prefetch.DelayMs
	}
	if cfg.Prefetch.Limit == 0 {
		cfg.Prefetch.Limit = defaults.Prefetch.Limit
	}
	if cfg.Prefetch.QueueSize == 0 {
		cfg.Prefetch.QueueSize = defaults.Prefetch.QueueSize
	}
	if cfg.Breaker.OpenTimeoutSeconds == 0 {
		cfg.Breaker.OpenTimeoutSeconds = defaults.Breaker.OpenTimeoutSeconds
	}
}

// applyEnv lets deployments override the listen port, logging and the
// default dataset's connection without editing the YAML file.
func applyEnv(cfg *Config) {
	if v, err := strconv.Atoi(os.Getenv("POIMAP_PORT")); err == nil && v > 0 {
		cfg.Server.Port = v
	}
	if v := os.Getenv("POIMAP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("POIMAP_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	id := cfg.Data.DefaultDataset
	ds, ok := cfg.Data.Datasets[id]
	if !ok {
		return
	}
	if v := os.Getenv("POIMAP_STORE_DRIVER"); v != "" {
		ds.Driver = v
	}
	if v := os.Getenv("POIMAP_STORE_DSN"); v != "" {
		ds.DSN = v
	}
	cfg.Data.Datasets[id] = ds
}

// QueryTimeout returns the per-query timeout.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Store.QueryTimeoutMs) * time.Millisecond
}

// CacheTTL returns the viewport cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// CountsTTL returns the counts cache TTL; zero disables counts caching.
func (c *Config) CountsTTL() time.Duration {
	return time.Duration(c.Cache.CountsTTLSeconds) * time.Second
}

// RateLimitWindow returns the HTTP rate limit window.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Server.RateLimitWindowSeconds) * time.Second
}

// ShutdownTimeout returns how long services get to stop.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
