package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// CacheConfig controls the local cache store.
type CacheConfig struct {
	// Enabled controls whether the cache persists remote content at all.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// MaxSizeMB is the cache budget in megabytes; Prune enforces it after
	// every successful sync cycle.
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
}

// SyncConfig controls the sync engine's scheduling and fetch behavior.
type SyncConfig struct {
	// PollIntervalSec is the fast cadence (sync + snooze check) in seconds.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// PopulateIntervalSec is the slow cadence (background body population)
	// in seconds.
	PopulateIntervalSec int `mapstructure:"populate_interval_sec" yaml:"populate_interval_sec"`

	// Queries is the canonical query list fetched during a full sync.
	Queries []string `mapstructure:"queries" yaml:"queries"`

	// MaxResults bounds each full-sync query page.
	MaxResults int `mapstructure:"max_results" yaml:"max_results"`

	// BatchSize bounds concurrent thread refreshes within one sync cycle.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// PopulateBatch is how many metadata-only threads each slow tick
	// upgrades to full population.
	PopulateBatch int `mapstructure:"populate_batch" yaml:"populate_batch"`
}

// AppConfig is the top-level configuration for the sync daemon.
type AppConfig struct {
	// DBPath is the SQLite database location.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// KeyringService is the keyring service name holding the OAuth token.
	KeyringService string `mapstructure:"keyring_service" yaml:"keyring_service"`

	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`
	Sync  SyncConfig  `mapstructure:"sync" yaml:"sync"`
}

// DefaultQueries is the canonical query set fetched during a full sync.
var DefaultQueries = []string{
	"in:inbox",
	"label:pending",
	"label:todo",
	"label:snoozed",
	"is:starred",
	"in:sent",
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		DBPath:         filepath.Join(defaultDataDir(), "cache.db"),
		KeyringService: "mailsync",
		Cache: CacheConfig{
			Enabled:   true,
			MaxSizeMB: 512,
		},
		Sync: SyncConfig{
			PollIntervalSec:     60,
			PopulateIntervalSec: 120,
			Queries:             DefaultQueries,
			MaxResults:          50,
			BatchSize:           20,
			PopulateBatch:       5,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "mailsync")
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	def := defaultAppConfig()
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("keyring_service", def.KeyringService)
	v.SetDefault("cache.enabled", def.Cache.Enabled)
	v.SetDefault("cache.max_size_mb", def.Cache.MaxSizeMB)
	v.SetDefault("sync.poll_interval_sec", def.Sync.PollIntervalSec)
	v.SetDefault("sync.populate_interval_sec", def.Sync.PopulateIntervalSec)
	v.SetDefault("sync.queries", def.Sync.Queries)
	v.SetDefault("sync.max_results", def.Sync.MaxResults)
	v.SetDefault("sync.batch_size", def.Sync.BatchSize)
	v.SetDefault("sync.populate_batch", def.Sync.PopulateBatch)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return &cfg, nil
}

// MaxCacheBytes returns the configured cache budget in bytes.
func (c *AppConfig) MaxCacheBytes() int64 {
	return int64(c.Cache.MaxSizeMB) * 1024 * 1024
}
