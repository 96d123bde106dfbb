// Package config loads and validates downloader configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Pager      PagerConfig      `mapstructure:"pager"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	DB         DBConfig         `mapstructure:"db"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Token      TokenConfig      `mapstructure:"token"`
	Tiles      TilesConfig      `mapstructure:"tiles"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig holds the Basic credentials the push subscription presents.
type AuthConfig struct {
	NotificationUsername string `mapstructure:"notification_username"`
	NotificationPassword string `mapstructure:"notification_password"`
}

// CatalogConfig points at the remote catalog's three endpoints and governs
// the search client's paging and retry behavior.
type CatalogConfig struct {
	SearchURL        string `mapstructure:"search_url"`
	ChecksumURL      string `mapstructure:"checksum_url"`
	ZipperURL        string `mapstructure:"zipper_url"`
	PageSize         int    `mapstructure:"page_size"`
	LookbackDays     int    `mapstructure:"lookback_days"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	MaxElapsedSec    int    `mapstructure:"max_elapsed_seconds"`
}

// PagerConfig bounds one pager invocation's execution budget.
type PagerConfig struct {
	BudgetSeconds      int `mapstructure:"budget_seconds"`
	MinRemainingMillis int `mapstructure:"min_remaining_millis"`
}

// DownloaderConfig governs the download worker pool.
type DownloaderConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	MaxRetries  int `mapstructure:"max_retries"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// QueueConfig selects and configures the download queue backend.
type QueueConfig struct {
	Backend     string `mapstructure:"backend"`
	URL         string `mapstructure:"url"`
	WaitSeconds int32  `mapstructure:"wait_seconds"`
	Region      string `mapstructure:"region"`
	Depth       int    `mapstructure:"depth"`
}

// StorageConfig selects and configures the blob store backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Region  string `mapstructure:"region"`
}

// PubSubConfig holds metadata for downloaded-granule event notifications.
// Leaving both fields empty disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TokenConfig locates the bearer credential the token-rotation cron refreshes.
type TokenConfig struct {
	Path string `mapstructure:"path"`
}

// TilesConfig locates the accepted-tile list.
type TilesConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("S2")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("catalog.search_url", "https://catalogue.dataspace.copernicus.eu")
	v.SetDefault("catalog.checksum_url", "https://catalogue.dataspace.copernicus.eu")
	v.SetDefault("catalog.zipper_url", "https://zipper.dataspace.copernicus.eu")
	v.SetDefault("catalog.page_size", 2000)
	v.SetDefault("catalog.lookback_days", 30)
	v.SetDefault("catalog.timeout_seconds", 60)
	v.SetDefault("catalog.max_retries", 3)
	v.SetDefault("catalog.backoff_initial_ms", 250)
	v.SetDefault("catalog.backoff_max_ms", 5000)
	v.SetDefault("catalog.max_elapsed_seconds", 120)
	v.SetDefault("pager.budget_seconds", 840)
	v.SetDefault("pager.min_remaining_millis", 60000)
	v.SetDefault("downloader.concurrency", 4)
	v.SetDefault("downloader.max_retries", 10)
	v.SetDefault("queue.backend", "sqs")
	v.SetDefault("queue.wait_seconds", 20)
	v.SetDefault("queue.depth", 64)
	v.SetDefault("storage.backend", "s3")
	v.SetDefault("tiles.path", "allowed_tiles.txt")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Catalog.PageSize <= 0 {
		return fmt.Errorf("catalog.page_size must be > 0")
	}
	if c.Catalog.LookbackDays <= 0 {
		return fmt.Errorf("catalog.lookback_days must be > 0")
	}
	if c.Pager.MinRemainingMillis <= 0 {
		return fmt.Errorf("pager.min_remaining_millis must be > 0")
	}
	if c.Pager.BudgetSeconds*1000 <= c.Pager.MinRemainingMillis {
		return fmt.Errorf("pager.budget_seconds must exceed pager.min_remaining_millis")
	}
	if c.Downloader.Concurrency <= 0 {
		return fmt.Errorf("downloader.concurrency must be > 0")
	}
	if c.Downloader.MaxRetries < 0 {
		return fmt.Errorf("downloader.max_retries must be >= 0")
	}
	switch c.Queue.Backend {
	case "sqs":
		if c.Queue.URL == "" {
			return fmt.Errorf("queue.url must be set for the sqs backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	switch c.Storage.Backend {
	case "s3", "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the %s backend", c.Storage.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// PagerBudget returns the execution-time budget for one pager invocation.
func (c Config) PagerBudget() time.Duration {
	return time.Duration(c.Pager.BudgetSeconds) * time.Second
}

// PagerThreshold returns the bail-early remaining-time threshold.
func (c Config) PagerThreshold() time.Duration {
	return time.Duration(c.Pager.MinRemainingMillis) * time.Millisecond
}
