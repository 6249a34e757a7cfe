// Package config loads and validates permit pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/permit-crawler/internal/confidence"
	"github.com/JakeFAU/permit-crawler/internal/telemetry"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig     `mapstructure:"logging"`
	HTTP       HTTPConfig        `mapstructure:"http"`
	Listing    ListingConfig     `mapstructure:"listing"`
	Jobs       JobsConfig        `mapstructure:"jobs"`
	Worker     WorkerConfig      `mapstructure:"worker"`
	Confidence confidence.Params `mapstructure:"confidence"`
	PDF        PDFConfig         `mapstructure:"pdf"`
	Headless   HeadlessConfig    `mapstructure:"headless"`
	Records    RecordsConfig     `mapstructure:"records"`
	Storage    StorageConfig     `mapstructure:"storage"`
	PubSub     PubSubConfig      `mapstructure:"pubsub"`
	Server     ServerConfig      `mapstructure:"server"`
	Telemetry  telemetry.Config  `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures fetching, retries and politeness.
type HTTPConfig struct {
	TimeoutSeconds    int      `mapstructure:"timeout_seconds"`
	UserAgent         string   `mapstructure:"user_agent"`
	AlternateAgents   []string `mapstructure:"alternate_user_agents"`
	MaxBodyBytes      int      `mapstructure:"max_body_bytes"`
	BackoffMs         []int    `mapstructure:"backoff_ms"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second"`
	Burst             int      `mapstructure:"burst"`
	IgnoreRobots      bool     `mapstructure:"ignore_robots"`
}

// ListingConfig points at the permit listing.
type ListingConfig struct {
	URL      string `mapstructure:"url"`
	MaxPages int    `mapstructure:"max_pages"`
}

// JobsConfig controls the parse job file.
type JobsConfig struct {
	Path           string `mapstructure:"path"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	RetentionHours int    `mapstructure:"retention_hours"`
}

// WorkerConfig controls batch processing.
type WorkerConfig struct {
	BatchSize         int     `mapstructure:"batch_size"`
	InterJobDelayMs   int     `mapstructure:"inter_job_delay_ms"`
	DetailURLTemplate string  `mapstructure:"detail_url_template"`
	MinConfidence     float64 `mapstructure:"min_confidence"`
	SnippetChars      int     `mapstructure:"snippet_chars"`
}

// PDFConfig locates the pdftotext binary.
type PDFConfig struct {
	PdfToTextPath string `mapstructure:"pdftotext_path"`
}

// HeadlessConfig configures the chromedp renderer used by the alternative strategy.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// RecordsConfig selects the permit record store.
type RecordsConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Table  string `mapstructure:"table"`
}

// StorageConfig selects where raw artifacts are archived.
type StorageConfig struct {
	Provider     string `mapstructure:"provider"`
	BaseDir      string `mapstructure:"base_dir"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	CacheControl string `mapstructure:"cache_control"`
}

// PubSubConfig holds job event publishing settings.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// Load builds a Config from defaults, an optional file and PERMITS_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PERMITS")
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
	defaults := confidence.DefaultParams()

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.user_agent", "permit-crawler/0.1")
	v.SetDefault("http.max_body_bytes", 32<<20)
	v.SetDefault("http.backoff_ms", []int{500, 1000, 2000})
	v.SetDefault("http.requests_per_second", 1.0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.ignore_robots", true)
	v.SetDefault("listing.max_pages", 1)
	v.SetDefault("jobs.path", "data/parse_jobs.jsonl")
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.retention_hours", 24*30)
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.inter_job_delay_ms", 1000)
	v.SetDefault("worker.min_confidence", 0.0)
	v.SetDefault("worker.snippet_chars", 500)
	v.SetDefault("confidence.location_bonus", defaults.LocationBonus)
	v.SetDefault("confidence.penalty_factor", defaults.PenaltyFactor)
	v.SetDefault("confidence.placeholder", defaults.Placeholder)
	v.SetDefault("pdf.pdftotext_path", "pdftotext")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("records.driver", "sqlite")
	v.SetDefault("records.dsn", "data/permits.db")
	v.SetDefault("records.table", "permits")
	v.SetDefault("storage.provider", "none")
	v.SetDefault("storage.prefix", "permits")
	v.SetDefault("pubsub.topic", "permit-jobs")
	v.SetDefault("server.port", 8080)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "permit-crawler")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if len(c.HTTP.BackoffMs) == 0 {
		return fmt.Errorf("http.backoff_ms must list at least one attempt")
	}
	for _, ms := range c.HTTP.BackoffMs {
		if ms < 0 {
			return fmt.Errorf("http.backoff_ms entries must be >= 0")
		}
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	if strings.TrimSpace(c.Jobs.Path) == "" {
		return fmt.Errorf("jobs.path is required")
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("jobs.max_attempts must be > 0")
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be > 0")
	}
	if c.Worker.MinConfidence < 0 || c.Worker.MinConfidence >= 1 {
		return fmt.Errorf("worker.min_confidence must be in [0,1)")
	}
	if t := c.Worker.DetailURLTemplate; t != "" && strings.Count(t, "%s") != 1 {
		return fmt.Errorf("worker.detail_url_template must contain exactly one %%s")
	}
	if c.Confidence.PenaltyFactor < 0 || c.Confidence.PenaltyFactor > 1 {
		return fmt.Errorf("confidence.penalty_factor must be in [0,1]")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Records.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Records.DSN == "" {
			return fmt.Errorf("records.dsn is required for driver %s", c.Records.Driver)
		}
	default:
		return fmt.Errorf("records.driver must be memory, sqlite or postgres")
	}
	switch c.Storage.Provider {
	case "none", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local provider")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider must be none, memory, local or gcs")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic are required when pubsub is enabled")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("telemetry.exporter must be none or stdout")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be in [0,1]")
	}
	return nil
}

// Timeout returns the per-request fetch timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Backoff converts the retry schedule to durations.
func (c Config) Backoff() []time.Duration {
	out := make([]time.Duration, len(c.HTTP.BackoffMs))
	for i, ms := range c.HTTP.BackoffMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// InterJobDelay returns the pause between jobs of a batch.
func (c Config) InterJobDelay() time.Duration {
	return time.Duration(c.Worker.InterJobDelayMs) * time.Millisecond
}

// Retention returns how long terminal jobs are kept before purge.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Jobs.RetentionHours) * time.Hour
}
