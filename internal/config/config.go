// Package config provides configuration management for reencodarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8090
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute

	defaultTargetVMAF         = 95.0
	defaultFallbackPreset     = "6"
	defaultAnalyzeBatchSize   = 10
	defaultAnalyzeConcurrency = 4

	defaultRateLimitMessages = 5
	defaultRateLimitInterval = time.Second

	defaultAnalyzeTimeout = 5 * time.Minute

	defaultNotifyRetryAttempts = 5
	defaultNotifyRetryDelay    = time.Second
	defaultNotifyTimeout       = 30 * time.Second

	defaultOutputTailLines = 1024
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	AbAv1    AbAv1Config    `mapstructure:"ab_av1"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
}

// ServerConfig holds the operator HTTP API configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file workspace configuration.
type StorageConfig struct {
	// TempDir is where in-progress encode outputs (<id>.mkv) are written
	// before being moved over the original file.
	TempDir string `mapstructure:"temp_dir"`
	// CleanOrphansOnStart removes stale temp outputs left by a previous run.
	CleanOrphansOnStart bool `mapstructure:"clean_orphans_on_start"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// AbAv1Config holds external tool configuration.
type AbAv1Config struct {
	// BinaryPath is the ab-av1 binary name or absolute path (empty = "ab-av1" on PATH).
	BinaryPath string `mapstructure:"binary_path"`
	// ProbePath is the ffprobe binary name or absolute path (empty = "ffprobe" on PATH).
	ProbePath string `mapstructure:"probe_path"`
	// TargetVMAF is the minimum VMAF score a CRF sample must reach to be eligible.
	TargetVMAF float64 `mapstructure:"target_vmaf"`
	// FallbackPreset is the SVT preset used for the single CRF-search retry.
	FallbackPreset string `mapstructure:"fallback_preset"`
	// OutputTailLines bounds the ring buffer of recent tool output kept for
	// failure diagnostics.
	OutputTailLines int `mapstructure:"output_tail_lines"`
}

// StageLimits holds per-stage rate limiting and timeout configuration.
type StageLimits struct {
	RateLimitMessages int           `mapstructure:"rate_limit_messages"`
	RateLimitInterval time.Duration `mapstructure:"rate_limit_interval"`
	// Timeout is the absolute bound on one subprocess run. Supports
	// human-readable values like "30d" or "6h".
	Timeout Duration `mapstructure:"timeout"`
}

// PipelineConfig holds stage pipeline configuration.
type PipelineConfig struct {
	Analyze   StageLimits `mapstructure:"analyze"`
	CrfSearch StageLimits `mapstructure:"crf_search"`
	Encode    StageLimits `mapstructure:"encode"`
	// AnalyzeBatchSize is how many videos one analysis message carries.
	AnalyzeBatchSize int `mapstructure:"analyze_batch_size"`
	// AnalyzeConcurrency bounds the probe fan-out inside the analysis handler.
	AnalyzeConcurrency int `mapstructure:"analyze_concurrency"`
	// FailureRetention is how long resolved failure records are kept
	// before the daily prune removes them. Zero disables pruning.
	FailureRetention Duration `mapstructure:"failure_retention"`
}

// StageWatchdog holds stall detection thresholds for one stage.
type StageWatchdog struct {
	WarnAfter Duration `mapstructure:"warn_after"`
	KillAfter Duration `mapstructure:"kill_after"`
}

// WatchdogConfig holds stall detection configuration per stage.
type WatchdogConfig struct {
	CrfSearch StageWatchdog `mapstructure:"crf_search"`
	Encode    StageWatchdog `mapstructure:"encode"`
}

// LibraryService identifies one external movie/series manager to notify
// after an encode replaces a file.
type LibraryService struct {
	// Kind is "sonarr" or "radarr".
	Kind    string `mapstructure:"kind"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// IngestConfig holds library scanning configuration.
type IngestConfig struct {
	// ScanOnStart walks every monitored library once at boot.
	ScanOnStart bool `mapstructure:"scan_on_start"`
	// ScanSchedule is a cron expression for periodic rescans.
	ScanSchedule string `mapstructure:"scan_schedule"`
	// MinFileSize skips files below this size during a scan, keeping
	// sample clips and stubs out of the queue. Zero ingests everything.
	MinFileSize ByteSize `mapstructure:"min_file_size"`
}

// NotifyConfig holds external library notification configuration.
type NotifyConfig struct {
	Services      []LibraryService `mapstructure:"services"`
	RetryAttempts int              `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration    `mapstructure:"retry_delay"`
	Timeout       time.Duration    `mapstructure:"timeout"`
}

// decodeHook decodes string values into the config helper types
// (Duration, ByteSize) via their UnmarshalText, on top of viper's
// stock duration and slice conversions.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with REENCODARR_ and use underscores
// for nesting. Example: REENCODARR_SERVER_PORT=8090.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/reencodarr")
		v.AddConfigPath("$HOME/.reencodarr")
	}

	v.SetEnvPrefix("REENCODARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "reencodarr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.temp_dir", "/tmp/reencodarr")
	v.SetDefault("storage.clean_orphans_on_start", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// External tool defaults
	v.SetDefault("ab_av1.binary_path", "ab-av1")
	v.SetDefault("ab_av1.probe_path", "ffprobe")
	v.SetDefault("ab_av1.target_vmaf", defaultTargetVMAF)
	v.SetDefault("ab_av1.fallback_preset", defaultFallbackPreset)
	v.SetDefault("ab_av1.output_tail_lines", defaultOutputTailLines)

	// Pipeline defaults
	v.SetDefault("pipeline.analyze.rate_limit_messages", defaultRateLimitMessages)
	v.SetDefault("pipeline.analyze.rate_limit_interval", defaultRateLimitInterval)
	v.SetDefault("pipeline.analyze.timeout", defaultAnalyzeTimeout.String())
	v.SetDefault("pipeline.crf_search.rate_limit_messages", defaultRateLimitMessages)
	v.SetDefault("pipeline.crf_search.rate_limit_interval", defaultRateLimitInterval)
	v.SetDefault("pipeline.crf_search.timeout", "6h")
	v.SetDefault("pipeline.encode.rate_limit_messages", defaultRateLimitMessages)
	v.SetDefault("pipeline.encode.rate_limit_interval", defaultRateLimitInterval)
	v.SetDefault("pipeline.encode.timeout", "30d")
	v.SetDefault("pipeline.analyze_batch_size", defaultAnalyzeBatchSize)
	v.SetDefault("pipeline.analyze_concurrency", defaultAnalyzeConcurrency)
	v.SetDefault("pipeline.failure_retention", "90d")

	// Watchdog defaults
	v.SetDefault("watchdog.crf_search.warn_after", "30m")
	v.SetDefault("watchdog.crf_search.kill_after", "1h")
	v.SetDefault("watchdog.encode.warn_after", "23h")
	v.SetDefault("watchdog.encode.kill_after", "24h")

	// Notify defaults
	v.SetDefault("ingest.scan_on_start", true)
	v.SetDefault("ingest.scan_schedule", "@every 1h")
	v.SetDefault("ingest.min_file_size", "10MB")

	v.SetDefault("notify.retry_attempts", defaultNotifyRetryAttempts)
	v.SetDefault("notify.retry_delay", defaultNotifyRetryDelay)
	v.SetDefault("notify.timeout", defaultNotifyTimeout)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.TempDir == "" {
		return fmt.Errorf("storage.temp_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.AbAv1.TargetVMAF <= 0 || c.AbAv1.TargetVMAF > 100 {
		return fmt.Errorf("ab_av1.target_vmaf must be in (0, 100]")
	}
	if c.AbAv1.OutputTailLines < 1 {
		return fmt.Errorf("ab_av1.output_tail_lines must be at least 1")
	}

	for name, sl := range map[string]StageLimits{
		"pipeline.analyze":    c.Pipeline.Analyze,
		"pipeline.crf_search": c.Pipeline.CrfSearch,
		"pipeline.encode":     c.Pipeline.Encode,
	} {
		if sl.RateLimitMessages < 1 {
			return fmt.Errorf("%s.rate_limit_messages must be at least 1", name)
		}
		if sl.RateLimitInterval <= 0 {
			return fmt.Errorf("%s.rate_limit_interval must be positive", name)
		}
		if sl.Timeout.Duration() <= 0 {
			return fmt.Errorf("%s.timeout must be positive", name)
		}
	}
	if c.Pipeline.AnalyzeBatchSize < 1 {
		return fmt.Errorf("pipeline.analyze_batch_size must be at least 1")
	}
	if c.Pipeline.AnalyzeConcurrency < 1 {
		return fmt.Errorf("pipeline.analyze_concurrency must be at least 1")
	}

	for name, wd := range map[string]StageWatchdog{
		"watchdog.crf_search": c.Watchdog.CrfSearch,
		"watchdog.encode":     c.Watchdog.Encode,
	} {
		if wd.KillAfter.Duration() <= 0 {
			return fmt.Errorf("%s.kill_after must be positive", name)
		}
		if wd.WarnAfter.Duration() >= wd.KillAfter.Duration() {
			return fmt.Errorf("%s.warn_after must be below kill_after", name)
		}
	}

	for i, svc := range c.Notify.Services {
		if svc.Kind != "sonarr" && svc.Kind != "radarr" {
			return fmt.Errorf("notify.services[%d].kind must be sonarr or radarr", i)
		}
		if svc.BaseURL == "" {
			return fmt.Errorf("notify.services[%d].base_url is required", i)
		}
	}

	return nil
}
