package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultTestConfig(t *testing.T) *Config {
	t.Helper()

	v := viper.New()
	SetDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())))
	return &cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaultTestConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "ab-av1", cfg.AbAv1.BinaryPath)
	assert.Equal(t, 95.0, cfg.AbAv1.TargetVMAF)
	assert.Equal(t, "6", cfg.AbAv1.FallbackPreset)
	assert.Equal(t, 1024, cfg.AbAv1.OutputTailLines)

	// Per-stage limits
	assert.Equal(t, 5, cfg.Pipeline.Encode.RateLimitMessages)
	assert.Equal(t, time.Second, cfg.Pipeline.Encode.RateLimitInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.Pipeline.Encode.Timeout.Duration())
	assert.Equal(t, 6*time.Hour, cfg.Pipeline.CrfSearch.Timeout.Duration())
	assert.Equal(t, 90*24*time.Hour, cfg.Pipeline.FailureRetention.Duration())

	// Ingest
	assert.True(t, cfg.Ingest.ScanOnStart)
	assert.Equal(t, int64(10*1024*1024), cfg.Ingest.MinFileSize.Int64())

	// Watchdog thresholds
	assert.Equal(t, 30*time.Minute, cfg.Watchdog.CrfSearch.WarnAfter.Duration())
	assert.Equal(t, time.Hour, cfg.Watchdog.CrfSearch.KillAfter.Duration())
	assert.Equal(t, 23*time.Hour, cfg.Watchdog.Encode.WarnAfter.Duration())
	assert.Equal(t, 24*time.Hour, cfg.Watchdog.Encode.KillAfter.Duration())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "invalid driver",
			mutate:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: "database.driver",
		},
		{
			name:    "missing dsn",
			mutate:  func(c *Config) { c.Database.DSN = "" },
			wantErr: "database.dsn",
		},
		{
			name:    "missing temp dir",
			mutate:  func(c *Config) { c.Storage.TempDir = "" },
			wantErr: "storage.temp_dir",
		},
		{
			name:    "vmaf out of range",
			mutate:  func(c *Config) { c.AbAv1.TargetVMAF = 101 },
			wantErr: "target_vmaf",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.Pipeline.Encode.RateLimitMessages = 0 },
			wantErr: "rate_limit_messages",
		},
		{
			name: "warn above kill",
			mutate: func(c *Config) {
				c.Watchdog.Encode.WarnAfter = Duration(25 * time.Hour)
			},
			wantErr: "warn_after",
		},
		{
			name: "unknown notify kind",
			mutate: func(c *Config) {
				c.Notify.Services = []LibraryService{{Kind: "lidarr", BaseURL: "http://x"}}
			},
			wantErr: "kind",
		},
		{
			name: "notify missing base url",
			mutate: func(c *Config) {
				c.Notify.Services = []LibraryService{{Kind: "sonarr"}}
			},
			wantErr: "base_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultTestConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStageTimeoutParsing(t *testing.T) {
	// "30d" style values come through the Duration text unmarshaler.
	d, err := ParseDuration("30d")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, d.Duration())
}
