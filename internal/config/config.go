// Package config provides configuration management for manifold using Viper.
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
	defaultHTTPTimeout            = 30 * time.Second
	defaultConnectTimeout         = 5 * time.Second
	defaultNoDataTimeout          = 2 * time.Second
	defaultMaxResponseSize        = 16 * 1024 * 1024 // 16MB
	defaultSteeringTTL            = 300 * time.Second
	defaultBandwidthWindow        = 5
	defaultBandwidthExpiry        = 60 * time.Second
	defaultBandwidthNoiseFloor    = 128 * 1024 // bits/s below which outliers are not clamped
	defaultPlaylistRetryAttempts  = 3
	defaultPlaylistRetryDelay     = 500 * time.Millisecond
	defaultPlaylistRetryMaxDelay  = 4 * time.Second
	defaultDeadAfterFailures      = 3
	defaultDenylistHoldOff        = 10 * time.Second
	defaultDRMClientCacheSize     = 16
	defaultSegmentSearchTryLater  = 100 * time.Millisecond
)

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Playlist PlaylistConfig `mapstructure:"playlist"`
	Steering SteeringConfig `mapstructure:"steering"`
	DRM      DRMConfig      `mapstructure:"drm"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// HTTPConfig holds transport configuration for playlist and steering fetches.
type HTTPConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	NoDataTimeout   time.Duration `mapstructure:"no_data_timeout"`
	MaxResponseSize ByteSize      `mapstructure:"max_response_size"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// PlaylistConfig holds playlist load/reload behavior configuration.
type PlaylistConfig struct {
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	DeadAfterFailures int           `mapstructure:"dead_after_failures"`
	DenylistHoldOff   time.Duration `mapstructure:"denylist_hold_off"`
	// SegmentTryLater is the advisory delay returned when a live segment
	// is not yet available in the current playlist.
	SegmentTryLater time.Duration `mapstructure:"segment_try_later"`
}

// SteeringConfig holds content steering configuration.
type SteeringConfig struct {
	DefaultTTL          time.Duration `mapstructure:"default_ttl"`
	BandwidthWindow     int           `mapstructure:"bandwidth_window"`
	BandwidthExpiry     time.Duration `mapstructure:"bandwidth_expiry"`
	BandwidthNoiseFloor int64         `mapstructure:"bandwidth_noise_floor"`

	// CustomInitialSelection overrides the first CDN choice with a
	// weighted draw, "cdn=weight[,cdn=weight...][;locked]". Empty means
	// the playlist's own preference applies.
	CustomInitialSelection string `mapstructure:"custom_initial_selection"`
}

// DRMConfig holds DRM client cache configuration.
type DRMConfig struct {
	ClientCacheSize int `mapstructure:"client_cache_size"`
}

// Load reads configuration from file, environment, and defaults.
// An empty configPath searches the standard locations.
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
		v.AddConfigPath("/etc/manifold")
		v.AddConfigPath("$HOME/.manifold")
	}

	v.SetEnvPrefix("MANIFOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	// Replacing the default hook chain keeps duration parsing and adds
	// human-readable byte sizes ("16MB") via encoding.TextUnmarshaler.
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// HTTP defaults
	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.connect_timeout", defaultConnectTimeout)
	v.SetDefault("http.no_data_timeout", defaultNoDataTimeout)
	v.SetDefault("http.max_response_size", defaultMaxResponseSize)
	v.SetDefault("http.user_agent", "")

	// Playlist defaults
	v.SetDefault("playlist.retry_attempts", defaultPlaylistRetryAttempts)
	v.SetDefault("playlist.retry_delay", defaultPlaylistRetryDelay)
	v.SetDefault("playlist.retry_max_delay", defaultPlaylistRetryMaxDelay)
	v.SetDefault("playlist.dead_after_failures", defaultDeadAfterFailures)
	v.SetDefault("playlist.denylist_hold_off", defaultDenylistHoldOff)
	v.SetDefault("playlist.segment_try_later", defaultSegmentSearchTryLater)

	// Steering defaults
	v.SetDefault("steering.default_ttl", defaultSteeringTTL)
	v.SetDefault("steering.bandwidth_window", defaultBandwidthWindow)
	v.SetDefault("steering.bandwidth_expiry", defaultBandwidthExpiry)
	v.SetDefault("steering.bandwidth_noise_floor", defaultBandwidthNoiseFloor)
	v.SetDefault("steering.custom_initial_selection", "")

	// DRM defaults
	v.SetDefault("drm.client_cache_size", defaultDRMClientCacheSize)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if c.HTTP.MaxResponseSize < 0 {
		return fmt.Errorf("http.max_response_size must not be negative")
	}

	if c.Playlist.RetryAttempts < 0 {
		return fmt.Errorf("playlist.retry_attempts must not be negative")
	}
	if c.Playlist.DeadAfterFailures < 1 {
		return fmt.Errorf("playlist.dead_after_failures must be at least 1")
	}

	if c.Steering.DefaultTTL <= 0 {
		return fmt.Errorf("steering.default_ttl must be positive")
	}
	if c.Steering.BandwidthWindow < 1 {
		return fmt.Errorf("steering.bandwidth_window must be at least 1")
	}

	if c.DRM.ClientCacheSize < 1 {
		return fmt.Errorf("drm.client_cache_size must be at least 1")
	}

	return nil
}
