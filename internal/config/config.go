// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// defaultDataDir returns the default directory for session and ticket data.
// Uses ~/.waticket/ so data is in a fixed location regardless of CWD.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".waticket")
}

// Config holds all configuration for the support desk.
type Config struct {
	// Paths
	SessionPath string `mapstructure:"session_path"`
	StorePath   string `mapstructure:"store_path"`
	MediaDir    string `mapstructure:"media_dir"`

	// Connection
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// Reconnection
	ReconnectBaseDelay  time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectMaxRetries int           `mapstructure:"reconnect_max_retries"`

	// Health
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatFailures int           `mapstructure:"heartbeat_failures"`
	WatchdogStale     time.Duration `mapstructure:"watchdog_stale"`

	// Business hours
	Timezone string `mapstructure:"timezone"`

	// Out-of-hours throttle
	OutOfHoursCooldown time.Duration `mapstructure:"out_of_hours_cooldown"`

	// Jobs
	JobInterval string `mapstructure:"job_interval"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		SessionPath:         filepath.Join(dataDir, "session.db"),
		StorePath:           filepath.Join(dataDir, "tickets.db"),
		MediaDir:            filepath.Join(dataDir, "media"),
		ConnectTimeout:      30 * time.Second,
		ReconnectBaseDelay:  2 * time.Second,
		ReconnectMaxDelay:   5 * time.Minute,
		ReconnectMaxRetries: 10,
		HeartbeatInterval:   30 * time.Second,
		HeartbeatFailures:   3,
		WatchdogStale:       5 * time.Minute,
		Timezone:            "America/Sao_Paulo",
		OutOfHoursCooldown:  120 * time.Minute,
		JobInterval:         "@every 1m",
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// Priority: Environment > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("session_path", defaults.SessionPath)
	v.SetDefault("store_path", defaults.StorePath)
	v.SetDefault("media_dir", defaults.MediaDir)
	v.SetDefault("connect_timeout", defaults.ConnectTimeout)
	v.SetDefault("reconnect_base_delay", defaults.ReconnectBaseDelay)
	v.SetDefault("reconnect_max_delay", defaults.ReconnectMaxDelay)
	v.SetDefault("reconnect_max_retries", defaults.ReconnectMaxRetries)
	v.SetDefault("heartbeat_interval", defaults.HeartbeatInterval)
	v.SetDefault("heartbeat_failures", defaults.HeartbeatFailures)
	v.SetDefault("watchdog_stale", defaults.WatchdogStale)
	v.SetDefault("timezone", defaults.Timezone)
	v.SetDefault("out_of_hours_cooldown", defaults.OutOfHoursCooldown)
	v.SetDefault("job_interval", defaults.JobInterval)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)

	// Environment variables with WATICKET_ prefix
	v.SetEnvPrefix("WATICKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			isNotFound := errors.Is(err, os.ErrNotExist)
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotFound {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.LogFormat)
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}

	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("reconnect base delay must be positive")
	}

	if c.ReconnectMaxDelay <= 0 {
		return fmt.Errorf("reconnect max delay must be positive")
	}

	if c.ReconnectBaseDelay > c.ReconnectMaxDelay {
		return fmt.Errorf("reconnect base delay must be less than or equal to max delay")
	}

	if c.ReconnectMaxRetries < 0 {
		return fmt.Errorf("reconnect max retries must be non-negative")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	if c.HeartbeatFailures <= 0 {
		return fmt.Errorf("heartbeat failures must be positive")
	}

	if c.WatchdogStale <= 0 {
		return fmt.Errorf("watchdog stale threshold must be positive")
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone: %s", c.Timezone)
	}

	if c.OutOfHoursCooldown <= 0 {
		return fmt.Errorf("out-of-hours cooldown must be positive")
	}

	return nil
}
