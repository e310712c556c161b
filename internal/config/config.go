// Package config is the settings layer for the real-time core. Defaults are
// tuned for classroom-sized quiz rooms; everything is overridable through
// ARQUIZ_* environment variables or an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable of the connection core.
type Config struct {
	ServerURL string `mapstructure:"server_url"`

	// Connection lifecycle.
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`

	// Heartbeat and health sampling.
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	HealthInterval      time.Duration `mapstructure:"health_interval"`
	HealthMissThreshold int           `mapstructure:"health_miss_threshold"`
	LatencyWindow       int           `mapstructure:"latency_window"`

	// Per-request budgets.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ActionTimeout  time.Duration `mapstructure:"action_timeout"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		ServerURL:           "ws://localhost:8080/ws",
		ConnectTimeout:      15 * time.Second,
		MaxRetries:          8,
		BaseDelay:           time.Second,
		MaxDelay:            30 * time.Second,
		BackoffMultiplier:   2.0,
		HeartbeatInterval:   25 * time.Second,
		HealthInterval:      30 * time.Second,
		HealthMissThreshold: 5,
		LatencyWindow:       10,
		RequestTimeout:      10 * time.Second,
		ActionTimeout:       10 * time.Second,
	}
}

// Load reads configuration with precedence file > environment > defaults.
// A missing file is not an error; the environment and defaults still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix("arquiz")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("server_url", def.ServerURL)
	v.SetDefault("connect_timeout", def.ConnectTimeout)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("base_delay", def.BaseDelay)
	v.SetDefault("max_delay", def.MaxDelay)
	v.SetDefault("backoff_multiplier", def.BackoffMultiplier)
	v.SetDefault("heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault("health_interval", def.HealthInterval)
	v.SetDefault("health_miss_threshold", def.HealthMissThreshold)
	v.SetDefault("latency_window", def.LatencyWindow)
	v.SetDefault("request_timeout", def.RequestTimeout)
	v.SetDefault("action_timeout", def.ActionTimeout)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would break the retry or heartbeat
// machinery at runtime.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server URL cannot be empty")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max delay must be at least base delay")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}
	if c.HealthMissThreshold <= 0 {
		return fmt.Errorf("health miss threshold must be positive")
	}
	if c.LatencyWindow <= 0 {
		return fmt.Errorf("latency window must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.ActionTimeout <= 0 {
		return fmt.Errorf("action timeout must be positive")
	}
	return nil
}
