// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"time"

	"github.com/spf13/viper"
)

// RateLimitConfig is one bucket entry in a loaded configuration file,
// matching the ProcCfg-style tunables apns2's governor reads at startup.
type RateLimitConfig struct {
	Key           string  `mapstructure:"key"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	MaxRPS        float64 `mapstructure:"max_rps"`
}

// Config is the top-level configuration for the demo CLI, loaded via
// spf13/viper the way the rest of the retrieved pack's CLIs do.
type Config struct {
	InsecureSkipVerify bool              `mapstructure:"insecure_skip_verify"`
	WorkerPoolSize     int               `mapstructure:"worker_pool_size"`
	MetricsNamespace   string            `mapstructure:"metrics_namespace"`
	RateLimits         []RateLimitConfig `mapstructure:"rate_limits"`
	DefaultTimeout     time.Duration     `mapstructure:"default_timeout"`
}

// LoadConfig reads configuration from path (if non-empty), environment
// variables prefixed EVENTHTTP_, and built-in defaults. Precedence, lowest
// to highest: defaults, file, env.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("insecure_skip_verify", false)
	v.SetDefault("worker_pool_size", 4)
	v.SetDefault("metrics_namespace", "eventhttp")
	v.SetDefault("default_timeout", 60*time.Second)

	v.SetEnvPrefix("EVENTHTTP")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &ConfigError{Reason: "reading config file: " + err.Error()}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Reason: "decoding config: " + err.Error()}
	}
	return &cfg, nil
}

// ApplyRateLimits installs every configured bucket into rm.
func (c *Config) ApplyRateLimits(rm *RateManager) {
	for _, rl := range c.RateLimits {
		rm.SetLimit(rl.Key, rl.MaxConcurrent, rl.MaxRPS)
	}
}
