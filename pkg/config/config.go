// Package config loads engine configuration from a YAML file with
// environment overrides under the CONDSYNC_ prefix.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AccountConfig is one account to sync. Host, Port and TLS are optional;
// when empty the endpoint is derived from the email domain.
type AccountConfig struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	TLS      bool   `mapstructure:"tls"`
	Provider string `mapstructure:"provider"`
}

// Config is the engine's full configuration.
type Config struct {
	DBPath   string `mapstructure:"db_path"`
	LogLevel string `mapstructure:"log_level"`
	Hostname string `mapstructure:"hostname"`

	PollInterval        time.Duration `mapstructure:"poll_interval"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	SlowRefreshInterval time.Duration `mapstructure:"slow_refresh_interval"`
	RescanInterval      time.Duration `mapstructure:"rescan_interval"`
	BackfillWindow      uint32        `mapstructure:"backfill_window"`
	FetchBatch          int           `mapstructure:"fetch_batch"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`

	PurgeInterval time.Duration `mapstructure:"purge_interval"`
	PurgeAge      time.Duration `mapstructure:"purge_age"`

	ActionMaxRetries   int           `mapstructure:"action_max_retries"`
	ActionPoolSize     int           `mapstructure:"action_pool_size"`
	ActionPollInterval time.Duration `mapstructure:"action_poll_interval"`
	ArchiveFolder      string        `mapstructure:"archive_folder"`

	Accounts []AccountConfig `mapstructure:"accounts"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "condsync.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("poll_interval", 30*time.Second)
	v.SetDefault("idle_timeout", 9*time.Minute)
	v.SetDefault("slow_refresh_interval", time.Hour)
	v.SetDefault("rescan_interval", time.Minute)
	v.SetDefault("backfill_window", 500)
	v.SetDefault("fetch_batch", 100)
	v.SetDefault("failure_threshold", 5)
	v.SetDefault("purge_interval", 15*time.Minute)
	v.SetDefault("purge_age", 24*time.Hour)
	v.SetDefault("action_max_retries", 3)
	v.SetDefault("action_pool_size", 4)
	v.SetDefault("action_poll_interval", 10*time.Second)
	v.SetDefault("archive_folder", "Archive")
}

// Load reads configuration from path (optional) and the environment.
// CONDSYNC_DB_PATH overrides db_path and so on.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("condsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/condsync")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must be set")
	}
	for i, a := range c.Accounts {
		if a.Email == "" {
			return fmt.Errorf("accounts[%d]: email must be set", i)
		}
		if a.Password == "" {
			return fmt.Errorf("accounts[%d] (%s): password must be set", i, a.Email)
		}
	}
	return nil
}
