// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Session   SessionConfig   `mapstructure:"session"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port               int `mapstructure:"port"`
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_seconds"`
}

// DBConfig controls access to the relational database. An empty DSN
// selects the in-memory stores.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeSec int    `mapstructure:"conn_lifetime_seconds"`
}

// CrawlerConfig sets the defaults applied to every crawl unless the
// start request overrides them.
type CrawlerConfig struct {
	UserAgent       string `mapstructure:"user_agent"`
	Concurrency     int    `mapstructure:"concurrency"`
	MaxDepthDefault int    `mapstructure:"max_depth_default"`
	DelayMs         int    `mapstructure:"delay_ms"`
}

// JobsConfig governs the in-process job registry.
type JobsConfig struct {
	MaxFinished int `mapstructure:"max_finished"`
}

// SchedulerConfig governs the periodic site-schedule sync.
type SchedulerConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	SyncIntervalSec int  `mapstructure:"sync_interval_seconds"`
}

// SessionConfig bounds websocket subscription sessions.
type SessionConfig struct {
	MaxMessageSizeBytes int `mapstructure:"max_message_size_bytes"`
	PollBackoffMs       int `mapstructure:"poll_backoff_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLMUX")
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
	v.SetDefault("server.port", 8888)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_seconds", 1800)
	v.SetDefault("crawler.user_agent", "crawlmux/1.0")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.max_depth_default", 2)
	v.SetDefault("crawler.delay_ms", 0)
	v.SetDefault("jobs.max_finished", 100)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.sync_interval_seconds", 30)
	v.SetDefault("session.max_message_size_bytes", 1<<20)
	v.SetDefault("session.poll_backoff_ms", 1000)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Jobs.MaxFinished <= 0 {
		return fmt.Errorf("jobs.max_finished must be > 0")
	}
	if c.Scheduler.Enabled && c.Scheduler.SyncIntervalSec <= 0 {
		return fmt.Errorf("scheduler.sync_interval_seconds must be > 0 when the scheduler is enabled")
	}
	if c.Session.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("session.max_message_size_bytes must be > 0")
	}
	return nil
}

// SyncInterval converts the scheduler knob into a duration.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.Scheduler.SyncIntervalSec) * time.Second
}

// PollBackoff converts the session knob into a duration.
func (c Config) PollBackoff() time.Duration {
	return time.Duration(c.Session.PollBackoffMs) * time.Millisecond
}

// ShutdownTimeout converts the server knob into a duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}

// ConnLifetime converts the database knob into a duration.
func (c Config) ConnLifetime() time.Duration {
	return time.Duration(c.DB.ConnLifetimeSec) * time.Second
}

// BaseSettings renders the crawler defaults as engine settings.
func (c Config) BaseSettings() map[string]any {
	return map[string]any{
		"user_agent":  c.Crawler.UserAgent,
		"concurrency": c.Crawler.Concurrency,
		"max_depth":   c.Crawler.MaxDepthDefault,
		"delay_ms":    c.Crawler.DelayMs,
	}
}
