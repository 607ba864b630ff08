package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/soroux/jobpulse/internal/logger"
)

// ManualDispatchCommand is the sentinel command name assigned to jobs that
// were dispatched without a parent command process.
const ManualDispatchCommand = "manual-dispatch"

// Config is the top-level TOML structure for the collector.
type Config struct {
	Log     logger.Config `toml:"log" mapstructure:"log"`
	KV      KVConfig      `toml:"kv" mapstructure:"kv"`
	Store   StoreConfig   `toml:"store" mapstructure:"store"`
	Monitor MonitorConfig `toml:"monitor" mapstructure:"monitor"`
	Analyze AnalyzeConfig `toml:"analyze" mapstructure:"analyze"`
	Sync    SyncConfig    `toml:"sync" mapstructure:"sync"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Notify  NotifyConfig  `toml:"notify" mapstructure:"notify"`
}

// KVConfig selects the correlation-store backend.
type KVConfig struct {
	Backend    string `toml:"backend" mapstructure:"backend"` // memory | badger
	Path       string `toml:"path" mapstructure:"path"`
	SyncWrites bool   `toml:"sync_writes" mapstructure:"sync_writes"`
}

// StoreConfig points at the durable metric store.
// DSN examples: "sqlite:///var/lib/jobpulse/metrics.db", "postgres://...",
// "clickhouse://host:9000".
type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// MonitorConfig controls which lifecycle notifications are recorded.
type MonitorConfig struct {
	Queues                []string      `toml:"queues" mapstructure:"queues"`
	IgnoreCommands        []string      `toml:"ignore_commands" mapstructure:"ignore_commands"`
	CommandsEnabled       bool          `toml:"commands_enabled" mapstructure:"commands_enabled"`
	JobCorrelationEnabled bool          `toml:"job_correlation_enabled" mapstructure:"job_correlation_enabled"`
	TrackingTTL           time.Duration `toml:"tracking_ttl" mapstructure:"tracking_ttl"`
	CompletedTTL          time.Duration `toml:"completed_ttl" mapstructure:"completed_ttl"`
	FailedTTL             time.Duration `toml:"failed_ttl" mapstructure:"failed_ttl"`
	// FrameCount bounds failure stack capture; 0 disables it entirely.
	FrameCount int `toml:"frame_count" mapstructure:"frame_count"`
}

// MonitoredQueue reports whether queue is on the allow-list.
func (m MonitorConfig) MonitoredQueue(queue string) bool {
	for _, q := range m.Queues {
		if q == queue {
			return true
		}
	}
	return false
}

// IgnoredCommand reports whether name is on the deny-list. The empty string
// entry covers anonymous internal invocations.
func (m MonitorConfig) IgnoredCommand(name string) bool {
	for _, c := range m.IgnoreCommands {
		if c == name {
			return true
		}
	}
	return false
}

// AnalyzeConfig holds anomaly-detection thresholds and schedules.
type AnalyzeConfig struct {
	Enabled                   bool    `toml:"enabled" mapstructure:"enabled"`
	RetentionDays             int     `toml:"retention_days" mapstructure:"retention_days"`
	PerformanceThreshold      float64 `toml:"performance_threshold" mapstructure:"performance_threshold"`
	PerformanceThresholdLower float64 `toml:"performance_threshold_lower" mapstructure:"performance_threshold_lower"`
	FailedJobsThreshold       float64 `toml:"failed_jobs_threshold" mapstructure:"failed_jobs_threshold"`
	FailedJobsThresholdLower  float64 `toml:"failed_jobs_threshold_lower" mapstructure:"failed_jobs_threshold_lower"`
	JobCountThreshold         float64 `toml:"job_count_threshold" mapstructure:"job_count_threshold"`
	JobCountThresholdLower    float64 `toml:"job_count_threshold_lower" mapstructure:"job_count_threshold_lower"`
	IntervalMinutes           int     `toml:"interval_minutes" mapstructure:"interval_minutes"`
	ScheduleAnalysisEnabled   bool    `toml:"schedule_analysis_enabled" mapstructure:"schedule_analysis_enabled"`
	MissedExecutionHours      int     `toml:"missed_execution_threshold_hours" mapstructure:"missed_execution_threshold_hours"`
	// ScheduledCommands maps a command name to its expected run interval.
	ScheduledCommands map[string]time.Duration `toml:"scheduled_commands" mapstructure:"scheduled_commands"`
	// APICommands maps an API-triggered command to its expected interval in
	// minutes between invocations.
	APICommands map[string]int `toml:"api_commands" mapstructure:"api_commands"`
}

// SyncConfig controls the periodic Redis-to-database style sync run.
type SyncConfig struct {
	Enabled           bool `toml:"enabled" mapstructure:"enabled"`
	IntervalMinutes   int  `toml:"interval_minutes" mapstructure:"interval_minutes"`
	BatchSize         int  `toml:"batch_size" mapstructure:"batch_size"`
	CleanupEnabled    bool `toml:"cleanup_enabled" mapstructure:"cleanup_enabled"`
	CleanupAfterHours int  `toml:"cleanup_after_hours" mapstructure:"cleanup_after_hours"`
	MaxMemoryMB       int  `toml:"max_memory_mb" mapstructure:"max_memory_mb"`
	TimeoutSeconds    int  `toml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// ServerConfig configures the read API.
type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// NotifyConfig configures anomaly delivery.
type NotifyConfig struct {
	WebhookURL string `toml:"webhook_url" mapstructure:"webhook_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("kv.backend", "memory")
	v.SetDefault("monitor.commands_enabled", true)
	v.SetDefault("monitor.job_correlation_enabled", true)
	v.SetDefault("monitor.tracking_ttl", "24h")
	v.SetDefault("monitor.completed_ttl", "1h")
	v.SetDefault("monitor.failed_ttl", "48h")
	v.SetDefault("monitor.frame_count", 3)
	v.SetDefault("monitor.ignore_commands", []string{""})
	v.SetDefault("analyze.enabled", true)
	v.SetDefault("analyze.retention_days", 7)
	v.SetDefault("analyze.performance_threshold", 1.5)
	v.SetDefault("analyze.performance_threshold_lower", 0.5)
	v.SetDefault("analyze.failed_jobs_threshold", 2.0)
	v.SetDefault("analyze.failed_jobs_threshold_lower", 0.1)
	v.SetDefault("analyze.job_count_threshold", 1.5)
	v.SetDefault("analyze.job_count_threshold_lower", 0.5)
	v.SetDefault("analyze.interval_minutes", 15)
	v.SetDefault("analyze.schedule_analysis_enabled", true)
	v.SetDefault("analyze.missed_execution_threshold_hours", 2)
	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval_minutes", 5)
	v.SetDefault("sync.batch_size", 500)
	v.SetDefault("sync.cleanup_enabled", false)
	v.SetDefault("sync.cleanup_after_hours", 24)
	v.SetDefault("sync.max_memory_mb", 100)
	v.SetDefault("sync.timeout_seconds", 300)
	v.SetDefault("server.listen", ":8321")
	v.SetDefault("server.base_path", "/api/job-monitor")
}

// Load reads and validates a TOML config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate enforces the required keys. A collector with no store DSN or no
// monitored queues cannot do anything useful, so both are startup-fatal.
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return errors.New("store.dsn is required")
	}
	if len(c.Monitor.Queues) == 0 {
		return errors.New("monitor.queues must list at least one queue")
	}
	if c.KV.Backend == "badger" && c.KV.Path == "" {
		return errors.New("kv.path is required for the badger backend")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be > 0")
	}
	if c.Analyze.RetentionDays <= 0 {
		return errors.New("analyze.retention_days must be > 0")
	}
	for name, d := range c.Analyze.ScheduledCommands {
		if d <= 0 {
			return fmt.Errorf("analyze.scheduled_commands[%s] must be a positive interval", name)
		}
	}
	for name, m := range c.Analyze.APICommands {
		if m <= 0 {
			return fmt.Errorf("analyze.api_commands[%s] must be positive minutes", name)
		}
	}
	return nil
}

// Default returns the built-in configuration with the given store DSN and a
// single monitored queue. Used by tests and embedders.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	c.Monitor.Queues = []string{"default"}
	return &c
}
