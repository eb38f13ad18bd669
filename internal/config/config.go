// Package config provides configuration types for policyledger.
//
// Configuration is read from policyledger.yaml and POLICYLEDGER_* environment
// variables. Durations are strings parsed with time.ParseDuration.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	// Log configures the slog handler.
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// Store selects where events, snapshots and saga instances live.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Bus selects how appended events are fanned out.
	Bus BusConfig `yaml:"bus" mapstructure:"bus"`

	// Commands tunes the command service.
	Commands CommandsConfig `yaml:"commands" mapstructure:"commands"`

	// Sagas tunes the saga manager and deadline scheduler.
	Sagas SagasConfig `yaml:"sagas" mapstructure:"sagas"`

	// Conflicts tunes conflict detection.
	Conflicts ConflictsConfig `yaml:"conflicts" mapstructure:"conflicts"`

	// Audit configures where compliance decisions are recorded.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Ops configures the health and metrics listener.
	Ops OpsConfig `yaml:"ops" mapstructure:"ops"`

	// Telemetry configures OpenTelemetry exporters.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Predicates maps custom predicate names to CEL expressions.
	Predicates map[string]string `yaml:"predicates" mapstructure:"predicates" validate:"omitempty,dive,keys,required,endkeys,required"`

	// DevMode switches to in-memory stores and debug logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Defaults to "info".
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	// Format is "text" (default) or "json".
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "memory" or "sqlite". Defaults to "sqlite".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"required,oneof=memory sqlite"`
	// Path is the sqlite database file. Defaults to "policyledger.db".
	Path string `yaml:"path" mapstructure:"path" validate:"required_if=Driver sqlite"`
	// SnapshotDir stores snapshots as files instead of in the event store.
	SnapshotDir string `yaml:"snapshot_dir" mapstructure:"snapshot_dir"`
	// SnapshotInterval is the number of events between snapshots. Defaults to 100.
	SnapshotInterval int `yaml:"snapshot_interval" mapstructure:"snapshot_interval" validate:"omitempty,min=1"`
}

// BusConfig selects the event bus.
type BusConfig struct {
	// Driver is "memory" or "redis". Defaults to "memory".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"required,bus_driver"`
	// Namespace is the subject prefix. Defaults to "events.policy".
	Namespace string `yaml:"namespace" mapstructure:"namespace" validate:"required"`
	// Redis is used when Driver is "redis".
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"min=0"`
}

// CommandsConfig tunes command handling.
type CommandsConfig struct {
	// MaxRetries bounds retries after a concurrency conflict. Defaults to 3.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=1,max=20"`
}

// SagasConfig tunes sagas.
type SagasConfig struct {
	// ApprovalLevels are the reviewer levels forming a quorum.
	// Defaults to manager and director.
	ApprovalLevels []string `yaml:"approval_levels" mapstructure:"approval_levels" validate:"omitempty,dive,required"`
	// AuditInterval is the time between periodic audits (e.g., "24h").
	AuditInterval string `yaml:"audit_interval" mapstructure:"audit_interval" validate:"omitempty,duration"`
	// TickInterval is how often deadlines are checked (e.g., "1s").
	TickInterval string `yaml:"tick_interval" mapstructure:"tick_interval" validate:"omitempty,duration"`
}

// ConflictsConfig tunes conflict detection.
type ConflictsConfig struct {
	// CacheSize is the number of memoised detections. Defaults to 256.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// AuditConfig configures decision audit output.
type AuditConfig struct {
	// Output is "stdout", "none", or "file:///absolute/dir".
	// Defaults to "stdout".
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// ChannelSize is the buffer size for the audit channel. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records to batch before writing. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often pending records are flushed. Defaults to "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long Record blocks on a full channel before
	// dropping. "0" drops immediately. Defaults to "100ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// WarningThreshold is the channel fill percentage that logs a warning.
	// Defaults to 80.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`

	// RetentionDays applies to file output. Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileSizeMB applies to file output. Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// BufferSize is the number of recent records kept in memory. Defaults to 1000.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
}

// OpsConfig configures the ops listener started by `serve`.
type OpsConfig struct {
	// Enabled defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Addr defaults to "127.0.0.1:9090" (localhost only).
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// Enabled turns on the stdout trace and metric exporters.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// MetricInterval is the metric export period. Defaults to "30s".
	MetricInterval string `yaml:"metric_interval" mapstructure:"metric_interval" validate:"omitempty,duration"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "policyledger.db"
	}
	if c.Store.SnapshotInterval == 0 {
		c.Store.SnapshotInterval = 100
	}

	if c.Bus.Driver == "" {
		c.Bus.Driver = "memory"
	}
	if c.Bus.Namespace == "" {
		c.Bus.Namespace = "events.policy"
	}
	if c.Bus.Driver == "redis" && c.Bus.Redis.Addr == "" {
		c.Bus.Redis.Addr = "localhost:6379"
	}

	if c.Commands.MaxRetries == 0 {
		c.Commands.MaxRetries = 3
	}
	if len(c.Sagas.ApprovalLevels) == 0 {
		c.Sagas.ApprovalLevels = []string{"manager", "director"}
	}
	if c.Sagas.AuditInterval == "" {
		c.Sagas.AuditInterval = "24h"
	}
	if c.Sagas.TickInterval == "" {
		c.Sagas.TickInterval = "1s"
	}
	if c.Conflicts.CacheSize == 0 {
		c.Conflicts.CacheSize = 256
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}

	// viper.IsSet distinguishes "not set" from "explicitly false".
	if !viper.IsSet("ops.enabled") {
		c.Ops.Enabled = true
	}
	if c.Ops.Addr == "" {
		c.Ops.Addr = "127.0.0.1:9090"
	}
	if c.Telemetry.MetricInterval == "" {
		c.Telemetry.MetricInterval = "30s"
	}
}

// SetDevDefaults switches to in-memory storage and debug logging.
// Applied before validation.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Store.Driver = "memory"
	c.Store.Path = ""
	c.Log.Level = "debug"
}

// Duration parses a duration field, falling back to def when s is empty
// or invalid. Validate rejects invalid values beforehand.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
