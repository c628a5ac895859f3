// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/filetrace/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `filetrace:` root key in YAML.
type GlobalConfig struct {
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Timers      TimersConfig      `mapstructure:"timers"`
	Files       FilesConfig       `mapstructure:"files"`
	Connections ConnectionsConfig `mapstructure:"connections"`
	Events      EventsConfig      `mapstructure:"events"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Timers ───

// TimersConfig tunes the timer scheduler.
type TimersConfig struct {
	MaxExpirePerCycle int      `mapstructure:"max_expire_per_cycle"`
	FixedDelays       []string `mapstructure:"fixed_delays"` // e.g. ["2m", "5m"]

	// Delays holds FixedDelays parsed by ValidateAndApplyDefaults.
	Delays []time.Duration `mapstructure:"-"`
}

// ─── Files ───

// FilesConfig contains file tracking settings.
type FilesConfig struct {
	TimeoutInterval  time.Duration    `mapstructure:"timeout_interval"`
	BOFBufferSize    uint64           `mapstructure:"bof_buffer_size"`
	DefaultAnalyzers []AnalyzerConfig `mapstructure:"default_analyzers"`
	Extract          ExtractConfig    `mapstructure:"extract"`
}

// AnalyzerConfig names an analyzer attached to every new file.
type AnalyzerConfig struct {
	Tag  string         `mapstructure:"tag"`
	Args map[string]any `mapstructure:"args"`
}

// ExtractConfig configures the extract analyzer.
type ExtractConfig struct {
	Dir   string `mapstructure:"dir"`
	Limit uint64 `mapstructure:"limit"` // bytes per file, 0 = unlimited
}

// ─── Connections ───

// ConnectionsConfig contains flow tracking settings.
type ConnectionsConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
}

// ─── Events ───

// EventsConfig selects the event sinks.
type EventsConfig struct {
	Log  bool       `mapstructure:"log"`
	NATS NATSConfig `mapstructure:"nats"`
}

// NATSConfig configures the NATS event sink.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Partitions    int    `mapstructure:"partitions"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `filetrace: ...`.
type configRoot struct {
	Filetrace GlobalConfig `mapstructure:"filetrace"`
}

// Load loads configuration from file. An empty path yields the defaults.
// Env vars override file values through the key path, e.g.
// "filetrace.log.level" is read from FILETRACE_LOG_LEVEL.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Filetrace

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "filetrace." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("filetrace.log.level", "info")
	v.SetDefault("filetrace.log.format", "json")
	v.SetDefault("filetrace.log.outputs.file.enabled", false)
	v.SetDefault("filetrace.log.outputs.file.path", "/var/log/filetrace/filetrace.log")
	v.SetDefault("filetrace.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("filetrace.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("filetrace.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("filetrace.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("filetrace.metrics.enabled", false)
	v.SetDefault("filetrace.metrics.listen", ":9091")
	v.SetDefault("filetrace.metrics.path", "/metrics")

	// Timer defaults
	v.SetDefault("filetrace.timers.max_expire_per_cycle", 300)
	v.SetDefault("filetrace.timers.fixed_delays", []string{})

	// File defaults
	v.SetDefault("filetrace.files.timeout_interval", "2m")
	v.SetDefault("filetrace.files.bof_buffer_size", 4096)
	v.SetDefault("filetrace.files.default_analyzers", []map[string]any{})
	v.SetDefault("filetrace.files.extract.dir", "extract_files")
	v.SetDefault("filetrace.files.extract.limit", 0)

	// Connection defaults
	v.SetDefault("filetrace.connections.inactivity_timeout", "5m")

	// Event sink defaults
	v.SetDefault("filetrace.events.log", true)
	v.SetDefault("filetrace.events.nats.enabled", false)
	v.SetDefault("filetrace.events.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("filetrace.events.nats.subject_prefix", "filetrace.events")
	v.SetDefault("filetrace.events.nats.partitions", 1)
}

// ValidateAndApplyDefaults validates configuration and fills derived fields.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("%w: log.outputs.file.path is required when file output is enabled", core.ErrConfigInvalid)
	}

	// ── Timers ──
	if cfg.Timers.MaxExpirePerCycle <= 0 {
		return fmt.Errorf("%w: timers.max_expire_per_cycle must be positive", core.ErrConfigInvalid)
	}
	cfg.Timers.Delays = cfg.Timers.Delays[:0]
	for _, s := range cfg.Timers.FixedDelays {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return fmt.Errorf("%w: timers.fixed_delays: bad delay %q", core.ErrConfigInvalid, s)
		}
		cfg.Timers.Delays = append(cfg.Timers.Delays, d)
	}

	// ── Files ──
	if cfg.Files.TimeoutInterval <= 0 {
		return fmt.Errorf("%w: files.timeout_interval must be positive", core.ErrConfigInvalid)
	}
	for i, a := range cfg.Files.DefaultAnalyzers {
		if a.Tag == "" {
			return fmt.Errorf("%w: files.default_analyzers[%d]: tag is required", core.ErrConfigInvalid, i)
		}
	}

	// ── Connections ──
	if cfg.Connections.InactivityTimeout <= 0 {
		return fmt.Errorf("%w: connections.inactivity_timeout must be positive", core.ErrConfigInvalid)
	}

	// ── Events ──
	if cfg.Events.NATS.Enabled {
		if cfg.Events.NATS.URL == "" {
			return fmt.Errorf("%w: events.nats.url is required when events.nats.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.Events.NATS.Partitions <= 0 {
			cfg.Events.NATS.Partitions = 1
		}
	}

	return nil
}
