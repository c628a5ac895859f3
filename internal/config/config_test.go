package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/filetrace/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 300, cfg.Timers.MaxExpirePerCycle)
	assert.Empty(t, cfg.Timers.Delays)
	assert.Equal(t, 2*time.Minute, cfg.Files.TimeoutInterval)
	assert.Equal(t, uint64(4096), cfg.Files.BOFBufferSize)
	assert.Equal(t, 5*time.Minute, cfg.Connections.InactivityTimeout)
	assert.True(t, cfg.Events.Log)
	assert.False(t, cfg.Events.NATS.Enabled)
	assert.Equal(t, "filetrace.events", cfg.Events.NATS.SubjectPrefix)
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
filetrace:
  log:
    level: debug
    format: text
  metrics:
    enabled: true
    listen: "127.0.0.1:9100"
  timers:
    max_expire_per_cycle: 50
    fixed_delays: ["2m", "30s"]
  files:
    timeout_interval: 45s
    bof_buffer_size: 1024
    default_analyzers:
      - tag: hash
        args:
          kind: sha1
      - tag: extract
    extract:
      dir: /tmp/out
      limit: 1048576
  connections:
    inactivity_timeout: 90s
  events:
    log: false
    nats:
      enabled: true
      url: nats://broker:4222
      subject_prefix: ft
      partitions: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)
	assert.Equal(t, 50, cfg.Timers.MaxExpirePerCycle)
	assert.Equal(t, []time.Duration{2 * time.Minute, 30 * time.Second}, cfg.Timers.Delays)
	assert.Equal(t, 45*time.Second, cfg.Files.TimeoutInterval)
	assert.Equal(t, uint64(1024), cfg.Files.BOFBufferSize)
	require.Len(t, cfg.Files.DefaultAnalyzers, 2)
	assert.Equal(t, "hash", cfg.Files.DefaultAnalyzers[0].Tag)
	assert.Equal(t, "sha1", cfg.Files.DefaultAnalyzers[0].Args["kind"])
	assert.Equal(t, "extract", cfg.Files.DefaultAnalyzers[1].Tag)
	assert.Equal(t, "/tmp/out", cfg.Files.Extract.Dir)
	assert.Equal(t, uint64(1048576), cfg.Files.Extract.Limit)
	assert.Equal(t, 90*time.Second, cfg.Connections.InactivityTimeout)
	assert.False(t, cfg.Events.Log)
	assert.True(t, cfg.Events.NATS.Enabled)
	assert.Equal(t, "nats://broker:4222", cfg.Events.NATS.URL)
	assert.Equal(t, 4, cfg.Events.NATS.Partitions)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FILETRACE_LOG_LEVEL", "warn")
	t.Setenv("FILETRACE_TIMERS_MAX_EXPIRE_PER_CYCLE", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 7, cfg.Timers.MaxExpirePerCycle)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "filetrace:\n  log:\n    level: loud\n"},
		{"log format", "filetrace:\n  log:\n    format: xml\n"},
		{"expire budget", "filetrace:\n  timers:\n    max_expire_per_cycle: 0\n"},
		{"fixed delay", "filetrace:\n  timers:\n    fixed_delays: [\"soon\"]\n"},
		{"file timeout", "filetrace:\n  files:\n    timeout_interval: 0s\n"},
		{"analyzer tag", "filetrace:\n  files:\n    default_analyzers:\n      - args: {kind: md5}\n"},
		{"nats url", "filetrace:\n  events:\n    nats:\n      enabled: true\n      url: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestValidateDefaultsNATSPartitions(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Events.NATS.Enabled = true
	cfg.Events.NATS.Partitions = 0
	require.NoError(t, cfg.ValidateAndApplyDefaults())
	assert.Equal(t, 1, cfg.Events.NATS.Partitions)
}
