package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log:
  level: debug
  file: /var/log/dyntdmd.log
  max_backups: 5
engine:
  max_spans: 16
  liveness_timeout: 500ms
  deferred: true
tick:
  period: 2ms
  housekeeping: 250ms
eth:
  enabled: true
udp:
  enabled: true
  listen: 127.0.0.1:4100
database:
  enabled: true
  path: /var/lib/dyntdm/spans.db
metrics:
  listen: :9100
spans:
  - driver: loc
    address: "1:0"
    channels: 24
    timing: 1
  - driver: eth
    address: eth0/00:11:22:33:44:55/2
    channels: 31
`

func TestConfig_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dyntdmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	cfg := NewConfig(path)
	require.NoError(t, cfg.Load())
	require.NoError(t, cfg.Validate())

	assert.Equal(t, path, cfg.Filename())
	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	assert.Equal(t, "/var/log/dyntdmd.log", cfg.Log.File)
	assert.Equal(t, 5, cfg.Log.MaxBackups)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB, "default kept")

	assert.Equal(t, 16, cfg.Engine.MaxSpans)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.LivenessTimeout)
	assert.True(t, cfg.Engine.Deferred)
	assert.Equal(t, 8, cfg.Engine.ChunkSize, "default kept")
	assert.Equal(t, 256, cfg.Engine.MaxChannels, "default kept")

	assert.Equal(t, 2*time.Millisecond, cfg.Tick.Period)
	assert.Equal(t, 250*time.Millisecond, cfg.Tick.Housekeeping)
	assert.True(t, cfg.Eth.Enabled)
	assert.Equal(t, "127.0.0.1:4100", cfg.UDP.Listen)
	assert.Equal(t, "/var/lib/dyntdm/spans.db", cfg.Database.Path)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
	assert.Equal(t, "127.0.0.1:8086", cfg.Control.Listen, "default kept")

	require.Len(t, cfg.Spans, 2)
	assert.Equal(t, SpanConfig{Driver: "loc", Address: "1:0", Channels: 24, Timing: 1}, cfg.Spans[0])
	assert.Zero(t, cfg.Spans[1].Timing)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := NewConfig("unused")
	require.NoError(t, cfg.LoadFromString(""))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Millisecond, cfg.Tick.Period)
	assert.Equal(t, time.Second, cfg.Tick.Housekeeping)
	assert.Equal(t, time.Second, cfg.Engine.LivenessTimeout)
	assert.Equal(t, ":4000", cfg.UDP.Listen)
	assert.False(t, cfg.UDP.Enabled)
	assert.False(t, cfg.Database.Enabled)
	assert.Empty(t, cfg.Metrics.Listen)
}

func TestConfig_LoadErrors(t *testing.T) {
	assert.Error(t, NewConfig(filepath.Join(t.TempDir(), "missing.yaml")).Load())
	assert.Error(t, NewConfig("").LoadFromString("engine: [1, 2"))
	assert.Error(t, NewConfig("").LoadFromString("bogus_section: 1"), "unknown keys rejected")
	assert.Error(t, NewConfig("").LoadFromString("tick:\n  period: soon\n"))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg []string
	}{
		{"bad log level", "log:\n  level: loud\n", []string{"log.level"}},
		{"log rotation", "log:\n  file: x.log\n  max_size_mb: 0\n", []string{"log rotation"}},
		{"short period", "tick:\n  period: 100us\n", []string{"tick.period"}},
		{"housekeeping below period", "tick:\n  period: 10ms\n  housekeeping: 5ms\n", []string{"tick.housekeeping"}},
		{"engine limits", "engine:\n  max_channels: 1\n  max_spans: 0\n  chunk_size: -1\n", []string{"max_channels", "max_spans", "chunk_size"}},
		{"chunk size exceeds header field", "engine:\n  chunk_size: 264\n", []string{"engine.chunk_size"}},
		{"max channels exceeds header field", "engine:\n  max_channels: 65537\n", []string{"engine.max_channels"}},
		{"udp listen", "udp:\n  enabled: true\n  listen: nowhere\n", []string{"udp.listen"}},
		{"database path", "database:\n  enabled: true\n  path: \"\"\n", []string{"database.path"}},
		{"control listen", "control:\n  listen: localhost\n", []string{"control.listen"}},
		{"span fields", "spans:\n  - driver: loc\n", []string{"driver and address required"}},
		{
			"span ranges",
			"spans:\n  - {driver: loc, address: \"1:0\", channels: 0}\n  - {driver: loc, address: \"1:1\", channels: 256}\n  - {driver: loc, address: \"1:2\", channels: 4, timing: -1}\n",
			[]string{"spans[0]", "spans[1]", "negative timing"},
		},
		{"duplicate span", "spans:\n  - {driver: loc, address: \"1:0\", channels: 4}\n  - {driver: loc, address: \"1:0\", channels: 8}\n", []string{"duplicate span loc/1:0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("")
			require.NoError(t, cfg.LoadFromString(tt.yaml))
			err := cfg.Validate()
			require.Error(t, err)
			for _, msg := range tt.errMsg {
				assert.Contains(t, err.Error(), msg)
			}
		})
	}
}
