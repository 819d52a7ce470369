package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dbehnke/dyntdm/internal/protocol"
)

// Config represents the dyntdmd configuration
type Config struct {
	filename string

	Log      LogConfig      `yaml:"log"`
	Engine   EngineConfig   `yaml:"engine"`
	Tick     TickConfig     `yaml:"tick"`
	Eth      EthConfig      `yaml:"eth"`
	UDP      UDPConfig      `yaml:"udp"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Control  ControlConfig  `yaml:"control"`
	Spans    []SpanConfig   `yaml:"spans"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // Optional rotated log file, in addition to stderr

	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

type EngineConfig struct {
	ChunkSize       int           `yaml:"chunk_size"`
	MaxChannels     int           `yaml:"max_channels"`
	MaxSpans        int           `yaml:"max_spans"`
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
	Deferred        bool          `yaml:"deferred"`
}

type TickConfig struct {
	Period       time.Duration `yaml:"period"`
	Housekeeping time.Duration `yaml:"housekeeping"`
}

type EthConfig struct {
	Enabled   bool `yaml:"enabled"`
	QueueSize int  `yaml:"queue_size"`
}

type UDPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	QueueSize int    `yaml:"queue_size"`
}

type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"` // Empty disables the endpoint
}

type ControlConfig struct {
	Listen string `yaml:"listen"` // Empty disables the endpoint
}

// SpanConfig is a span created at startup
type SpanConfig struct {
	Driver   string `yaml:"driver"`
	Address  string `yaml:"address"`
	Channels int    `yaml:"channels"`
	Timing   int    `yaml:"timing"`
}

// NewConfig creates a configuration with defaults applied
func NewConfig(filename string) *Config {
	return &Config{
		filename: filename,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Engine: EngineConfig{
			ChunkSize:       protocol.CHUNK_SIZE,
			MaxChannels:     protocol.MAX_CHANNELS,
			MaxSpans:        protocol.MAX_SPANS,
			LivenessTimeout: protocol.LIVENESS_TIMEOUT,
		},
		Tick: TickConfig{
			Period:       protocol.TICK_PERIOD,
			Housekeeping: protocol.HOUSEKEEPING,
		},
		UDP: UDPConfig{
			Listen: fmt.Sprintf(":%d", protocol.UDP_DEFAULT_PORT),
		},
		Database: DatabaseConfig{
			Path: "data/spans.db",
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:8086",
		},
	}
}

// Load loads configuration from the file given to NewConfig
func (c *Config) Load() error {
	data, err := os.ReadFile(c.filename)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", c.filename, err)
	}
	return c.parse(data)
}

// LoadFromString loads configuration from a string (useful for testing)
func (c *Config) LoadFromString(data string) error {
	return c.parse([]byte(data))
}

func (c *Config) parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate reports every problem in the configuration
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	if c.Log.File != "" && (c.Log.MaxSizeMB <= 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0) {
		errs = append(errs, fmt.Errorf("log rotation limits invalid: size %dMB, backups %d, age %dd",
			c.Log.MaxSizeMB, c.Log.MaxBackups, c.Log.MaxAgeDays))
	}

	e := c.Engine
	if e.ChunkSize <= 0 || e.ChunkSize > protocol.MAX_CHUNK_SIZE {
		errs = append(errs, fmt.Errorf("engine.chunk_size must be 1..%d, got %d", protocol.MAX_CHUNK_SIZE, e.ChunkSize))
	}
	if e.MaxChannels < 2 || e.MaxChannels > protocol.MAX_CHANNEL_LIMIT {
		errs = append(errs, fmt.Errorf("engine.max_channels must be 2..%d, got %d", protocol.MAX_CHANNEL_LIMIT, e.MaxChannels))
	}
	if e.MaxSpans <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_spans must be positive, got %d", e.MaxSpans))
	}
	if e.LivenessTimeout <= 0 {
		errs = append(errs, fmt.Errorf("engine.liveness_timeout must be positive, got %s", e.LivenessTimeout))
	}

	if c.Tick.Period < time.Millisecond {
		errs = append(errs, fmt.Errorf("tick.period must be at least 1ms, got %s", c.Tick.Period))
	}
	if c.Tick.Housekeeping < c.Tick.Period {
		errs = append(errs, fmt.Errorf("tick.housekeeping %s shorter than tick.period %s", c.Tick.Housekeeping, c.Tick.Period))
	}

	if c.UDP.Enabled {
		if _, _, err := net.SplitHostPort(c.UDP.Listen); err != nil {
			errs = append(errs, fmt.Errorf("udp.listen %q: %w", c.UDP.Listen, err))
		}
	}
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, errors.New("database.path required when database is enabled"))
	}
	for _, l := range []struct{ name, addr string }{
		{"metrics.listen", c.Metrics.Listen},
		{"control.listen", c.Control.Listen},
	} {
		if l.addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(l.addr); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", l.name, l.addr, err))
		}
	}

	seen := make(map[string]bool)
	for i, s := range c.Spans {
		if s.Driver == "" || s.Address == "" {
			errs = append(errs, fmt.Errorf("spans[%d]: driver and address required", i))
			continue
		}
		if s.Channels < 1 || s.Channels >= e.MaxChannels {
			errs = append(errs, fmt.Errorf("spans[%d] %s/%s: channels %d out of range", i, s.Driver, s.Address, s.Channels))
		}
		if s.Timing < 0 {
			errs = append(errs, fmt.Errorf("spans[%d] %s/%s: negative timing", i, s.Driver, s.Address))
		}
		key := s.Driver + "/" + s.Address
		if seen[key] {
			errs = append(errs, fmt.Errorf("spans[%d]: duplicate span %s", i, key))
		}
		seen[key] = true
	}

	return errors.Join(errs...)
}

// LogLevel parses the configured log level
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", c.Log.Level, err)
	}
	return level, nil
}

func (c *Config) Filename() string { return c.filename }
