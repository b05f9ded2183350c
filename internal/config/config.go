// Package config loads the process configuration from a TOML file.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// StreamConfig holds the process-wide stream knobs.
type StreamConfig struct {
	// WriteMaxSegmentSize is the threshold above which outbound messages
	// are split into multiple DATA frames. Must be positive.
	WriteMaxSegmentSize int64 `toml:"write_max_segment_size"`

	// SocketMaxUnconsumedBytes caps the unconsumed stream bytes per
	// socket; crossing it shrinks stream windows. 0 disables the policy.
	SocketMaxUnconsumedBytes int64 `toml:"socket_max_unconsumed_bytes"`
}

// LoggingConfig selects the log level, format and target.
type LoggingConfig struct {
	Level  string `toml:"level"`  // trace|debug|info|warn|error
	Format string `toml:"format"` // console|json
	Target string `toml:"target"` // stderr|stdout|<file path>
}

// Config is the top-level configuration structure.
type Config struct {
	Stream  StreamConfig  `toml:"stream"`
	Logging LoggingConfig `toml:"logging"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			WriteMaxSegmentSize:      512 * 1024 * 1024,
			SocketMaxUnconsumedBytes: 0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Target: "stderr",
		},
	}
}

// Load reads path, fills unset keys with defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Stream.WriteMaxSegmentSize <= 0 {
		return fmt.Errorf("config: stream.write_max_segment_size must be positive, got %d", c.Stream.WriteMaxSegmentSize)
	}
	if c.Stream.SocketMaxUnconsumedBytes < 0 {
		return fmt.Errorf("config: stream.socket_max_unconsumed_bytes must be >= 0, got %d", c.Stream.SocketMaxUnconsumedBytes)
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: unknown logging.format %q", c.Logging.Format)
	}
	if c.Logging.Target == "" {
		return fmt.Errorf("config: logging.target must not be empty")
	}
	return nil
}
