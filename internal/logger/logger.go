// Package logger builds the process logger from configuration.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"example.com/streammux/v2/internal/config"
)

// New constructs a zerolog.Logger per the [logging] configuration table.
// File targets are opened in append mode; the caller owns closing them via
// the returned closer (nil for stdio targets).
func New(cfg *config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	var out io.Writer
	var closer io.Closer
	switch cfg.Target {
	case "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("logger: failed to open log file %s: %w", cfg.Target, err)
		}
		out = f
		closer = f
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return zerolog.Nop(), nil, fmt.Errorf("logger: invalid level %q: %w", cfg.Level, err)
	}

	l := zerolog.New(out).With().Timestamp().Logger().Level(level)
	return l, closer, nil
}
