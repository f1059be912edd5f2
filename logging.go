package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log output formats.
const (
	logFormatJSON    = "json"
	logFormatConsole = "console"
)

type logConfig struct {
	Level  string
	Format string
	Debug  bool
}

// setupLogging configures the global logger and returns it.
func setupLogging(cfg logConfig, out io.Writer) (zerolog.Logger, error) {
	if out == nil {
		out = os.Stdout
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	switch cfg.Format {
	case "", logFormatJSON:
		zerolog.TimeFieldFormat = time.RFC3339
	case logFormatConsole:
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	default:
		return zerolog.Logger{}, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	logger := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Logger = logger
	return logger, nil
}
