// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Components derive child loggers from it via
// Component so every line carries a component field.
var Logger zerolog.Logger

// Config holds logging configuration.
type Config struct {
	Level string // debug, info, warn, error
	JSON  bool   // structured JSON instead of console output
	Out   io.Writer
}

// Init initializes the root logger. Safe to call once at startup before any
// component logs.
func Init(cfg Config) {
	level := zerolog.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	if cfg.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// Component returns a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Device returns a child logger tagged with the connected device identity.
func Device(id string) zerolog.Logger {
	return Logger.With().Str("device", id).Logger()
}
