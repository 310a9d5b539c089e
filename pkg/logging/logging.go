// Package logging configures the process-wide zerolog logger and hands out
// component-scoped child loggers to each subsystem.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level names accepted in configuration.
const (
	DebugLevel = "debug"
	InfoLevel  = "info"
	WarnLevel  = "warn"
	ErrorLevel = "error"
)

// Config controls how the global logger is initialized.
type Config struct {
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// Logger is the process-wide logger. Init replaces it; until Init is called
// it logs to stderr at zerolog's default global level (debug and above) so
// early startup errors are never silent.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the global logger from cfg.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(levelFromString(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

func levelFromString(level string) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case InfoLevel, "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child logger tagged with the given component name,
// the way every subsystem (store, cache, adapter, sync engine, remote
// client) identifies its log lines.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
