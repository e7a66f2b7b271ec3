// Package log owns the process-wide structured logger. Components obtain
// child loggers tagged with the field they log under (component, job_id,
// bot_id, instance) and attach per-event context from there.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level selects the global verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the logger set up by Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Before Init runs, logging goes to the console at the default level.
var logger = newLogger(os.Stdout, false)

// Init configures the global logger. Servers call it once at startup;
// libraries never do.
func Init(cfg Config) {
	switch cfg.Level {
	case DebugLevel:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case WarnLevel:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case ErrorLevel:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	logger = newLogger(output, cfg.JSONOutput)
}

func newLogger(output io.Writer, jsonOutput bool) zerolog.Logger {
	if jsonOutput {
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) *zerolog.Logger {
	l := logger.With().Str("component", component).Logger()
	return &l
}

// WithJobID returns a child logger tagged with a job name.
func WithJobID(jobID string) *zerolog.Logger {
	l := logger.With().Str("job_id", jobID).Logger()
	return &l
}

// WithBotID returns a child logger tagged with a bot id.
func WithBotID(botID string) *zerolog.Logger {
	l := logger.With().Str("bot_id", botID).Logger()
	return &l
}

// WithInstance returns a child logger tagged with an instance name.
func WithInstance(instance string) *zerolog.Logger {
	l := logger.With().Str("instance", instance).Logger()
	return &l
}
