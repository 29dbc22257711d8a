package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName is stamped on every log line.
const ServiceName = "settlement-engine"

// New creates a configured zerolog.Logger.
// level: debug, info, warn, error. pretty: human-readable console output.
func New(level string, pretty bool) zerolog.Logger {
	var w io.Writer = os.Stdout

	if pretty {
		w = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Caller().
		Str("service", ServiceName).
		Logger()
}

// NewWithWriter creates a logger writing to a custom writer (useful for testing).
func NewWithWriter(level string, w io.Writer) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("service", ServiceName).
		Logger()
}

// Component derives a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
