// Package logging builds the service logger from config.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates the structured service logger.
//
// format "json" emits one JSON object per line (aggregator-friendly);
// "pretty" uses the console writer for local development. Unknown
// levels fall back to info.
func NewLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout
	if format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "chatcore").
		Logger()
}
