// Package logging builds the zerolog.Logger this proxy uses everywhere else,
// so every component logs through one consistently-configured sink instead
// of reaching for the standard library's log package.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a Logger from the configured level and format ("json" for
// machine-readable output, anything else for a human-readable console
// writer). An unparseable level falls back to info rather than failing
// startup over a typo in a config file.
func New(level, format string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = zerolog.InfoLevel
	}

	var writer zerolog.ConsoleWriter
	if strings.ToLower(format) == "json" {
		return zerolog.New(os.Stdout).Level(parsed).With().Timestamp().Logger()
	}

	writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	return zerolog.New(writer).Level(parsed).With().Timestamp().Logger()
}
