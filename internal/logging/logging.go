// Package logging centralizes zerolog setup for the broker daemon:
// structured, leveled logging at the sites a control-plane daemon cares
// about (connection lifecycle, dispatch errors, dependency engine sweeps).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a root logger. debug lowers the level to Debug and switches to
// a human-readable console writer; otherwise logs are newline-delimited
// JSON on stdout, suited to log aggregation.
func New(debug bool) zerolog.Logger {
	var w io.Writer = os.Stdout
	level := zerolog.InfoLevel
	if debug {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
