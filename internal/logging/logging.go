// Package logging builds the process-wide zerolog.Logger, the way
// Sergey-Bar-Alfred's gateway and cuemby-warren's daemon do it: one
// logger constructed in main, console-formatted for a terminal and
// JSON otherwise, then threaded down by value.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New builds a logger writing to w at the given level name ("debug",
// "info", "warn", "error"; unrecognized values fall back to "info").
func New(w io.Writer, levelName string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05"}
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// ForUser returns a child logger carrying the owning user id, the way
// a per-actor logger should — every log line from a User actor or its
// Writer should be attributable to one user without grepping.
func ForUser(base zerolog.Logger, userID string) zerolog.Logger {
	return base.With().Str("user_id", userID).Logger()
}
