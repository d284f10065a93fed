// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Options controls where and how verbosely the logger writes.
type Options struct {
	// Level is a zerolog level name ("debug", "info", ...). Empty means info.
	Level string
	// File redirects output to the named file. The TUI owns the terminal, so
	// interactive mode always sets this.
	File string
	// Console enables the human-readable writer instead of raw JSON.
	Console bool
}

// New builds a logger per opts. It never fails: if the log file cannot be
// opened the logger falls back to stderr and reports the problem there.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	var openErr error
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			openErr = err
		} else if f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			openErr = err
		} else {
			out = f
		}
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if openErr != nil {
		logger.Warn().Err(openErr).Str("file", opts.File).Msg("log file unavailable, using stderr")
	}
	return logger
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() zerolog.Logger {
	return zerolog.New(io.Discard)
}
