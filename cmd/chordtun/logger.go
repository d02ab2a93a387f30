package main

import (
	"log/slog"
	"os"

	"github.com/vxradio/chordtun/internal/logging"
)

// setupLogger builds the daemon's logger. verbosity counts repeated -v
// flags (0 = info, 1 or more = debug; no source locations are added). By
// default output goes to stderr, standing in for this daemon's historical
// syslog destination; -E redirects it to stdout instead.
func setupLogger(format string, verbosity int, logToStdout bool) *slog.Logger {
	lvl := slog.LevelInfo
	if verbosity >= 1 {
		lvl = slog.LevelDebug
	}

	w := os.Stderr
	if logToStdout {
		w = os.Stdout
	}

	l := logging.New(format, lvl, w).With("app", "chordtun")
	logging.Set(l)
	return l
}
