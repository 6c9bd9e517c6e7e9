// Package logging configures the process-wide zerolog logger from the
// --verbosity CLI flag. The teacher (Deep-Commit-poai) logs with bare
// log.Printf and bracketed tags like "[MINER] ..." or "[WATCHDOG] ...";
// tdinvert keeps that same tagging convention but routes it through a
// leveled logger so --verbosity can actually suppress noise, which the
// teacher's stdlib logger cannot do.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Configure installs the global zerolog level from a verbosity name
// ("trace","debug","info","warn","error") and returns a console-writer
// logger for use at the call site. Unknown names fall back to "info".
func Configure(verbosity string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(verbosity))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(out).With().Timestamp().Logger()
}

// Tag returns a child logger scoped to a component tag, e.g. Tag(log,
// "proposal") logs lines that read like the teacher's "[PROPOSAL] ...".
func Tag(l zerolog.Logger, tag string) zerolog.Logger {
	return l.With().Str("component", tag).Logger()
}
