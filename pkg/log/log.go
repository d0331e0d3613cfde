// Package log owns the process-wide logger for the vault core. Until Setup
// runs, everything is discarded, so library code can log unconditionally.
// Subsystems pull child loggers tagged with their component name; sync code
// additionally carries the vault and device identity on every line.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var base = zerolog.New(io.Discard)

// Setup initializes the process logger. level accepts zerolog level names
// ("trace" through "fatal"); anything unrecognized falls back to info. A nil
// out writes to stderr. json selects machine-readable output; the default is
// the human-readable console format.
func Setup(level string, json bool, out io.Writer) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if out == nil {
		out = os.Stderr
	}
	if !json {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	base = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a subsystem name
// (store, syncer, enrich, retrieval, ...).
func WithComponent(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithSyncIdentity returns a child logger for component carrying the
// identity replication lines need: which vault, acted on by which device.
// Empty fields are omitted (blob remotes have no vault id).
func WithSyncIdentity(component, vaultID, deviceID string) zerolog.Logger {
	ctx := base.With().Str("component", component)
	if vaultID != "" {
		ctx = ctx.Str("vault_id", vaultID)
	}
	if deviceID != "" {
		ctx = ctx.Str("device_id", deviceID)
	}
	return ctx.Logger()
}
