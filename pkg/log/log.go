package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. It defaults to JSON on
// stdout so components constructed before Init still log; components
// derive child loggers from it rather than logging through it
// directly.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Config holds logging configuration.
type Config struct {
	// Level is a zerolog level name (trace, debug, info, warn, error,
	// fatal, panic, disabled). An empty or unrecognized name falls back
	// to info.
	Level string
	// JSONOutput selects machine-readable output; the default is a
	// human-readable console format.
	JSONOutput bool
	// Output defaults to stdout.
	Output io.Writer
}

// Init configures the root logger. Call once at startup, before any
// component derives a child logger.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent derives a child logger tagged with the component name.
// Every ChronDB component holds one of these.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithFields derives a child logger carrying a set of static fields,
// e.g. branch, document id, and transaction id on a write or recovery
// path.
func WithFields(component string, fields map[string]string) zerolog.Logger {
	c := Logger.With().Str("component", component)
	for k, v := range fields {
		c = c.Str(k, v)
	}
	return c.Logger()
}
