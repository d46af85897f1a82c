// Package logx owns the process-wide zerolog logger.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Output formats accepted by SetFormat.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

var (
	out    io.Writer = os.Stderr
	format           = FormatConsole
)

// Log is the shared logger. Configure and SetFormat replace it.
var Log = build(out, format)

// Configure sets the global level. Unknown levels fall back to info.
func Configure(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	Log = build(out, format)
}

// SetFormat switches between human-readable console lines and JSON lines.
func SetFormat(name string) error {
	switch f := strings.ToLower(strings.TrimSpace(name)); f {
	case "", FormatConsole:
		format = FormatConsole
	case FormatJSON:
		format = FormatJSON
	default:
		return fmt.Errorf("unknown log format %q", name)
	}
	Log = build(out, format)
	return nil
}

// ParseLevel accepts zerolog's level names plus the synonyms all, warning,
// off and none.
func ParseLevel(level string) zerolog.Level {
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "all":
		return zerolog.TraceLevel
	case "warning":
		return zerolog.WarnLevel
	case "off", "none":
		return zerolog.Disabled
	default:
		l, err := zerolog.ParseLevel(s)
		if err != nil || l == zerolog.NoLevel {
			return zerolog.InfoLevel
		}
		return l
	}
}

// For returns a child logger tagged with the given component name.
func For(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}

func build(w io.Writer, f string) zerolog.Logger {
	if f == FormatJSON {
		return zerolog.New(w).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

func init() {
	Configure(os.Getenv("LOG_LEVEL"))
}
