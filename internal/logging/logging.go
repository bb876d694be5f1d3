// Package logging builds the [log/slog] loggers used by the bucketz server.
// Every record carries service=bucketz, subsystems add a component attribute
// with [Component], and attributes that may hold credentials are redacted.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const serviceName = "bucketz"

// Output formats accepted by LOG_FORMAT.
const (
	FormatJSON = "json"
	FormatText = "text"
)

const redacted = "[REDACTED]"

// Options controls logger construction. The zero value logs JSON at info to
// stderr.
type Options struct {
	Level  string
	Format string
	Writer io.Writer
}

// New returns a logger configured by opts.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	ho := &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: redact,
	}

	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(opts.Format), FormatText) {
		h = slog.NewTextHandler(w, ho)
	} else {
		h = slog.NewJSONHandler(w, ho)
	}
	return slog.New(h).With(slog.String("service", serviceName))
}

// redact blanks attributes whose key suggests a credential. API key ids are
// safe to log; secrets, hashes and raw headers are not.
func redact(_ []string, a slog.Attr) slog.Attr {
	switch strings.ToLower(a.Key) {
	case "authorization", "api_key", "secret", "token", "password", "hash", "ts_auth_key":
		return slog.String(a.Key, redacted)
	}
	return a
}

// Component returns a child logger tagged with the subsystem name, e.g.
// "datafile" or "profile".
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", name))
}

// ParseLevel maps debug, info, warn(ing) and error to slog levels. Anything
// else, including "", is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
