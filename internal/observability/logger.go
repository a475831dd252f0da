package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/couchcryptid/wildflower-sightings/internal/config"
)

// NewLogger builds the service logger from LOG_LEVEL and LOG_FORMAT. When
// ring is non-nil every emitted record is also kept in it.
func NewLogger(cfg *config.Config, ring *RingBuffer) *slog.Logger {
	return newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat, ring)
}

func newLogger(w io.Writer, level, format string, ring *RingBuffer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	if ring != nil {
		handler = NewRingHandler(handler, ring)
	}
	return slog.New(handler)
}

// ParseLevel maps a LOG_LEVEL value to a slog level, defaulting to info.
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
