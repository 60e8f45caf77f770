package manager

import (
	"log/slog"
	"strings"
)

// LevelNothing disables execution logging.
const LevelNothing = slog.Level(16)

// ParseLogLevel maps execution log levels to slog levels. Besides the slog
// names it understands Nothing, Error, Minimal, Basic, Detailed, Debug and
// Rowlevel.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nothing", "none", "off":
		return LevelNothing
	case "error":
		return slog.LevelError
	case "minimal", "warn", "warning":
		return slog.LevelWarn
	case "detailed", "debug", "rowlevel":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
