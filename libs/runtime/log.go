package runtime

import (
	"log/slog"
	"os"
	"strings"

	"github.com/md-rashed-zaman/eventcore/libs/config"
)

// NewLogger returns the process logger. LOG_LEVEL selects debug, info, warn or error.
func NewLogger(service string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(config.String("LOG_LEVEL", "info")),
	})
	return slog.New(h).With("service", service)
}

func parseLevel(s string) slog.Level {
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
