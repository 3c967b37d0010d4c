package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Maps a level name to a slog level. Supported levels: debug, info,
// warn/warning, error. Anything else is info.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
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

// Init configures the default slog logger to write text records at
// the given level to w, or stderr if w is nil.
func Init(levelStr string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(levelStr),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}
