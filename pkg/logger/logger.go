package logger

import (
	"log/slog"
	"os"
)

// Setup builds the process-wide logger: free-form text lines on stderr.
// debug raises the level to see the per-session and per-datagram
// tracing the handlers emit at LevelDebug.
func Setup(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
