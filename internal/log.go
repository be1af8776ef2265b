package internal

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger builds the process logger: JSON lines on w at the given level.
// A nil writer logs to stdout.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", "variantlab")
}
