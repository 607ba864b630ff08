package logger

import (
	"context"
	"io"
	"log/slog"
)

const ansiReset = "\033[0m"

// ColorTextHandler decorates slog.TextHandler output with a colored,
// bracketed level tag so interleaved collector output scans well in a
// terminal. File output uses a plain TextHandler instead.
type ColorTextHandler struct {
	*slog.TextHandler
	showLevel bool
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showLevel bool) *ColorTextHandler {
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, opts),
		showLevel:   showLevel,
	}
}

// levelTag buckets by threshold so custom levels between the standard ones
// still pick up the color of the band they fall in.
func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m[error]" + ansiReset
	case l >= slog.LevelWarn:
		return "\033[33m[warn]" + ansiReset
	case l >= slog.LevelInfo:
		return "\033[32m[info]" + ansiReset
	default:
		return "\033[36m[debug]" + ansiReset
	}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.showLevel {
		r.Message = levelTag(r.Level) + " " + r.Message
	}
	return h.TextHandler.Handle(ctx, r)
}
