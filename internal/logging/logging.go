package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured field names shared by every package.
const (
	KeyComponent  = "component"
	KeyRunID      = "runId"
	KeySource     = "source"
	KeyPackage    = "package"
	KeyOperation  = "operation"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

// current is the handler installed by Init. Loggers built before Init
// resolve it on every record.
var current atomic.Pointer[slog.Handler]

// lateHandler replays With/WithGroup calls onto whatever handler is current.
type lateHandler struct {
	ops []func(slog.Handler) slog.Handler
}

func (h *lateHandler) resolve() slog.Handler {
	handler := *current.Load()
	for _, op := range h.ops {
		handler = op(handler)
	}
	return handler
}

func (h *lateHandler) with(op func(slog.Handler) slog.Handler) *lateHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &lateHandler{ops: append(ops, op)}
}

func (h *lateHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *lateHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *lateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *lateHandler) WithGroup(name string) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

var root = slog.New(&lateHandler{})

func init() {
	install(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(root)
}

func install(h slog.Handler) { current.Store(&h) }

// Init switches every logger to format ("text" or "json") at level, writing
// to w. A nil w means stderr; stdout carries command output.
func Init(format, level string, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		install(slog.NewJSONHandler(w, opts))
		return
	}
	install(slog.NewTextHandler(w, opts))
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return root.With(slog.String(KeyComponent, component))
}

// WithRun returns a child logger carrying the run correlation ID.
func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With(slog.String(KeyRunID, runID))
}

// WithPackage returns a child logger with source and package fields attached.
func WithPackage(logger *slog.Logger, source, pkg string) *slog.Logger {
	return logger.With(
		slog.String(KeySource, source),
		slog.String(KeyPackage, pkg),
	)
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
