package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type key int

const batchKey key = 0

// ContextHandler decorates records with the batch id carried by the context.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps h so that records logged with a batch context
// carry a batch_id attribute.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := BatchID(ctx); id != "" {
		r.AddAttrs(slog.String("batch_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithBatchID returns a context whose log records carry the given batch id.
func WithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchKey, id)
}

// BatchID returns the batch id stored in ctx, or "".
func BatchID(ctx context.Context) string {
	id, _ := ctx.Value(batchKey).(string)
	return id
}

// New builds the JSON logger used by the relay. Unknown levels fall back to INFO.
func New(w io.Writer, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewContextHandler(h))
}

// ParseLevel maps DEBUG, INFO, WARN (or WARNING) and ERROR to a slog level,
// ignoring case.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
