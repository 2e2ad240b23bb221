package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowmark-io/flowmark/internal/backend"
	"github.com/flowmark-io/flowmark/pkg/workflow"
)

// Handler is a slog.Handler that ships records produced inside a run
// context through a Worker, in addition to forwarding them to an inner
// handler. Records produced outside a run context are only forwarded.
type Handler struct {
	worker *Worker
	inner  slog.Handler
	name   string
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler wraps inner so that run-scoped records are also shipped
// through the worker. name labels the records' logger.
func NewHandler(worker *Worker, inner slog.Handler, name string) *Handler {
	if name == "" {
		name = "flowmark.run"
	}
	return &Handler{worker: worker, inner: inner, name: name}
}

// NewRunLogger returns a logger that ships run-scoped records through
// the worker and mirrors everything to inner.
func NewRunLogger(worker *Worker, inner slog.Handler) *slog.Logger {
	return slog.New(NewHandler(worker, inner, ""))
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.inner != nil {
		return h.inner.Enabled(ctx, level)
	}
	return true
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	if info, ok := workflow.RunInfoFromContext(ctx); ok {
		record := &backend.LogRecord{
			FlowRunID: info.FlowRunID,
			TaskRunID: info.TaskRunID,
			Name:      h.name,
			Level:     int(rec.Level),
			Message:   rec.Message,
			Timestamp: rec.Time,
		}
		if record.Timestamp.IsZero() {
			record.Timestamp = time.Now().UTC()
		}
		// Enqueue failures (stopped worker, oversized record) must not
		// break the caller's logging.
		_ = h.worker.Enqueue(record)
	}

	if h.inner != nil {
		return h.inner.Handle(ctx, rec)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	if h.inner != nil {
		clone.inner = h.inner.WithAttrs(attrs)
	}
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	if h.inner != nil {
		clone.inner = h.inner.WithGroup(name)
	}
	return &clone
}
