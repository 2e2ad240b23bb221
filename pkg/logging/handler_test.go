package logging

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmark-io/flowmark/pkg/workflow"
)

func TestHandlerShipsRunScopedRecords(t *testing.T) {
	store := &fakeLogStore{}
	w := NewWorker(store).WithFlushInterval(10 * time.Millisecond)
	require.NoError(t, w.Start())
	defer w.Stop()

	logger := NewRunLogger(w, nil)

	flowRunID := uuid.New()
	taskRunID := uuid.New()
	ctx := workflow.ContextWithRunInfo(context.Background(), workflow.RunInfo{
		FlowRunID: flowRunID,
		TaskRunID: taskRunID,
		FlowName:  "etl",
		TaskName:  "extract",
	})

	logger.InfoContext(ctx, "inside the run")
	logger.Info("outside any run")

	fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Flush(fctx))

	records := store.records()
	require.Len(t, records, 1, "only the run-scoped record should ship")

	rec := records[0]
	assert.Equal(t, flowRunID, rec.FlowRunID)
	assert.Equal(t, taskRunID, rec.TaskRunID)
	assert.Equal(t, "inside the run", rec.Message)
	assert.Equal(t, int(slog.LevelInfo), rec.Level)
}

func TestHandlerForwardsToInner(t *testing.T) {
	store := &fakeLogStore{}
	w := NewWorker(store).WithFlushInterval(10 * time.Millisecond)
	require.NoError(t, w.Start())
	defer w.Stop()

	var captured []slog.Record
	inner := &captureHandler{records: &captured}
	logger := NewRunLogger(w, inner)

	ctx := workflow.ContextWithRunInfo(context.Background(), workflow.RunInfo{
		FlowRunID: uuid.New(),
		FlowName:  "etl",
	})
	logger.InfoContext(ctx, "run record")
	logger.Info("plain record")

	assert.Len(t, captured, 2, "inner handler should see every record")
}

type captureHandler struct {
	records *[]slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, rec slog.Record) error {
	*h.records = append(*h.records, rec)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *captureHandler) WithGroup(string) slog.Handler { return h }
