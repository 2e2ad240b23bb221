package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmark-io/flowmark/internal/backend"
	"github.com/flowmark-io/flowmark/internal/metrics"
)

// Defaults for the worker's batching policy.
const (
	// DefaultFlushInterval is how often the worker ships queued records.
	DefaultFlushInterval = 2 * time.Second

	// DefaultMaxBatchSize caps the cumulative byte size of one batch.
	DefaultMaxBatchSize = 4_000_000

	// DefaultMaxRecordSize caps the size of a single record; larger
	// records are rejected at enqueue time.
	DefaultMaxRecordSize = 1_000_000
)

// ErrWorkerStopped is returned by Enqueue and Start after the worker
// has been stopped. A stopped worker cannot be restarted.
var ErrWorkerStopped = errors.New("log worker is stopped")

// Worker ships run log records to a backend in batches. Records are
// enqueued without blocking into an unbounded queue; a background
// goroutine drains the queue every flush interval, splitting it into
// batches bounded by cumulative byte size. A batch whose send fails is
// retained and retried on the next cycle; one bad batch never blocks
// newer records.
//
// The worker moves through three phases: created, started, stopped.
// Start and Stop are idempotent, but a stopped worker stays stopped.
type Worker struct {
	store         backend.LogStore
	flushInterval time.Duration
	maxBatchSize  int
	maxRecordSize int
	logger        *slog.Logger
	onError       func(err error, batch []*backend.LogRecord, exiting bool)

	mu      sync.Mutex
	queue   []*backend.LogRecord
	pending []*backend.LogRecord
	started bool
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	cycle   chan struct{}
}

// NewWorker creates a worker shipping to the given store. The worker
// does not run until Start is called.
func NewWorker(store backend.LogStore) *Worker {
	w := &Worker{
		store:         store,
		flushInterval: DefaultFlushInterval,
		maxBatchSize:  DefaultMaxBatchSize,
		maxRecordSize: DefaultMaxRecordSize,
		logger:        slog.Default(),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		cycle:         make(chan struct{}),
	}
	return w
}

// WithFlushInterval sets how often queued records are shipped.
func (w *Worker) WithFlushInterval(d time.Duration) *Worker {
	w.flushInterval = d
	return w
}

// WithMaxBatchSize caps the cumulative byte size of one batch.
func (w *Worker) WithMaxBatchSize(n int) *Worker {
	w.maxBatchSize = n
	return w
}

// WithMaxRecordSize caps the size of a single record.
func (w *Worker) WithMaxRecordSize(n int) *Worker {
	w.maxRecordSize = n
	return w
}

// WithLogger sets the worker's own diagnostic logger.
func (w *Worker) WithLogger(logger *slog.Logger) *Worker {
	w.logger = logger
	return w
}

// WithOnError installs a callback invoked when a batch send fails,
// carrying the records that failed to ship and whether the worker is
// exiting (in which case the batch is dropped rather than retried).
// The callback runs on the worker goroutine.
func (w *Worker) WithOnError(fn func(err error, batch []*backend.LogRecord, exiting bool)) *Worker {
	w.onError = fn
	return w
}

// Start launches the background goroutine. Starting an already started
// worker is a no-op; starting a stopped worker returns ErrWorkerStopped.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrWorkerStopped
	}
	if w.started {
		return nil
	}
	w.started = true
	go w.run()
	return nil
}

// Enqueue adds a record to the queue without blocking. It returns
// ErrWorkerStopped after Stop, and rejects records larger than the
// configured maximum record size. A record scoped to a task run must
// also name the task's flow run.
func (w *Worker) Enqueue(record *backend.LogRecord) error {
	if record.TaskRunID != uuid.Nil && record.FlowRunID == uuid.Nil {
		metrics.RecordLogRecordDropped()
		return fmt.Errorf("log record for task run %s has no flow run id", record.TaskRunID)
	}
	if size := record.Size(); size > w.maxRecordSize {
		metrics.RecordLogRecordDropped()
		return fmt.Errorf("log record of size %d exceeds maximum of %d", size, w.maxRecordSize)
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrWorkerStopped
	}
	w.queue = append(w.queue, record)
	w.mu.Unlock()

	return nil
}

// Flush wakes the worker and blocks until everything enqueued so far,
// including any previously failed batch, has been sent or the context
// is done. A failed send during the flush leaves records pending and
// keeps Flush waiting for the next retry cycle; a failing backend is
// retried once per drain cycle, never tighter.
func (w *Worker) Flush(ctx context.Context) error {
	w.signal()

	for {
		w.mu.Lock()
		drained := (len(w.queue) == 0 && len(w.pending) == 0) || w.stopped
		cycle := w.cycle
		w.mu.Unlock()
		if drained {
			return nil
		}

		select {
		case <-cycle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop flushes remaining records and terminates the background
// goroutine. Stop is idempotent. After Stop the worker rejects new
// records and cannot be restarted.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	wasStarted := w.started
	w.mu.Unlock()

	if wasStarted {
		w.signal()
		<-w.done
	} else {
		// Never started: ship whatever was enqueued directly.
		w.sendAll(true)
	}
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		w.mu.Lock()
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			// Final drain before exiting.
			w.sendAll(true)
			w.finishCycle(false)
			return
		}

		w.sendAll(false)
		w.finishCycle(true)

		select {
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// finishCycle wakes blocked flushers after a drain pass. The final pass
// leaves the closed channel in place so late flushers do not block.
func (w *Worker) finishCycle(reopen bool) {
	w.mu.Lock()
	close(w.cycle)
	if reopen {
		w.cycle = make(chan struct{})
	}
	w.mu.Unlock()
}

// sendAll drains the queue into byte-bounded batches and ships them.
// The previously failed batch, if any, is retried first.
func (w *Worker) sendAll(exiting bool) {
	w.mu.Lock()
	records := append(w.pending, w.queue...)
	w.pending = nil
	w.queue = nil
	w.mu.Unlock()

	for len(records) > 0 {
		batch, rest := w.nextBatch(records)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := w.store.CreateLogs(ctx, batch)
		cancel()

		if err != nil {
			metrics.RecordLogBatch("failed")
			w.logger.Error("shipping log batch", "count", len(batch), "exiting", exiting, "error", err)
			if w.onError != nil {
				w.onError(err, batch, exiting)
			}
			if exiting {
				// Nothing will retry these; drop and move on.
				records = rest
				continue
			}
			// Retain for the next cycle, newest records included.
			w.mu.Lock()
			w.pending = append(batch, rest...)
			w.mu.Unlock()
			return
		}

		metrics.RecordLogBatch("sent")
		records = rest
	}
}

// nextBatch splits off the longest prefix whose cumulative size stays
// within the batch size cap, always taking at least one record.
func (w *Worker) nextBatch(records []*backend.LogRecord) (batch, rest []*backend.LogRecord) {
	total := 0
	for i, rec := range records {
		size := rec.Size()
		if i > 0 && total+size > w.maxBatchSize {
			return records[:i], records[i:]
		}
		total += size
	}
	return records, nil
}
