package workflow

import "time"

// Task is a named unit of work invoked from within a flow run. Each
// invocation creates a task run keyed by the task name and a dynamic
// key that counts invocations within the enclosing flow run.
type Task struct {
	name       string
	version    string
	body       Body
	retries    int
	retryDelay time.Duration
	timeout    time.Duration
}

// TaskOption configures a Task at construction time.
type TaskOption func(*Task)

// NewTask creates a task with the given name and body.
func NewTask(name string, body Body, opts ...TaskOption) *Task {
	t := &Task{name: name, body: body}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WithTaskVersion sets the task version string.
func WithTaskVersion(version string) TaskOption {
	return func(t *Task) { t.version = version }
}

// WithTaskRetries sets how many times a failed task run is retried in
// place. The budget applies per flow attempt: a flow retry that
// replays the task grants it a fresh retry budget.
func WithTaskRetries(n int) TaskOption {
	return func(t *Task) { t.retries = n }
}

// WithTaskRetryDelay sets the pause before each task retry attempt.
func WithTaskRetryDelay(d time.Duration) TaskOption {
	return func(t *Task) { t.retryDelay = d }
}

// WithTaskTimeout bounds each attempt of the task body.
func WithTaskTimeout(d time.Duration) TaskOption {
	return func(t *Task) { t.timeout = d }
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Version returns the task version string, which may be empty.
func (t *Task) Version() string { return t.version }

// Retries returns the configured retry count.
func (t *Task) Retries() int { return t.retries }

// Timeout returns the per-attempt timeout, zero meaning unbounded.
func (t *Task) Timeout() time.Duration { return t.timeout }

// WithOptions returns a copy of the task with the given options applied.
func (t *Task) WithOptions(opts ...TaskOption) *Task {
	clone := *t
	for _, opt := range opts {
		opt(&clone)
	}
	return &clone
}
