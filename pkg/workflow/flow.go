package workflow

import (
	"context"
	"time"
)

// Body is the user function executed for a flow or task run. It receives
// a context that carries the run's identity and honors the run's timeout;
// cooperative bodies should observe ctx.Done() and return promptly.
type Body func(ctx context.Context, params Parameters) (any, error)

// Flow is a named, versioned unit of orchestrated work. Invoking a flow
// through an Engine creates a flow run whose lifecycle is tracked as a
// sequence of states.
type Flow struct {
	name           string
	version        string
	description    string
	body           Body
	retries        int
	retryDelay     time.Duration
	timeout        time.Duration
	paramSpecs     []ParameterSpec
	validateParams bool
}

// FlowOption configures a Flow at construction time.
type FlowOption func(*Flow)

// NewFlow creates a flow with the given name and body.
func NewFlow(name string, body Body, opts ...FlowOption) *Flow {
	f := &Flow{
		name:           name,
		body:           body,
		validateParams: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithVersion sets the flow version string.
func WithVersion(version string) FlowOption {
	return func(f *Flow) { f.version = version }
}

// WithDescription sets a human-readable description.
func WithDescription(desc string) FlowOption {
	return func(f *Flow) { f.description = desc }
}

// WithRetries sets how many times a failed flow run is retried.
// Each retry replays the body; descendant runs started during the
// failed attempt are re-executed.
func WithRetries(n int) FlowOption {
	return func(f *Flow) { f.retries = n }
}

// WithRetryDelay sets the pause before each retry attempt.
func WithRetryDelay(d time.Duration) FlowOption {
	return func(f *Flow) { f.retryDelay = d }
}

// WithTimeout bounds each attempt of the flow body. When the deadline
// passes the run is recorded as TIMED_OUT without waiting for a
// non-cooperative body to return.
func WithTimeout(d time.Duration) FlowOption {
	return func(f *Flow) { f.timeout = d }
}

// WithParameters declares the flow's expected parameters. Declared
// parameters are validated and coerced before the body runs.
func WithParameters(specs ...ParameterSpec) FlowOption {
	return func(f *Flow) { f.paramSpecs = specs }
}

// WithoutParameterValidation disables parameter validation for the flow.
// Parameters are passed through to the body unchecked.
func WithoutParameterValidation() FlowOption {
	return func(f *Flow) { f.validateParams = false }
}

// Name returns the flow name.
func (f *Flow) Name() string { return f.name }

// Version returns the flow version string, which may be empty.
func (f *Flow) Version() string { return f.version }

// Description returns the flow description.
func (f *Flow) Description() string { return f.description }

// Retries returns the configured retry count.
func (f *Flow) Retries() int { return f.retries }

// Timeout returns the per-attempt timeout, zero meaning unbounded.
func (f *Flow) Timeout() time.Duration { return f.timeout }

// WithOptions returns a copy of the flow with the given options applied.
// The receiver is unchanged, so variants of a flow can share one body.
func (f *Flow) WithOptions(opts ...FlowOption) *Flow {
	clone := *f
	if len(f.paramSpecs) > 0 {
		clone.paramSpecs = append([]ParameterSpec(nil), f.paramSpecs...)
	}
	for _, opt := range opts {
		opt(&clone)
	}
	return &clone
}
