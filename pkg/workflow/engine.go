package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowmark-io/flowmark/internal/backend"
	"github.com/flowmark-io/flowmark/internal/metrics"
	"github.com/flowmark-io/flowmark/pkg/blocks"
	"github.com/flowmark-io/flowmark/pkg/workflow/states"
)

// DefaultTaskConcurrency is the default maximum number of concurrently
// executing submitted task runs.
const DefaultTaskConcurrency = 8

// ErrNotInFlowRun is returned when a task or subflow is invoked outside
// a flow run context.
var ErrNotInFlowRun = errors.New("no flow run in context: tasks and subflows must be called from within a flow body")

// RunStore is the persistence surface the engine requires.
type RunStore interface {
	backend.FlowRunStore
	backend.TaskRunStore
}

// RunLogSink receives engine-generated run log records. The log worker
// satisfies this interface.
type RunLogSink interface {
	Enqueue(record *backend.LogRecord) error
}

// Engine supervises flow and task runs: it creates run records, drives
// their state machines, applies retry and timeout policy, and links
// parent and child runs.
type Engine struct {
	store   RunStore
	logger  *slog.Logger
	sink    RunLogSink
	results blocks.ByteStore
	taskSem chan struct{}
}

// NewEngine creates an engine backed by the given store.
func NewEngine(store RunStore) *Engine {
	return &Engine{
		store:   store,
		logger:  slog.Default(),
		taskSem: make(chan struct{}, DefaultTaskConcurrency),
	}
}

// WithLogger sets the engine's structured logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// WithRunLogSink routes engine-generated run logs to the given sink,
// typically a logging.Worker.
func (e *Engine) WithRunLogSink(sink RunLogSink) *Engine {
	e.sink = sink
	return e
}

// WithResultStore persists completed results through the given block
// instead of embedding them in the state document.
func (e *Engine) WithResultStore(store blocks.ByteStore) *Engine {
	e.results = store
	return e
}

// WithTaskConcurrency sets the maximum number of concurrently executing
// submitted task runs.
func (e *Engine) WithTaskConcurrency(max int) *Engine {
	if max < 1 {
		max = 1
	}
	e.taskSem = make(chan struct{}, max)
	return e
}

// Run executes the flow to completion and returns its result value,
// re-raising the flow's failure as an error.
func (e *Engine) Run(ctx context.Context, f *Flow, params Parameters) (any, error) {
	state, err := e.RunState(ctx, f, params)
	if err != nil {
		return nil, err
	}
	return state.Result(true)
}

// RunState executes the flow to completion and returns its final state.
// The returned error reports engine or persistence failures only; a
// failed flow is reported through the state, not the error.
func (e *Engine) RunState(ctx context.Context, f *Flow, params Parameters) (*states.State, error) {
	run := &backend.FlowRun{
		ID:          uuid.New(),
		FlowName:    f.name,
		FlowVersion: f.version,
		Parameters:  params,
		Tags:        TagsFromContext(ctx),
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	run.Name = fmt.Sprintf("%s-%s", f.name, run.ID.String()[:8])

	if err := e.store.CreateFlowRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating flow run: %w", err)
	}
	if err := e.setFlowState(ctx, run.ID, states.Scheduled(), false); err != nil {
		return nil, err
	}
	if err := e.setFlowState(ctx, run.ID, states.Pending(), false); err != nil {
		return nil, err
	}

	return e.runFlow(ctx, f, run, uuid.Nil)
}

// runFlow drives one flow run through its attempt loop. parentTaskRunID
// links subflow run states back to the synthetic task run that
// represents them in the parent; it is Nil for top-level runs.
func (e *Engine) runFlow(ctx context.Context, f *Flow, run *backend.FlowRun, parentTaskRunID uuid.UUID) (*states.State, error) {
	tracker := newFlowTracker()
	details := states.Details{FlowRunID: run.ID, TaskRunID: parentTaskRunID}

	e.runLog(run.ID, uuid.Nil, slog.LevelInfo, fmt.Sprintf("Beginning flow run %q for flow %q", run.Name, f.name))

	params, err := resolveParameters(f.name, f.paramSpecs, run.Parameters)
	if err != nil && f.validateParams {
		final := states.Failed(err).WithDetails(details)
		if serr := e.setFlowState(ctx, run.ID, final, false); serr != nil {
			return nil, serr
		}
		metrics.RecordFlowRun(string(final.Type))
		return final, nil
	}
	if err != nil {
		params = run.Parameters
	}

	var final *states.State
	for attempt := 0; ; attempt++ {
		running := states.Running()
		if attempt > 0 {
			running = states.Retrying()
		}
		if err := e.setFlowState(ctx, run.ID, running.WithDetails(details), false); err != nil {
			return nil, err
		}

		final = e.runFlowAttempt(ctx, f, run, tracker, params)
		final.WithDetails(details)

		// Only FAILED outcomes are retried. CRASHED and TIMED_OUT runs
		// are not re-driven: a timed-out non-cooperative body may still
		// be executing, and replaying beside it would race.
		if final.Type != states.TypeFailed || run.RetryCount >= f.retries {
			break
		}

		// Schedule a retry cycle. The attempt's terminal state is
		// appended first, never replaced; descendant runs executed
		// during the failed attempt are reset so the replayed body
		// re-executes them.
		run.RetryCount++
		run.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateFlowRun(ctx, run); err != nil {
			return nil, fmt.Errorf("updating flow run retry count: %w", err)
		}
		if err := e.setFlowState(ctx, run.ID, final, false); err != nil {
			return nil, err
		}
		if err := e.setFlowState(ctx, run.ID, states.AwaitingRetry().WithDetails(details), true); err != nil {
			return nil, err
		}
		if err := e.setFlowState(ctx, run.ID, states.Pending().WithDetails(details), false); err != nil {
			return nil, err
		}
		metrics.RecordRetry("flow")
		tracker.resetAttemptSlots()
		e.runLog(run.ID, uuid.Nil, slog.LevelWarn,
			fmt.Sprintf("Flow run %q failed, retrying (attempt %d of %d)", run.Name, run.RetryCount, f.retries))

		if f.retryDelay > 0 {
			select {
			case <-time.After(f.retryDelay):
			case <-ctx.Done():
			}
		}
	}

	e.persistResult(ctx, final)
	if err := e.setFlowState(ctx, run.ID, final, false); err != nil {
		return nil, err
	}
	metrics.RecordFlowRun(string(final.Type))
	e.runLog(run.ID, uuid.Nil, finishLevel(final), fmt.Sprintf("Flow run %q finished in state %s", run.Name, final.Name))

	return final, nil
}

// runFlowAttempt executes the flow body once and folds its outcome into
// a terminal state.
func (e *Engine) runFlowAttempt(ctx context.Context, f *Flow, run *backend.FlowRun, tracker *flowTracker, params Parameters) *states.State {
	tracker.beginAttempt()

	rc := &runContext{engine: e, flow: f, flowRunID: run.ID, tracker: tracker}
	info := RunInfo{FlowRunID: run.ID, FlowName: f.name}
	bodyCtx := withRunContext(ctx, rc, info)

	var cancel context.CancelFunc
	if f.timeout > 0 {
		bodyCtx, cancel = context.WithTimeout(bodyCtx, f.timeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("flow run crashed: %v", r)}
			}
		}()
		value, err := f.body(bodyCtx, params)
		done <- outcome{value: value, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-bodyCtx.Done():
		// The body is abandoned: a non-cooperative body may still be
		// running, but the run's outcome is decided now.
		if errors.Is(bodyCtx.Err(), context.DeadlineExceeded) && f.timeout > 0 && ctx.Err() == nil {
			return states.TimedOut(fmt.Errorf("flow run exceeded timeout of %s", f.timeout))
		}
		return states.Crashed(fmt.Errorf("flow run interrupted: %w", bodyCtx.Err()))
	}

	// A cooperative body observing the deadline returns the context
	// error; record the run as timed out, not failed.
	if out.err != nil {
		if f.timeout > 0 && errors.Is(bodyCtx.Err(), context.DeadlineExceeded) &&
			(errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, context.Canceled)) {
			return states.TimedOut(fmt.Errorf("flow run exceeded timeout of %s", f.timeout))
		}
		if r, ok := asStateError(out.err); ok {
			return r
		}
		return states.Failed(out.err)
	}

	// Wait for submitted futures so the attempt's outcome includes them.
	for _, fut := range tracker.attemptFutures() {
		if _, err := fut.Wait(bodyCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) && f.timeout > 0 {
				return states.TimedOut(fmt.Errorf("flow run exceeded timeout of %s", f.timeout))
			}
			return states.Crashed(fmt.Errorf("flow run interrupted: %w", err))
		}
	}

	return e.foldOutcome(bodyCtx, tracker, out.value)
}

// foldOutcome turns the body's return value into the attempt's terminal
// state, falling back to aggregating the states collected during the
// attempt when the body returned nothing.
func (e *Engine) foldOutcome(ctx context.Context, tracker *flowTracker, value any) *states.State {
	switch v := value.(type) {
	case *states.State:
		return v
	case []*states.State:
		return states.Aggregate(v)
	case *Future:
		state, err := v.Wait(ctx)
		if err != nil {
			return states.Crashed(err)
		}
		return state
	case []*Future:
		children := make([]*states.State, 0, len(v))
		for _, fut := range v {
			state, err := fut.Wait(ctx)
			if err != nil {
				return states.Crashed(err)
			}
			children = append(children, state)
		}
		return states.Aggregate(children)
	case nil:
		if collected := tracker.collectedStates(); len(collected) > 0 {
			return states.Aggregate(collected)
		}
		return states.Completed(nil)
	default:
		return states.Completed(value)
	}
}

// Call invokes the task within the enclosing flow run and returns its
// result value, re-raising the task's failure as an error.
func Call(ctx context.Context, t *Task, params Parameters) (any, error) {
	state, err := CallState(ctx, t, params)
	if err != nil {
		return nil, err
	}
	return state.Result(true)
}

// CallState invokes the task within the enclosing flow run and returns
// its terminal state without re-raising failures. The state still
// participates in the flow's implicit outcome aggregation.
func CallState(ctx context.Context, t *Task, params Parameters) (*states.State, error) {
	rc, ok := runContextFrom(ctx)
	if !ok {
		return nil, ErrNotInFlowRun
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("not starting task %q: %w", t.name, err)
	}

	slot, cached := rc.tracker.nextSlot(t.name)
	if cached {
		return slot.state, nil
	}

	resolved, upstream, err := resolveTaskParams(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("resolving inputs for task %q: %w", t.name, err)
	}

	run, err := rc.engine.prepareTaskRun(ctx, rc, t, slot, upstream)
	if err != nil {
		return nil, err
	}

	state := rc.engine.executeTask(ctx, rc, t, run, slot, resolved)
	rc.tracker.collect(state)
	return state, nil
}

// Submit schedules the task for concurrent execution within the
// enclosing flow run and returns a future for its result. The task run
// record is created before Submit returns.
func Submit(ctx context.Context, t *Task, params Parameters) (*Future, error) {
	rc, ok := runContextFrom(ctx)
	if !ok {
		return nil, ErrNotInFlowRun
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("not starting task %q: %w", t.name, err)
	}

	slot, cached := rc.tracker.nextSlot(t.name)
	if cached {
		fut := newFuture(slot.taskRunID)
		fut.resolve(slot.state)
		return fut, nil
	}

	resolved, upstream, err := resolveTaskParams(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("resolving inputs for task %q: %w", t.name, err)
	}

	run, err := rc.engine.prepareTaskRun(ctx, rc, t, slot, upstream)
	if err != nil {
		return nil, err
	}

	fut := newFuture(run.ID)
	rc.tracker.addFuture(fut)

	e := rc.engine
	go func() {
		select {
		case e.taskSem <- struct{}{}:
			defer func() { <-e.taskSem }()
		case <-ctx.Done():
			state := states.Crashed(fmt.Errorf("task run interrupted before start: %w", ctx.Err())).
				WithDetails(states.Details{FlowRunID: rc.flowRunID, TaskRunID: run.ID})
			rc.tracker.collect(state)
			fut.resolve(state)
			return
		}
		state := e.executeTask(ctx, rc, t, run, slot, resolved)
		rc.tracker.collect(state)
		fut.resolve(state)
	}()

	return fut, nil
}

// Subflow invokes the flow as a child of the enclosing flow run and
// returns its result value, re-raising the child's failure as an error.
func Subflow(ctx context.Context, f *Flow, params Parameters) (any, error) {
	state, err := SubflowState(ctx, f, params)
	if err != nil {
		return nil, err
	}
	return state.Result(true)
}

// SubflowState invokes the flow as a child of the enclosing flow run
// and returns its final state without re-raising failures.
func SubflowState(ctx context.Context, f *Flow, params Parameters) (*states.State, error) {
	rc, ok := runContextFrom(ctx)
	if !ok {
		return nil, ErrNotInFlowRun
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("not starting subflow %q: %w", f.name, err)
	}

	slot, cached := rc.tracker.nextSlot(f.name)
	if cached {
		return slot.state, nil
	}

	state, err := rc.engine.runSubflow(ctx, rc, f, slot, params)
	if err != nil {
		return nil, err
	}
	rc.tracker.collect(state)
	return state, nil
}

// prepareTaskRun creates the task run record for a fresh slot, or
// resets the existing record into a new attempt cycle when the slot was
// reset by a flow retry.
func (e *Engine) prepareTaskRun(ctx context.Context, rc *runContext, t *Task, slot *runSlot, upstream []uuid.UUID) (*backend.TaskRun, error) {
	details := states.Details{FlowRunID: rc.flowRunID}

	if slot.taskRunID == uuid.Nil {
		run := &backend.TaskRun{
			ID:          uuid.New(),
			Name:        fmt.Sprintf("%s-%d", t.name, slot.dynamicKey),
			TaskName:    t.name,
			TaskVersion: t.version,
			FlowRunID:   rc.flowRunID,
			DynamicKey:  slot.dynamicKey,
			Tags:        TagsFromContext(ctx),
			UpstreamIDs: upstream,
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}
		if err := e.store.CreateTaskRun(ctx, run); err != nil {
			return nil, fmt.Errorf("creating task run: %w", err)
		}
		details.TaskRunID = run.ID
		if err := e.setTaskState(ctx, run.ID, states.Pending().WithDetails(details), false); err != nil {
			return nil, err
		}
		slot.taskRunID = run.ID
		return run, nil
	}

	// Replay of a reset slot: the record keeps its identity and history,
	// gaining a fresh attempt cycle.
	run, err := e.store.ReadTaskRun(ctx, slot.taskRunID)
	if err != nil {
		return nil, fmt.Errorf("reading task run for replay: %w", err)
	}
	details.TaskRunID = run.ID
	if err := e.setTaskState(ctx, run.ID, states.AwaitingRetry().WithDetails(details), true); err != nil {
		return nil, err
	}
	if err := e.setTaskState(ctx, run.ID, states.Pending().WithDetails(details), false); err != nil {
		return nil, err
	}
	return run, nil
}

// executeTask drives one task run through its in-place retry loop and
// returns the terminal state. The task's retry budget is its own: a
// flow retry that replays the task grants a fresh budget.
func (e *Engine) executeTask(ctx context.Context, rc *runContext, t *Task, run *backend.TaskRun, slot *runSlot, params Parameters) *states.State {
	details := states.Details{FlowRunID: rc.flowRunID, TaskRunID: run.ID}
	info := RunInfo{FlowRunID: rc.flowRunID, TaskRunID: run.ID, FlowName: rc.flow.name, TaskName: t.name}
	bodyCtx := withTaskInfo(ctx, info)

	var final *states.State
	for attempt := 0; ; attempt++ {
		running := states.Running()
		if attempt > 0 {
			running = states.Retrying()
		}
		if err := e.setTaskState(ctx, run.ID, running.WithDetails(details), false); err != nil {
			final = states.Crashed(err).WithDetails(details)
			break
		}

		final = e.runTaskAttempt(bodyCtx, t, params).WithDetails(details)

		// As with flows, only FAILED outcomes consume retry budget.
		if final.Type != states.TypeFailed || attempt >= t.retries {
			break
		}

		run.RetryCount++
		run.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateTaskRun(ctx, run); err != nil {
			final = states.Crashed(err).WithDetails(details)
			break
		}
		// Append the attempt's terminal state before opening the cycle.
		if err := e.setTaskState(ctx, run.ID, final, false); err != nil {
			final = states.Crashed(err).WithDetails(details)
			break
		}
		if err := e.setTaskState(ctx, run.ID, states.AwaitingRetry().WithDetails(details), true); err != nil {
			final = states.Crashed(err).WithDetails(details)
			break
		}
		if err := e.setTaskState(ctx, run.ID, states.Pending().WithDetails(details), false); err != nil {
			final = states.Crashed(err).WithDetails(details)
			break
		}
		metrics.RecordRetry("task")
		e.runLog(rc.flowRunID, run.ID, slog.LevelWarn,
			fmt.Sprintf("Task run %q failed, retrying (attempt %d of %d)", run.Name, attempt+1, t.retries))

		if t.retryDelay > 0 {
			select {
			case <-time.After(t.retryDelay):
			case <-ctx.Done():
			}
		}
	}

	e.persistResult(ctx, final)
	if err := e.setTaskState(ctx, run.ID, final, false); err != nil {
		e.logger.Error("persisting task run state", "task_run_id", run.ID, "error", err)
	}
	metrics.RecordTaskRun(string(final.Type))
	e.runLog(rc.flowRunID, run.ID, finishLevel(final), fmt.Sprintf("Task run %q finished in state %s", run.Name, final.Name))

	slot.state = final
	slot.pending = false
	return final
}

// runTaskAttempt executes the task body once under the task's timeout.
func (e *Engine) runTaskAttempt(ctx context.Context, t *Task, params Parameters) *states.State {
	bodyCtx := ctx
	var cancel context.CancelFunc
	if t.timeout > 0 {
		bodyCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("task run crashed: %v", r)}
			}
		}()
		value, err := t.body(bodyCtx, params)
		done <- outcome{value: value, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-bodyCtx.Done():
		if errors.Is(bodyCtx.Err(), context.DeadlineExceeded) && t.timeout > 0 && ctx.Err() == nil {
			return states.TimedOut(fmt.Errorf("task run exceeded timeout of %s", t.timeout))
		}
		return states.Crashed(fmt.Errorf("task run interrupted: %w", bodyCtx.Err()))
	}

	if out.err != nil {
		if t.timeout > 0 && errors.Is(bodyCtx.Err(), context.DeadlineExceeded) &&
			(errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, context.Canceled)) {
			return states.TimedOut(fmt.Errorf("task run exceeded timeout of %s", t.timeout))
		}
		if r, ok := asStateError(out.err); ok {
			return r
		}
		return states.Failed(out.err)
	}
	return states.Completed(out.value)
}

// runSubflow executes a flow as a child of the enclosing run. The child
// is represented in the parent by a synthetic task run whose state
// mirrors the child flow run's final state.
//
// When a parent retry replays the call, the synthetic task run keeps
// its identity and is reset into a new attempt cycle, but the child
// flow run is created fresh; the old child run stays queryable while
// the synthetic task's new state supersedes the link.
func (e *Engine) runSubflow(ctx context.Context, rc *runContext, f *Flow, slot *runSlot, params Parameters) (*states.State, error) {
	replay := slot.taskRunID != uuid.Nil

	var synthetic *backend.TaskRun
	var err error

	if !replay {
		synthetic = &backend.TaskRun{
			ID:          uuid.New(),
			Name:        fmt.Sprintf("%s-%d", f.name, slot.dynamicKey),
			TaskName:    f.name,
			TaskVersion: f.version,
			FlowRunID:   rc.flowRunID,
			DynamicKey:  slot.dynamicKey,
			Tags:        TagsFromContext(ctx),
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}
		if err := e.store.CreateTaskRun(ctx, synthetic); err != nil {
			return nil, fmt.Errorf("creating subflow task run: %w", err)
		}
		if err := e.setTaskState(ctx, synthetic.ID,
			states.Pending().WithDetails(states.Details{FlowRunID: rc.flowRunID, TaskRunID: synthetic.ID}), false); err != nil {
			return nil, err
		}
		slot.taskRunID = synthetic.ID
	} else {
		synthetic, err = e.store.ReadTaskRun(ctx, slot.taskRunID)
		if err != nil {
			return nil, fmt.Errorf("reading subflow task run for replay: %w", err)
		}
		resetDetails := states.Details{FlowRunID: rc.flowRunID, TaskRunID: synthetic.ID, ChildFlowRunID: slot.childFlowRunID}
		if err := e.setTaskState(ctx, synthetic.ID, states.AwaitingRetry().WithDetails(resetDetails), true); err != nil {
			return nil, err
		}
		if err := e.setTaskState(ctx, synthetic.ID, states.Pending().WithDetails(resetDetails), false); err != nil {
			return nil, err
		}
	}

	childRun := &backend.FlowRun{
		ID:              uuid.New(),
		FlowName:        f.name,
		FlowVersion:     f.version,
		Parameters:      params,
		Tags:            TagsFromContext(ctx),
		ParentTaskRunID: synthetic.ID,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	childRun.Name = fmt.Sprintf("%s-%s", f.name, childRun.ID.String()[:8])
	if err := e.store.CreateFlowRun(ctx, childRun); err != nil {
		return nil, fmt.Errorf("creating subflow run: %w", err)
	}

	childDetails := states.Details{FlowRunID: childRun.ID, TaskRunID: synthetic.ID}
	if err := e.setFlowState(ctx, childRun.ID, states.Scheduled().WithDetails(childDetails), false); err != nil {
		return nil, err
	}
	if err := e.setFlowState(ctx, childRun.ID, states.Pending().WithDetails(childDetails), false); err != nil {
		return nil, err
	}
	slot.childFlowRunID = childRun.ID

	parentDetails := states.Details{
		FlowRunID:      rc.flowRunID,
		TaskRunID:      synthetic.ID,
		ChildFlowRunID: childRun.ID,
	}
	if err := e.setTaskState(ctx, synthetic.ID, states.Running().WithDetails(parentDetails), false); err != nil {
		return nil, err
	}

	final, err := e.runFlow(ctx, f, childRun, synthetic.ID)
	if err != nil {
		return nil, err
	}

	// Mirror the child's outcome onto the synthetic task run so the
	// child appears as a task of the parent.
	mirror := *final
	mirror.Details = parentDetails
	if err := e.setTaskState(ctx, synthetic.ID, &mirror, false); err != nil {
		return nil, err
	}

	result := *final
	result.Details = parentDetails
	slot.state = &result
	slot.pending = false
	return &result, nil
}

// resolveTaskParams replaces future and state values in params with
// their results, re-raising upstream failures, and returns the ids of
// the upstream task runs whose results fed the call.
func resolveTaskParams(ctx context.Context, params Parameters) (Parameters, []uuid.UUID, error) {
	if len(params) == 0 {
		return params, nil, nil
	}

	resolved := make(Parameters, len(params))
	var upstream []uuid.UUID
	for name, value := range params {
		switch v := value.(type) {
		case *Future:
			result, err := v.Result(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("upstream of parameter %q: %w", name, err)
			}
			resolved[name] = result
			upstream = append(upstream, v.TaskRunID())
		case *states.State:
			result, err := v.Result(true)
			if err != nil {
				return nil, nil, fmt.Errorf("upstream of parameter %q: %w", name, err)
			}
			resolved[name] = result
			if v.Details.TaskRunID != uuid.Nil {
				upstream = append(upstream, v.Details.TaskRunID)
			}
		default:
			resolved[name] = value
		}
	}
	return resolved, upstream, nil
}

// persistResult writes a completed state's value through the configured
// result block, or embeds it as JSON when no block is configured.
func (e *Engine) persistResult(ctx context.Context, state *states.State) {
	if !state.IsCompleted() || state.Data != nil {
		return
	}
	value, _ := state.Result(false)
	if value == nil {
		return
	}
	blob, err := json.Marshal(value)
	if err != nil {
		e.logger.Debug("result not serializable, keeping in memory only", "error", err)
		return
	}

	if e.results != nil {
		key, err := e.results.Write(ctx, blob)
		if err != nil {
			e.logger.Error("persisting result to block", "error", err)
			return
		}
		slug := ""
		if b, ok := e.results.(blocks.Block); ok {
			slug = b.Slug()
		}
		state.Data = states.BlockData(slug, key)
		return
	}
	state.Data = &states.Data{Encoding: states.EncodingJSON, Blob: blob}
}

// ReadResult loads the persisted result bytes referenced by a state,
// resolving block references through the process block registry.
func (e *Engine) ReadResult(ctx context.Context, state *states.State) ([]byte, error) {
	if state.Data == nil {
		return nil, fmt.Errorf("state has no persisted result")
	}
	switch state.Data.Encoding {
	case states.EncodingJSON:
		return state.Data.Blob, nil
	case states.EncodingBlock:
		store, err := blocks.GetByteStore(state.Data.BlockSlug)
		if err != nil {
			return nil, err
		}
		return store.Read(ctx, state.Data.Key)
	default:
		return nil, fmt.Errorf("unsupported result encoding %q", state.Data.Encoding)
	}
}

func (e *Engine) setFlowState(ctx context.Context, id uuid.UUID, state *states.State, retryCycle bool) error {
	if err := e.store.SetFlowRunState(ctx, id, state, retryCycle); err != nil {
		return fmt.Errorf("setting flow run state: %w", err)
	}
	return nil
}

func (e *Engine) setTaskState(ctx context.Context, id uuid.UUID, state *states.State, retryCycle bool) error {
	if err := e.store.SetTaskRunState(ctx, id, state, retryCycle); err != nil {
		return fmt.Errorf("setting task run state: %w", err)
	}
	return nil
}

// runLog ships an engine-generated record to the run log sink, if one
// is configured.
func (e *Engine) runLog(flowRunID, taskRunID uuid.UUID, level slog.Level, message string) {
	if e.sink == nil {
		return
	}
	rec := &backend.LogRecord{
		FlowRunID: flowRunID,
		TaskRunID: taskRunID,
		Name:      "flowmark.engine",
		Level:     int(level),
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if err := e.sink.Enqueue(rec); err != nil {
		e.logger.Debug("run log dropped", "error", err)
	}
}

func finishLevel(state *states.State) slog.Level {
	if state.IsFailed() {
		return slog.LevelError
	}
	return slog.LevelInfo
}

// asStateError lets a body return a prebuilt terminal state as its
// outcome by wrapping it in a StateError.
func asStateError(err error) (*states.State, bool) {
	var se *StateError
	if errors.As(err, &se) {
		return se.State, true
	}
	return nil, false
}

// StateError wraps a terminal state so a body can abort with an
// explicit outcome, such as a Cancelled state.
type StateError struct {
	State *states.State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("run finished %s: %s", e.State.Type, e.State.Message)
}
