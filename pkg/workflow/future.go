package workflow

import (
	"context"

	"github.com/google/uuid"
	"github.com/flowmark-io/flowmark/pkg/workflow/states"
)

// Future is the deferred result of a task submitted for concurrent
// execution. The underlying task run is created before Submit returns,
// so dynamic keys remain deterministic regardless of scheduling.
type Future struct {
	taskRunID uuid.UUID
	done      chan struct{}
	state     *states.State
}

func newFuture(taskRunID uuid.UUID) *Future {
	return &Future{taskRunID: taskRunID, done: make(chan struct{})}
}

func (f *Future) resolve(state *states.State) {
	f.state = state
	close(f.done)
}

// TaskRunID returns the identifier of the backing task run.
func (f *Future) TaskRunID() uuid.UUID { return f.taskRunID }

// Wait blocks until the task run reaches a terminal state and returns
// it. It returns early with ctx.Err() if the context is done first.
func (f *Future) Wait(ctx context.Context) (*states.State, error) {
	select {
	case <-f.done:
		return f.state, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result waits for the task run and returns its result value,
// re-raising the task's error if it did not complete.
func (f *Future) Result(ctx context.Context) (any, error) {
	state, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return state.Result(true)
}
