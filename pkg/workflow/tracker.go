package workflow

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowmark-io/flowmark/pkg/workflow/states"
)

// runSlot is one dynamic-key slot inside a flow run: the record identity
// for the n-th invocation of a given task or subflow within that run.
// Slots survive flow retries so that a replayed call lands on the same
// record instead of creating a new one.
type runSlot struct {
	key            string
	dynamicKey     int
	taskRunID      uuid.UUID
	childFlowRunID uuid.UUID
	state          *states.State

	// pending marks a slot whose run was reset by a flow retry and must
	// re-execute the next time the replayed body reaches it. Slots the
	// replay never touches keep their last recorded state.
	pending bool
}

// flowTracker is the per-flow-run bookkeeping shared by all attempts:
// dynamic-key counters, slot records, and the states collected during
// the current attempt for implicit aggregation.
type flowTracker struct {
	mu        sync.Mutex
	slots     map[string]*runSlot
	counters  map[string]int
	attempt   []*runSlot
	collected []*states.State
	futures   []*Future
}

func newFlowTracker() *flowTracker {
	return &flowTracker{
		slots:    make(map[string]*runSlot),
		counters: make(map[string]int),
	}
}

// beginAttempt resets the per-attempt bookkeeping. Dynamic keys count
// from zero in every attempt so a replayed body reproduces the same
// slot keys.
func (t *flowTracker) beginAttempt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters = make(map[string]int)
	t.attempt = nil
	t.collected = nil
	t.futures = nil
}

// resetAttemptSlots marks every slot executed during the failed attempt
// as pending re-execution.
func (t *flowTracker) resetAttemptSlots() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, slot := range t.attempt {
		slot.pending = true
	}
}

// nextSlot advances the dynamic-key counter for name and returns the
// slot for this invocation. cached is true when the slot already holds
// a terminal state from a prior invocation that was not reset: the
// caller must reuse that state instead of executing again, even if the
// arguments differ, since slot identity is keyed by name and position
// alone.
func (t *flowTracker) nextSlot(name string) (slot *runSlot, cached bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.counters[name]
	t.counters[name] = n + 1

	key := fmt.Sprintf("%s-%d", name, n)
	slot, ok := t.slots[key]
	if !ok {
		slot = &runSlot{key: key, dynamicKey: n}
		t.slots[key] = slot
	}

	if slot.state != nil && slot.state.IsFinal() && !slot.pending {
		t.collected = append(t.collected, slot.state)
		return slot, true
	}

	t.attempt = append(t.attempt, slot)
	return slot, false
}

// collect records a terminal state for implicit aggregation when the
// flow body returns no explicit value.
func (t *flowTracker) collect(state *states.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.collected = append(t.collected, state)
}

// addFuture registers a submitted future so the attempt can wait for it
// before finalizing.
func (t *flowTracker) addFuture(f *Future) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.futures = append(t.futures, f)
}

func (t *flowTracker) attemptFutures() []*Future {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Future(nil), t.futures...)
}

func (t *flowTracker) collectedStates() []*states.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*states.State(nil), t.collected...)
}
