// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package states defines the run state machine: the tagged outcome values
// attached to flow and task runs, the legal transitions between them, and
// helpers for aggregating child run outcomes into a parent outcome.
package states

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of a run state.
type Type string

const (
	// TypeScheduled indicates the run has been created but not yet picked up.
	TypeScheduled Type = "SCHEDULED"
	// TypePending indicates the run is being prepared for execution.
	TypePending Type = "PENDING"
	// TypeRunning indicates the run body is executing.
	TypeRunning Type = "RUNNING"
	// TypeCompleted indicates the run finished successfully.
	TypeCompleted Type = "COMPLETED"
	// TypeFailed indicates the run body raised a failure.
	TypeFailed Type = "FAILED"
	// TypeCrashed indicates the run was interrupted by an infrastructure failure.
	TypeCrashed Type = "CRASHED"
	// TypeCancelled indicates the run was cancelled before completion.
	TypeCancelled Type = "CANCELLED"
	// TypeTimedOut indicates the run exceeded its wall-clock budget.
	TypeTimedOut Type = "TIMED_OUT"
	// TypePaused indicates a flow run is awaiting external resumption.
	TypePaused Type = "PAUSED"
)

// terminalTypes are the types from which no further transition is legal
// within one attempt. A retry appends a new SCHEDULED state as a fresh
// attempt cycle, not as a transition out of the terminal state.
var terminalTypes = map[Type]bool{
	TypeCompleted: true,
	TypeFailed:    true,
	TypeCrashed:   true,
	TypeCancelled: true,
	TypeTimedOut:  true,
}

// IsFinal reports whether the type is terminal.
func (t Type) IsFinal() bool {
	return terminalTypes[t]
}

// DefaultName returns the human-readable name used when a state does not
// carry an explicit one.
func (t Type) DefaultName() string {
	switch t {
	case TypeScheduled:
		return "Scheduled"
	case TypePending:
		return "Pending"
	case TypeRunning:
		return "Running"
	case TypeCompleted:
		return "Completed"
	case TypeFailed:
		return "Failed"
	case TypeCrashed:
		return "Crashed"
	case TypeCancelled:
		return "Cancelled"
	case TypeTimedOut:
		return "TimedOut"
	case TypePaused:
		return "Paused"
	}
	return string(t)
}

// legalNext maps each non-terminal type to the types it may transition to.
var legalNext = map[Type][]Type{
	TypeScheduled: {TypePending, TypeCancelled, TypeCrashed},
	TypePending:   {TypeRunning, TypeCancelled, TypeCrashed, TypeFailed},
	TypeRunning:   {TypeCompleted, TypeFailed, TypeCrashed, TypeCancelled, TypeTimedOut, TypePaused},
	TypePaused:    {TypeRunning, TypeCancelled, TypeCrashed, TypeFailed},
}

// InvalidTransitionError is returned when a state assignment would violate
// the run state machine.
type InvalidTransitionError struct {
	From Type
	To   Type
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

// ValidateTransition checks that moving from one state type to another is
// legal within a single attempt. A new attempt (retry) must be signalled
// with retryCycle so that SCHEDULED may follow a terminal state.
func ValidateTransition(from, to Type, retryCycle bool) error {
	if from.IsFinal() {
		if retryCycle && to == TypeScheduled {
			return nil
		}
		return &InvalidTransitionError{From: from, To: to}
	}
	for _, t := range legalNext[from] {
		if t == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to}
}

// Details is the structured side-channel attached to every state. It links
// the state to its run and, for synthetic subflow tasks, to the child flow
// run the task represents.
type Details struct {
	FlowRunID      uuid.UUID `json:"flow_run_id,omitempty"`
	TaskRunID      uuid.UUID `json:"task_run_id,omitempty"`
	ChildFlowRunID uuid.UUID `json:"child_flow_run_id,omitempty"`
}

// State is the tagged outcome/status of a run at a point in time.
//
// The Data document references persisted result bytes; the unexported value
// and err fields carry the in-process result so that callers in the same
// process can resolve it without a round trip through storage.
type State struct {
	Type      Type      `json:"type"`
	Name      string    `json:"name"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      *Data     `json:"data,omitempty"`
	Details   Details   `json:"state_details"`

	value       any
	err         error
	childStates []*State
}

// New creates a state of the given type with its default name.
func New(t Type) *State {
	return &State{
		Type:      t,
		Name:      t.DefaultName(),
		Timestamp: time.Now().UTC(),
	}
}

// Scheduled returns a new SCHEDULED state.
func Scheduled() *State { return New(TypeScheduled) }

// Pending returns a new PENDING state.
func Pending() *State { return New(TypePending) }

// Running returns a new RUNNING state.
func Running() *State { return New(TypeRunning) }

// Paused returns a new PAUSED state.
func Paused() *State { return New(TypePaused) }

// Completed returns a new COMPLETED state carrying the given result value.
func Completed(value any) *State {
	s := New(TypeCompleted)
	s.value = value
	return s
}

// Failed returns a new FAILED state capturing the given failure.
func Failed(err error) *State {
	s := New(TypeFailed)
	s.err = err
	if err != nil {
		s.Message = err.Error()
	}
	return s
}

// Crashed returns a new CRASHED state capturing the given failure.
func Crashed(err error) *State {
	s := New(TypeCrashed)
	s.err = err
	if err != nil {
		s.Message = err.Error()
	}
	return s
}

// Cancelled returns a new CANCELLED state with the given message.
func Cancelled(message string) *State {
	s := New(TypeCancelled)
	s.Message = message
	return s
}

// TimedOut returns a new TIMED_OUT state capturing the given failure. Only
// the engine constructs this state; a user-raised timeout-shaped error is
// recorded as FAILED so the user's own message is preserved.
func TimedOut(err error) *State {
	s := New(TypeTimedOut)
	s.err = err
	if err != nil {
		s.Message = err.Error()
	}
	return s
}

// AwaitingRetry returns a SCHEDULED state marking the start of a fresh
// attempt cycle after a failure.
func AwaitingRetry() *State {
	s := New(TypeScheduled)
	s.Name = "AwaitingRetry"
	return s
}

// Retrying returns a RUNNING state for an attempt after the first.
func Retrying() *State {
	s := New(TypeRunning)
	s.Name = "Retrying"
	return s
}

// IsFinal reports whether the state is terminal.
func (s *State) IsFinal() bool { return s.Type.IsFinal() }

// IsCompleted reports whether the state is COMPLETED.
func (s *State) IsCompleted() bool { return s.Type == TypeCompleted }

// IsFailed reports whether the state represents an unsuccessful outcome.
func (s *State) IsFailed() bool {
	return s.Type == TypeFailed || s.Type == TypeCrashed || s.Type == TypeTimedOut
}

// IsCancelled reports whether the state is CANCELLED.
func (s *State) IsCancelled() bool { return s.Type == TypeCancelled }

// Err returns the failure captured by this state, if any. For failed states
// without a captured error (e.g. read back from storage), a generic error
// built from the message is returned.
func (s *State) Err() error {
	if s.err != nil {
		return s.err
	}
	if s.IsFailed() {
		return fmt.Errorf("run finished %s: %s", s.Type, s.Message)
	}
	return nil
}

// ChildStates returns the child run states embedded in this state, when the
// state's data aggregates child outcomes.
func (s *State) ChildStates() []*State { return s.childStates }

// Result resolves the state to its result value. Failed states re-raise the
// captured failure unless raiseOnFailure is false, in which case the failure
// is returned as the value.
func (s *State) Result(raiseOnFailure bool) (any, error) {
	if s.IsFailed() {
		err := s.Err()
		if raiseOnFailure {
			return nil, err
		}
		return err, nil
	}
	if s.childStates != nil {
		return s.childStates, nil
	}
	return s.value, nil
}

// WithDetails returns the state with its details set. The state itself is
// returned to allow chaining at construction sites.
func (s *State) WithDetails(d Details) *State {
	s.Details = d
	return s
}

// Aggregate folds child run states into a single parent outcome: FAILED when
// any child state failed, COMPLETED otherwise. The child states are carried
// as the aggregate's data, in the order given.
func Aggregate(children []*State) *State {
	failed := 0
	for _, c := range children {
		if !c.IsCompleted() && !c.IsCancelled() {
			failed++
		}
	}

	var agg *State
	if failed > 0 {
		agg = New(TypeFailed)
		agg.Message = fmt.Sprintf("%d/%d states failed.", failed, len(children))
		agg.err = &AggregateError{States: children, Failed: failed}
	} else {
		agg = New(TypeCompleted)
	}
	agg.childStates = children
	agg.Data = &Data{Encoding: EncodingStates}
	return agg
}

// AggregateError is the failure carried by an aggregate FAILED state. It
// unwraps to the first failed child state's error.
type AggregateError struct {
	States []*State
	Failed int
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("%d/%d states failed.", e.Failed, len(e.States))
}

func (e *AggregateError) Unwrap() error {
	for _, s := range e.States {
		if s.IsFailed() {
			return s.Err()
		}
	}
	return nil
}
