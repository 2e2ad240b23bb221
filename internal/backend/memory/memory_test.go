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

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowmark-io/flowmark/internal/backend"
	"github.com/flowmark-io/flowmark/pkg/workflow/states"
)

func newFlowRun(name string) *backend.FlowRun {
	return &backend.FlowRun{
		ID:       uuid.New(),
		Name:     name,
		FlowName: name,
	}
}

func TestFlowRunLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := newFlowRun("etl")
	if err := s.CreateFlowRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}

	got, err := s.ReadFlowRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Name != "etl" {
		t.Errorf("unexpected name %q", got.Name)
	}

	run.RetryCount = 2
	if err := s.UpdateFlowRun(ctx, run); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.ReadFlowRun(ctx, run.ID)
	if got.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", got.RetryCount)
	}

	if err := s.CreateFlowRun(ctx, run); err == nil {
		t.Error("expected duplicate create to fail")
	}
}

func TestReadFlowRunNotFound(t *testing.T) {
	s := New()

	_, err := s.ReadFlowRun(context.Background(), uuid.New())
	var nf *backend.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.Resource != "flow run" {
		t.Errorf("unexpected resource %q", nf.Resource)
	}
}

func TestUpdateMissingFlowRun(t *testing.T) {
	s := New()

	err := s.UpdateFlowRun(context.Background(), newFlowRun("ghost"))
	var nf *backend.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestFlowRunStateHistory(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := newFlowRun("etl")
	if err := s.CreateFlowRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	sequence := []*states.State{
		states.Scheduled(),
		states.Pending(),
		states.Running(),
		states.Completed("done"),
	}
	for _, st := range sequence {
		if err := s.SetFlowRunState(ctx, run.ID, st, false); err != nil {
			t.Fatalf("set %s: %v", st.Name, err)
		}
	}

	got, _ := s.ReadFlowRun(ctx, run.ID)
	if got.State.Type != states.TypeCompleted {
		t.Errorf("expected current state COMPLETED, got %s", got.State.Type)
	}

	history, err := s.ReadFlowRunStates(ctx, run.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != len(sequence) {
		t.Fatalf("expected %d states, got %d", len(sequence), len(history))
	}
	for i, st := range sequence {
		if history[i].Type != st.Type {
			t.Errorf("history[%d]: expected %s, got %s", i, st.Type, history[i].Type)
		}
	}
}

func TestFlowRunStateTransitionValidation(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := newFlowRun("etl")
	s.CreateFlowRun(ctx, run)
	s.SetFlowRunState(ctx, run.ID, states.Scheduled(), false)

	err := s.SetFlowRunState(ctx, run.ID, states.Running(), false)
	var invalid *states.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError for SCHEDULED->RUNNING, got %v", err)
	}
}

func TestRetryCycleReschedulesTerminalRun(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := newFlowRun("etl")
	s.CreateFlowRun(ctx, run)
	for _, st := range []*states.State{states.Scheduled(), states.Pending(), states.Running(), states.Failed(errors.New("boom"))} {
		if err := s.SetFlowRunState(ctx, run.ID, st, false); err != nil {
			t.Fatalf("set %s: %v", st.Name, err)
		}
	}

	// A terminal run only re-enters SCHEDULED through a retry cycle.
	if err := s.SetFlowRunState(ctx, run.ID, states.AwaitingRetry(), false); err == nil {
		t.Error("expected reschedule without retryCycle to fail")
	}
	if err := s.SetFlowRunState(ctx, run.ID, states.AwaitingRetry(), true); err != nil {
		t.Errorf("expected retry cycle reschedule to succeed, got %v", err)
	}
}

func TestTaskRunLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	flowRunID := uuid.New()
	run := &backend.TaskRun{
		ID:         uuid.New(),
		Name:       "extract-0",
		TaskName:   "extract",
		FlowRunID:  flowRunID,
		DynamicKey: 0,
	}
	if err := s.CreateTaskRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.ReadTaskRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.TaskName != "extract" {
		t.Errorf("unexpected task name %q", got.TaskName)
	}

	run.RetryCount = 1
	if err := s.UpdateTaskRun(ctx, run); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := s.SetTaskRunState(ctx, run.ID, states.Pending(), false); err != nil {
		t.Fatalf("set state: %v", err)
	}
	history, _ := s.ReadTaskRunStates(ctx, run.ID)
	if len(history) != 1 {
		t.Errorf("expected 1 state, got %d", len(history))
	}

	_, err = s.ReadTaskRun(ctx, uuid.New())
	var nf *backend.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestListTaskRunsFiltersAndOrders(t *testing.T) {
	s := New()
	ctx := context.Background()

	flowA := uuid.New()
	flowB := uuid.New()

	for i := 0; i < 3; i++ {
		err := s.CreateTaskRun(ctx, &backend.TaskRun{
			ID:         uuid.New(),
			TaskName:   "extract",
			FlowRunID:  flowA,
			DynamicKey: i,
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}
	s.CreateTaskRun(ctx, &backend.TaskRun{ID: uuid.New(), TaskName: "other", FlowRunID: flowB})

	runs, err := s.ListTaskRuns(ctx, flowA)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i, run := range runs {
		if run.DynamicKey != i {
			t.Errorf("runs[%d]: expected dynamic key %d, got %d", i, i, run.DynamicKey)
		}
	}

	empty, _ := s.ListTaskRuns(ctx, uuid.New())
	if len(empty) != 0 {
		t.Errorf("expected no runs for unknown flow, got %d", len(empty))
	}
}

func TestLogStorage(t *testing.T) {
	s := New()
	ctx := context.Background()

	flowA := uuid.New()
	flowB := uuid.New()
	taskA := uuid.New()

	batch := []*backend.LogRecord{
		{FlowRunID: flowA, TaskRunID: taskA, Name: "flowmark.run", Message: "first"},
		{FlowRunID: flowA, Name: "flowmark.run", Message: "second"},
		{FlowRunID: flowB, Name: "flowmark.run", Message: "third"},
	}
	if err := s.CreateLogs(ctx, batch); err != nil {
		t.Fatalf("create logs: %v", err)
	}

	byFlow, _ := s.ReadLogs(ctx, backend.LogFilter{FlowRunID: flowA})
	if len(byFlow) != 2 {
		t.Errorf("expected 2 records for flow, got %d", len(byFlow))
	}

	byTask, _ := s.ReadLogs(ctx, backend.LogFilter{TaskRunID: taskA})
	if len(byTask) != 1 || byTask[0].Message != "first" {
		t.Errorf("unexpected task-scoped records %v", byTask)
	}

	limited, _ := s.ReadLogs(ctx, backend.LogFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d records", len(limited))
	}

	all, _ := s.ReadLogs(ctx, backend.LogFilter{})
	if len(all) != 3 {
		t.Errorf("expected all records, got %d", len(all))
	}
}

func TestClose(t *testing.T) {
	s := New()
	if err := s.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestListFlowRunsFiltersAndOrders(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, name := range []string{"etl", "etl", "reports"} {
		if err := s.CreateFlowRun(ctx, newFlowRun(name)); err != nil {
			t.Fatalf("create: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	all, err := s.ListFlowRuns(ctx, backend.FlowRunFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Error("expected newest-first ordering")
		}
	}
	if all[0].FlowName != "reports" {
		t.Errorf("expected most recent run first, got %q", all[0].FlowName)
	}

	etl, err := s.ListFlowRuns(ctx, backend.FlowRunFilter{FlowName: "etl"})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(etl) != 2 {
		t.Errorf("expected 2 etl runs, got %d", len(etl))
	}

	limited, err := s.ListFlowRuns(ctx, backend.FlowRunFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].FlowName != "reports" {
		t.Errorf("expected the newest run only, got %v", limited)
	}
}
