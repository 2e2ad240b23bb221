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

// Package backend provides persistence for run records, state histories and
// log records.
//
// # Interface Hierarchy
//
// The package uses interface segregation so that components depend only on
// the capability they need:
//
//   - FlowRunStore (core, required): create/read/update flow runs, append states
//   - TaskRunStore (core, required): create/read/update task runs, append states
//   - LogStore (optional): append/read log records
//   - io.Closer (optional): Close
//
// The Store interface composes all of these for full-featured backends.
package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/flowmark-io/flowmark/pkg/workflow/states"
)

// NotFoundError is returned when a requested record does not exist.
type NotFoundError struct {
	// Resource is the record type ("flow run", "task run").
	Resource string

	// ID is the identifier that was not found.
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// FlowRun is the durable record of one flow run. Its state history is
// append-only; State always holds the current (most recent) state.
type FlowRun struct {
	ID              uuid.UUID      `json:"id"`
	Name            string         `json:"name"`
	FlowName        string         `json:"flow_name"`
	FlowVersion     string         `json:"flow_version,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	State           *states.State  `json:"state,omitempty"`
	RetryCount      int            `json:"retry_count"`
	ParentTaskRunID uuid.UUID      `json:"parent_task_run_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TaskRun is the durable record of one task run, including the synthetic
// task runs that represent subflow calls inside their parent flow run.
//
// DynamicKey disambiguates repeated invocations of the same task object
// within one flow run: (FlowRunID, TaskName, DynamicKey) is unique.
type TaskRun struct {
	ID          uuid.UUID     `json:"id"`
	Name        string        `json:"name"`
	TaskName    string        `json:"task_name"`
	TaskVersion string        `json:"task_version,omitempty"`
	FlowRunID   uuid.UUID     `json:"flow_run_id"`
	DynamicKey  int           `json:"dynamic_key"`
	Tags        []string      `json:"tags,omitempty"`
	State       *states.State `json:"state,omitempty"`
	RetryCount  int           `json:"retry_count"`

	// UpstreamIDs reference the task runs whose results fed this run's
	// parameters.
	UpstreamIDs []uuid.UUID `json:"upstream_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogRecord is one telemetry record shipped by the log worker.
type LogRecord struct {
	FlowRunID uuid.UUID `json:"flow_run_id"`
	TaskRunID uuid.UUID `json:"task_run_id,omitempty"`
	Name      string    `json:"name"`
	Level     int       `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Size approximates the serialized size of the record in bytes, used for
// batch accounting and the max-record-size guard.
func (r *LogRecord) Size() int {
	// Fixed overhead covers the ids, level and timestamp fields.
	return len(r.Name) + len(r.Message) + 128
}

// LogFilter narrows ReadLogs results. Zero values match everything.
type LogFilter struct {
	FlowRunID uuid.UUID
	TaskRunID uuid.UUID
	Limit     int
}

// FlowRunFilter narrows ListFlowRuns results. Zero values match everything.
type FlowRunFilter struct {
	FlowName string
	Limit    int
}

// FlowRunStore is the core interface for flow run persistence.
type FlowRunStore interface {
	// CreateFlowRun creates a new flow run record.
	CreateFlowRun(ctx context.Context, run *FlowRun) error

	// ReadFlowRun retrieves a flow run by id.
	ReadFlowRun(ctx context.Context, id uuid.UUID) (*FlowRun, error)

	// UpdateFlowRun updates a flow run's mutable fields (retry count,
	// parent linkage, tags). States are appended via SetFlowRunState.
	UpdateFlowRun(ctx context.Context, run *FlowRun) error

	// SetFlowRunState appends a state to the run's history and makes it
	// current. retryCycle permits SCHEDULED to follow a terminal state.
	SetFlowRunState(ctx context.Context, id uuid.UUID, state *states.State, retryCycle bool) error

	// ReadFlowRunStates returns the run's full state history in
	// assignment order.
	ReadFlowRunStates(ctx context.Context, id uuid.UUID) ([]*states.State, error)

	// ListFlowRuns returns flow runs matching the filter, newest first.
	ListFlowRuns(ctx context.Context, filter FlowRunFilter) ([]*FlowRun, error)
}

// TaskRunStore is the core interface for task run persistence.
type TaskRunStore interface {
	CreateTaskRun(ctx context.Context, run *TaskRun) error
	ReadTaskRun(ctx context.Context, id uuid.UUID) (*TaskRun, error)
	UpdateTaskRun(ctx context.Context, run *TaskRun) error
	SetTaskRunState(ctx context.Context, id uuid.UUID, state *states.State, retryCycle bool) error
	ReadTaskRunStates(ctx context.Context, id uuid.UUID) ([]*states.State, error)

	// ListTaskRuns returns all task runs belonging to a flow run.
	ListTaskRuns(ctx context.Context, flowRunID uuid.UUID) ([]*TaskRun, error)
}

// LogStore is an optional interface for log record persistence. Use a type
// assertion to detect support:
//
//	if logs, ok := store.(backend.LogStore); ok {
//	    err := logs.CreateLogs(ctx, batch)
//	}
type LogStore interface {
	// CreateLogs appends a batch of log records.
	CreateLogs(ctx context.Context, logs []*LogRecord) error

	// ReadLogs retrieves log records matching the filter, oldest first.
	ReadLogs(ctx context.Context, filter LogFilter) ([]*LogRecord, error)
}

// Store is the full-featured backend interface.
type Store interface {
	FlowRunStore
	TaskRunStore
	LogStore
	io.Closer
}
