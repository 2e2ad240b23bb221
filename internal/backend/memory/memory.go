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

// Package memory provides an in-memory backend implementation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmark-io/flowmark/internal/backend"
	"github.com/flowmark-io/flowmark/pkg/workflow/states"
)

// Compile-time interface assertions.
var (
	_ backend.FlowRunStore = (*Store)(nil)
	_ backend.TaskRunStore = (*Store)(nil)
	_ backend.LogStore     = (*Store)(nil)
	_ backend.Store        = (*Store)(nil)
)

// Store is an in-memory storage backend. It is safe for concurrent use and
// suitable for tests and single-process engines.
type Store struct {
	mu         sync.RWMutex
	flowRuns   map[uuid.UUID]*backend.FlowRun
	taskRuns   map[uuid.UUID]*backend.TaskRun
	flowStates map[uuid.UUID][]*states.State
	taskStates map[uuid.UUID][]*states.State
	logs       []*backend.LogRecord
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		flowRuns:   make(map[uuid.UUID]*backend.FlowRun),
		taskRuns:   make(map[uuid.UUID]*backend.TaskRun),
		flowStates: make(map[uuid.UUID][]*states.State),
		taskStates: make(map[uuid.UUID][]*states.State),
	}
}

// CreateFlowRun creates a new flow run record.
func (s *Store) CreateFlowRun(ctx context.Context, run *backend.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flowRuns[run.ID]; exists {
		return fmt.Errorf("flow run already exists: %s", run.ID)
	}

	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt
	s.flowRuns[run.ID] = run
	return nil
}

// ReadFlowRun retrieves a flow run by id.
func (s *Store) ReadFlowRun(ctx context.Context, id uuid.UUID) (*backend.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.flowRuns[id]
	if !exists {
		return nil, &backend.NotFoundError{Resource: "flow run", ID: id.String()}
	}
	return run, nil
}

// UpdateFlowRun updates an existing flow run.
func (s *Store) UpdateFlowRun(ctx context.Context, run *backend.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flowRuns[run.ID]; !exists {
		return &backend.NotFoundError{Resource: "flow run", ID: run.ID.String()}
	}

	run.UpdatedAt = time.Now()
	s.flowRuns[run.ID] = run
	return nil
}

// SetFlowRunState appends a state to the flow run's history.
func (s *Store) SetFlowRunState(ctx context.Context, id uuid.UUID, state *states.State, retryCycle bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.flowRuns[id]
	if !exists {
		return &backend.NotFoundError{Resource: "flow run", ID: id.String()}
	}
	if run.State != nil {
		if err := states.ValidateTransition(run.State.Type, state.Type, retryCycle); err != nil {
			return err
		}
	}

	run.State = state
	run.UpdatedAt = time.Now()
	s.flowStates[id] = append(s.flowStates[id], state)
	return nil
}

// ReadFlowRunStates returns the flow run's state history in assignment order.
func (s *Store) ReadFlowRunStates(ctx context.Context, id uuid.UUID) ([]*states.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.flowStates[id]
	out := make([]*states.State, len(history))
	copy(out, history)
	return out, nil
}

// ListFlowRuns returns flow runs matching the filter, newest first.
func (s *Store) ListFlowRuns(ctx context.Context, filter backend.FlowRunFilter) ([]*backend.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*backend.FlowRun
	for _, run := range s.flowRuns {
		if filter.FlowName != "" && run.FlowName != filter.FlowName {
			continue
		}
		result = append(result, run)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// CreateTaskRun creates a new task run record.
func (s *Store) CreateTaskRun(ctx context.Context, run *backend.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.taskRuns[run.ID]; exists {
		return fmt.Errorf("task run already exists: %s", run.ID)
	}

	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt
	s.taskRuns[run.ID] = run
	return nil
}

// ReadTaskRun retrieves a task run by id.
func (s *Store) ReadTaskRun(ctx context.Context, id uuid.UUID) (*backend.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.taskRuns[id]
	if !exists {
		return nil, &backend.NotFoundError{Resource: "task run", ID: id.String()}
	}
	return run, nil
}

// UpdateTaskRun updates an existing task run.
func (s *Store) UpdateTaskRun(ctx context.Context, run *backend.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.taskRuns[run.ID]; !exists {
		return &backend.NotFoundError{Resource: "task run", ID: run.ID.String()}
	}

	run.UpdatedAt = time.Now()
	s.taskRuns[run.ID] = run
	return nil
}

// SetTaskRunState appends a state to the task run's history.
func (s *Store) SetTaskRunState(ctx context.Context, id uuid.UUID, state *states.State, retryCycle bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.taskRuns[id]
	if !exists {
		return &backend.NotFoundError{Resource: "task run", ID: id.String()}
	}
	if run.State != nil {
		if err := states.ValidateTransition(run.State.Type, state.Type, retryCycle); err != nil {
			return err
		}
	}

	run.State = state
	run.UpdatedAt = time.Now()
	s.taskStates[id] = append(s.taskStates[id], state)
	return nil
}

// ReadTaskRunStates returns the task run's state history in assignment order.
func (s *Store) ReadTaskRunStates(ctx context.Context, id uuid.UUID) ([]*states.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.taskStates[id]
	out := make([]*states.State, len(history))
	copy(out, history)
	return out, nil
}

// ListTaskRuns returns all task runs belonging to a flow run, oldest first.
func (s *Store) ListTaskRuns(ctx context.Context, flowRunID uuid.UUID) ([]*backend.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*backend.TaskRun
	for _, run := range s.taskRuns {
		if run.FlowRunID == flowRunID {
			result = append(result, run)
		}
	}
	sortTaskRuns(result)
	return result, nil
}

// CreateLogs appends a batch of log records.
func (s *Store) CreateLogs(ctx context.Context, logs []*backend.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, logs...)
	return nil
}

// ReadLogs retrieves log records matching the filter, oldest first.
func (s *Store) ReadLogs(ctx context.Context, filter backend.LogFilter) ([]*backend.LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*backend.LogRecord
	for _, log := range s.logs {
		if filter.FlowRunID != uuid.Nil && log.FlowRunID != filter.FlowRunID {
			continue
		}
		if filter.TaskRunID != uuid.Nil && log.TaskRunID != filter.TaskRunID {
			continue
		}
		result = append(result, log)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// Close releases nothing for the in-memory store.
func (s *Store) Close() error {
	return nil
}

func sortTaskRuns(runs []*backend.TaskRun) {
	// Creation order, falling back to dynamic key for same-instant creates.
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0; j-- {
			a, b := runs[j-1], runs[j]
			if a.CreatedAt.Before(b.CreatedAt) {
				break
			}
			if a.CreatedAt.Equal(b.CreatedAt) && a.DynamicKey <= b.DynamicKey {
				break
			}
			runs[j-1], runs[j] = runs[j], runs[j-1]
		}
	}
}
