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

// Package sqlite provides a SQLite backend implementation for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

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

// Store is a SQLite storage backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS flow_runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			flow_name TEXT NOT NULL,
			flow_version TEXT,
			parameters TEXT,
			tags TEXT,
			state TEXT,
			state_type TEXT,
			retry_count INTEGER DEFAULT 0,
			parent_task_run_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_runs_flow_name ON flow_runs(flow_name)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_runs_state_type ON flow_runs(state_type)`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			task_name TEXT NOT NULL,
			task_version TEXT,
			flow_run_id TEXT NOT NULL,
			dynamic_key INTEGER NOT NULL,
			tags TEXT,
			state TEXT,
			state_type TEXT,
			retry_count INTEGER DEFAULT 0,
			upstream_ids TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (flow_run_id) REFERENCES flow_runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_flow_run_id ON task_runs(flow_run_id)`,
		`CREATE TABLE IF NOT EXISTS run_states (
			run_id TEXT NOT NULL,
			run_kind TEXT NOT NULL,
			position INTEGER NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, run_kind, position)
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			flow_run_id TEXT NOT NULL,
			task_run_id TEXT,
			name TEXT,
			level INTEGER NOT NULL,
			message TEXT,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_flow_run_id ON logs(flow_run_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateFlowRun creates a new flow run record.
func (s *Store) CreateFlowRun(ctx context.Context, run *backend.FlowRun) error {
	paramsJSON, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	tagsJSON, err := json.Marshal(run.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_runs (id, name, flow_name, flow_version, parameters, tags,
			retry_count, parent_task_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Name, run.FlowName, run.FlowVersion,
		string(paramsJSON), string(tagsJSON), run.RetryCount,
		nullableID(run.ParentTaskRunID),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create flow run: %w", err)
	}
	return nil
}

// ReadFlowRun retrieves a flow run by id.
func (s *Store) ReadFlowRun(ctx context.Context, id uuid.UUID) (*backend.FlowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, flow_name, flow_version, parameters, tags, state,
			retry_count, parent_task_run_id, created_at, updated_at
		FROM flow_runs WHERE id = ?`, id.String())

	run, err := scanFlowRun(row)
	if err == sql.ErrNoRows {
		return nil, &backend.NotFoundError{Resource: "flow run", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read flow run: %w", err)
	}
	return run, nil
}

// ListFlowRuns returns flow runs matching the filter, newest first.
func (s *Store) ListFlowRuns(ctx context.Context, filter backend.FlowRunFilter) ([]*backend.FlowRun, error) {
	query := `
		SELECT id, name, flow_name, flow_version, parameters, tags, state,
			retry_count, parent_task_run_id, created_at, updated_at
		FROM flow_runs`
	var args []any
	if filter.FlowName != "" {
		query += " WHERE flow_name = ?"
		args = append(args, filter.FlowName)
	}
	// rowid reflects insertion order; created_at strings trim trailing
	// zeros and do not sort reliably at sub-second resolution.
	query += " ORDER BY rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow runs: %w", err)
	}
	defer rows.Close()

	var result []*backend.FlowRun
	for rows.Next() {
		run, err := scanFlowRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// UpdateFlowRun updates a flow run's mutable fields.
func (s *Store) UpdateFlowRun(ctx context.Context, run *backend.FlowRun) error {
	tagsJSON, err := json.Marshal(run.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	run.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE flow_runs SET retry_count = ?, tags = ?, parent_task_run_id = ?, updated_at = ?
		WHERE id = ?`,
		run.RetryCount, string(tagsJSON), nullableID(run.ParentTaskRunID),
		run.UpdatedAt.Format(time.RFC3339Nano), run.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update flow run: %w", err)
	}
	return checkUpdated(result, "flow run", run.ID)
}

// SetFlowRunState appends a state to the flow run's history.
func (s *Store) SetFlowRunState(ctx context.Context, id uuid.UUID, state *states.State, retryCycle bool) error {
	return s.setState(ctx, "flow", id, state, retryCycle)
}

// ReadFlowRunStates returns the flow run's state history in assignment order.
func (s *Store) ReadFlowRunStates(ctx context.Context, id uuid.UUID) ([]*states.State, error) {
	return s.readStates(ctx, "flow", id)
}

// CreateTaskRun creates a new task run record.
func (s *Store) CreateTaskRun(ctx context.Context, run *backend.TaskRun) error {
	tagsJSON, err := json.Marshal(run.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	upstreamJSON, err := json.Marshal(run.UpstreamIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal upstream ids: %w", err)
	}

	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_runs (id, name, task_name, task_version, flow_run_id,
			dynamic_key, tags, retry_count, upstream_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Name, run.TaskName, run.TaskVersion,
		run.FlowRunID.String(), run.DynamicKey, string(tagsJSON),
		run.RetryCount, string(upstreamJSON),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create task run: %w", err)
	}
	return nil
}

// ReadTaskRun retrieves a task run by id.
func (s *Store) ReadTaskRun(ctx context.Context, id uuid.UUID) (*backend.TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, task_name, task_version, flow_run_id, dynamic_key, tags,
			state, retry_count, upstream_ids, created_at, updated_at
		FROM task_runs WHERE id = ?`, id.String())

	run, err := scanTaskRun(row)
	if err == sql.ErrNoRows {
		return nil, &backend.NotFoundError{Resource: "task run", ID: id.String()}
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateTaskRun updates a task run's mutable fields.
func (s *Store) UpdateTaskRun(ctx context.Context, run *backend.TaskRun) error {
	tagsJSON, err := json.Marshal(run.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	upstreamJSON, err := json.Marshal(run.UpstreamIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal upstream ids: %w", err)
	}

	run.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE task_runs SET retry_count = ?, tags = ?, upstream_ids = ?, updated_at = ?
		WHERE id = ?`,
		run.RetryCount, string(tagsJSON), string(upstreamJSON),
		run.UpdatedAt.Format(time.RFC3339Nano), run.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update task run: %w", err)
	}
	return checkUpdated(result, "task run", run.ID)
}

// SetTaskRunState appends a state to the task run's history.
func (s *Store) SetTaskRunState(ctx context.Context, id uuid.UUID, state *states.State, retryCycle bool) error {
	return s.setState(ctx, "task", id, state, retryCycle)
}

// ReadTaskRunStates returns the task run's state history in assignment order.
func (s *Store) ReadTaskRunStates(ctx context.Context, id uuid.UUID) ([]*states.State, error) {
	return s.readStates(ctx, "task", id)
}

// ListTaskRuns returns all task runs belonging to a flow run, oldest first.
func (s *Store) ListTaskRuns(ctx context.Context, flowRunID uuid.UUID) ([]*backend.TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, task_name, task_version, flow_run_id, dynamic_key, tags,
			state, retry_count, upstream_ids, created_at, updated_at
		FROM task_runs WHERE flow_run_id = ?
		ORDER BY created_at, dynamic_key`, flowRunID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list task runs: %w", err)
	}
	defer rows.Close()

	var result []*backend.TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// CreateLogs appends a batch of log records.
func (s *Store) CreateLogs(ctx context.Context, logs []*backend.LogRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO logs (flow_run_id, task_run_id, name, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, log := range logs {
		_, err := stmt.ExecContext(ctx,
			log.FlowRunID.String(), nullableID(log.TaskRunID), log.Name,
			log.Level, log.Message, log.Timestamp.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to insert log: %w", err)
		}
	}
	return tx.Commit()
}

// ReadLogs retrieves log records matching the filter, oldest first.
func (s *Store) ReadLogs(ctx context.Context, filter backend.LogFilter) ([]*backend.LogRecord, error) {
	query := `SELECT flow_run_id, task_run_id, name, level, message, timestamp FROM logs`
	var args []any
	var where []string

	if filter.FlowRunID != uuid.Nil {
		where = append(where, "flow_run_id = ?")
		args = append(args, filter.FlowRunID.String())
	}
	if filter.TaskRunID != uuid.Nil {
		where = append(where, "task_run_id = ?")
		args = append(args, filter.TaskRunID.String())
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}
	defer rows.Close()

	var result []*backend.LogRecord
	for rows.Next() {
		log := &backend.LogRecord{}
		var flowID string
		var taskID sql.NullString
		var ts string
		if err := rows.Scan(&flowID, &taskID, &log.Name, &log.Level, &log.Message, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		log.FlowRunID, _ = uuid.Parse(flowID)
		if taskID.Valid && taskID.String != "" {
			log.TaskRunID, _ = uuid.Parse(taskID.String)
		}
		log.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		result = append(result, log)
	}
	return result, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) setState(ctx context.Context, kind string, id uuid.UUID, state *states.State, retryCycle bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	table := "flow_runs"
	resource := "flow run"
	if kind == "task" {
		table = "task_runs"
		resource = "task run"
	}

	var current sql.NullString
	row := tx.QueryRowContext(ctx, "SELECT state_type FROM "+table+" WHERE id = ?", id.String())
	if err := row.Scan(&current); err == sql.ErrNoRows {
		return &backend.NotFoundError{Resource: resource, ID: id.String()}
	} else if err != nil {
		return fmt.Errorf("failed to read current state: %w", err)
	}

	if current.Valid && current.String != "" {
		if err := states.ValidateTransition(states.Type(current.String), state.Type, retryCycle); err != nil {
			return err
		}
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	var position int
	row = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM run_states WHERE run_id = ? AND run_kind = ?",
		id.String(), kind)
	if err := row.Scan(&position); err != nil {
		return fmt.Errorf("failed to count states: %w", err)
	}

	now := time.Now().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_states (run_id, run_kind, position, state, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id.String(), kind, position, string(stateJSON), now)
	if err != nil {
		return fmt.Errorf("failed to append state: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE "+table+" SET state = ?, state_type = ?, updated_at = ? WHERE id = ?",
		string(stateJSON), string(state.Type), now, id.String())
	if err != nil {
		return fmt.Errorf("failed to update current state: %w", err)
	}

	return tx.Commit()
}

func (s *Store) readStates(ctx context.Context, kind string, id uuid.UUID) ([]*states.State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state FROM run_states
		WHERE run_id = ? AND run_kind = ?
		ORDER BY position`, id.String(), kind)
	if err != nil {
		return nil, fmt.Errorf("failed to read states: %w", err)
	}
	defer rows.Close()

	var result []*states.State
	for rows.Next() {
		var stateJSON string
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		state := &states.State{}
		if err := json.Unmarshal([]byte(stateJSON), state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		result = append(result, state)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFlowRun(row scanner) (*backend.FlowRun, error) {
	run := &backend.FlowRun{}
	var idStr, paramsJSON, tagsJSON string
	var stateJSON, parentID, flowVersion sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&idStr, &run.Name, &run.FlowName, &flowVersion, &paramsJSON,
		&tagsJSON, &stateJSON, &run.RetryCount, &parentID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	run.ID, _ = uuid.Parse(idStr)
	run.FlowVersion = flowVersion.String
	if err := json.Unmarshal([]byte(paramsJSON), &run.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &run.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if stateJSON.Valid && stateJSON.String != "" {
		run.State = &states.State{}
		if err := json.Unmarshal([]byte(stateJSON.String), run.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
	}
	if parentID.Valid && parentID.String != "" {
		run.ParentTaskRunID, _ = uuid.Parse(parentID.String)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return run, nil
}

func scanTaskRun(row scanner) (*backend.TaskRun, error) {
	run := &backend.TaskRun{}
	var idStr, flowRunID, tagsJSON, upstreamJSON string
	var stateJSON, taskVersion sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&idStr, &run.Name, &run.TaskName, &taskVersion, &flowRunID,
		&run.DynamicKey, &tagsJSON, &stateJSON, &run.RetryCount, &upstreamJSON,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	run.ID, _ = uuid.Parse(idStr)
	run.FlowRunID, _ = uuid.Parse(flowRunID)
	run.TaskVersion = taskVersion.String
	if err := json.Unmarshal([]byte(tagsJSON), &run.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(upstreamJSON), &run.UpstreamIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upstream ids: %w", err)
	}
	if stateJSON.Valid && stateJSON.String != "" {
		run.State = &states.State{}
		if err := json.Unmarshal([]byte(stateJSON.String), run.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return run, nil
}

func nullableID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

func checkUpdated(result sql.Result, resource string, id uuid.UUID) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if n == 0 {
		return &backend.NotFoundError{Resource: resource, ID: id.String()}
	}
	return nil
}
