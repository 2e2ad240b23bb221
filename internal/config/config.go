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

// Package config provides profile-scoped runtime settings for Flowmark.
//
// Settings resolve in precedence order: FLOWMARK_* environment variables,
// then the active profile's overrides from profiles.yaml, then defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidSettings is returned when settings validation fails.
	ErrInvalidSettings = errors.New("config: invalid settings")
)

// Settings represents the complete Flowmark runtime configuration for one
// profile.
type Settings struct {
	// Profile is the name of the profile these settings belong to. The log
	// worker registry is keyed by this name.
	Profile string `yaml:"profile,omitempty"`

	Log     LogSettings     `yaml:"log"`
	Backend BackendSettings `yaml:"backend"`
	Results ResultsSettings `yaml:"results"`
	Logging LoggingSettings `yaml:"logging"`
	Engine  EngineSettings  `yaml:"engine"`
}

// LogSettings configures process logging behavior.
type LogSettings struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: FLOWMARK_LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: FLOWMARK_LOG_FORMAT
	// Default: text
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: FLOWMARK_LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// BackendSettings configures run record persistence.
type BackendSettings struct {
	// Type is the backend type: "memory" or "sqlite".
	// Environment: FLOWMARK_BACKEND
	// Default: sqlite
	Type string `yaml:"type"`

	// SQLitePath is the database file path for the sqlite backend.
	// Environment: FLOWMARK_SQLITE_PATH
	// Default: $XDG_DATA_HOME/flowmark/flowmark.db
	SQLitePath string `yaml:"sqlite_path,omitempty"`

	// WAL enables Write-Ahead Logging for the sqlite backend.
	// Default: true
	WAL bool `yaml:"wal"`
}

// ResultsSettings configures run result persistence through a storage block.
type ResultsSettings struct {
	// Block is the storage block type: "local" or "s3". Empty embeds
	// results in state documents instead of a block.
	// Environment: FLOWMARK_RESULTS_BLOCK
	Block string `yaml:"block,omitempty"`

	// LocalBasepath is the root directory for the local block.
	// Environment: FLOWMARK_RESULTS_PATH
	// Default: $XDG_DATA_HOME/flowmark/results
	LocalBasepath string `yaml:"local_basepath,omitempty"`

	// S3Bucket is the bucket for the s3 block.
	// Environment: FLOWMARK_RESULTS_S3_BUCKET
	S3Bucket string `yaml:"s3_bucket,omitempty"`

	// S3Prefix is the key prefix for the s3 block.
	// Environment: FLOWMARK_RESULTS_S3_PREFIX
	S3Prefix string `yaml:"s3_prefix,omitempty"`

	// S3Region overrides the region from the ambient AWS configuration.
	// Environment: FLOWMARK_RESULTS_S3_REGION
	S3Region string `yaml:"s3_region,omitempty"`
}

// LoggingSettings configures the run log shipping worker.
type LoggingSettings struct {
	// Enabled controls whether run logs are shipped to the backend.
	// Environment: FLOWMARK_RUN_LOGS_ENABLED
	// Default: true
	Enabled bool `yaml:"enabled"`

	// FlushInterval is how often the worker ships queued records.
	// Environment: FLOWMARK_LOG_FLUSH_INTERVAL
	// Default: 2s
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`

	// MaxBatchSize bounds the cumulative byte size of one shipped batch.
	// Environment: FLOWMARK_LOG_MAX_BATCH_SIZE
	// Default: 4000000
	MaxBatchSize int `yaml:"max_batch_size,omitempty"`

	// MaxRecordSize bounds the byte size of a single record; larger
	// records are rejected at enqueue.
	// Environment: FLOWMARK_LOG_MAX_RECORD_SIZE
	// Default: 1000000
	MaxRecordSize int `yaml:"max_record_size,omitempty"`
}

// EngineSettings configures flow execution.
type EngineSettings struct {
	// TaskConcurrency bounds concurrently executing submitted task runs.
	// Environment: FLOWMARK_TASK_CONCURRENCY
	// Default: 8
	TaskConcurrency int `yaml:"task_concurrency,omitempty"`
}

// Default returns Settings with sensible defaults. Paths that depend on the
// XDG data directory are left empty and resolved by DataPaths.
func Default() *Settings {
	return &Settings{
		Profile: "default",
		Log: LogSettings{
			Level:     "info",
			Format:    "text",
			AddSource: false,
		},
		Backend: BackendSettings{
			Type: "sqlite",
			WAL:  true,
		},
		Results: ResultsSettings{
			Block: "local",
		},
		Logging: LoggingSettings{
			Enabled:       true,
			FlushInterval: 2 * time.Second,
			MaxBatchSize:  4_000_000,
			MaxRecordSize: 1_000_000,
		},
		Engine: EngineSettings{
			TaskConcurrency: 8,
		},
	}
}

// Load resolves the active profile's settings: defaults, overlaid with the
// profile's stored overrides, overlaid with FLOWMARK_* environment
// variables.
func Load() (*Settings, error) {
	return LoadProfile("")
}

// LoadProfile resolves settings for a named profile, bypassing the active
// profile selection. An empty name falls back to the active profile.
func LoadProfile(name string) (*Settings, error) {
	profiles, err := LoadProfiles("")
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = ActiveProfileName(profiles)
	}
	settings := Default()
	settings.Profile = name

	if overrides, ok := profiles.Profiles[name]; ok {
		applyOverrides(settings, overrides)
	}

	settings.loadFromEnv()
	settings.applyDefaults()

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// ActiveProfileName resolves the profile to use: FLOWMARK_PROFILE, then the
// profiles file's active entry, then "default".
func ActiveProfileName(profiles *Profiles) string {
	if name := os.Getenv("FLOWMARK_PROFILE"); name != "" {
		return name
	}
	if profiles != nil && profiles.Active != "" {
		return profiles.Active
	}
	return "default"
}

// applyDefaults fills in zero values with defaults so minimal profiles work
// without specifying every field.
func (s *Settings) applyDefaults() {
	defaults := Default()

	if s.Profile == "" {
		s.Profile = defaults.Profile
	}
	if s.Log.Level == "" {
		s.Log.Level = defaults.Log.Level
	}
	if s.Log.Format == "" {
		s.Log.Format = defaults.Log.Format
	}
	if s.Backend.Type == "" {
		s.Backend.Type = defaults.Backend.Type
	}
	if s.Logging.FlushInterval == 0 {
		s.Logging.FlushInterval = defaults.Logging.FlushInterval
	}
	if s.Logging.MaxBatchSize == 0 {
		s.Logging.MaxBatchSize = defaults.Logging.MaxBatchSize
	}
	if s.Logging.MaxRecordSize == 0 {
		s.Logging.MaxRecordSize = defaults.Logging.MaxRecordSize
	}
	if s.Engine.TaskConcurrency == 0 {
		s.Engine.TaskConcurrency = defaults.Engine.TaskConcurrency
	}
}

// DataPaths resolves the backend and result paths that default to the XDG
// data directory, creating it if needed.
func (s *Settings) DataPaths() error {
	if s.Backend.Type == "sqlite" && s.Backend.SQLitePath == "" {
		dir, err := DataDir()
		if err != nil {
			return fmt.Errorf("failed to resolve data directory: %w", err)
		}
		s.Backend.SQLitePath = filepath.Join(dir, "flowmark.db")
	}
	if s.Results.Block == "local" && s.Results.LocalBasepath == "" {
		dir, err := DataDir()
		if err != nil {
			return fmt.Errorf("failed to resolve data directory: %w", err)
		}
		s.Results.LocalBasepath = filepath.Join(dir, "results")
	}
	return nil
}

// loadFromEnv loads configuration from environment variables.
func (s *Settings) loadFromEnv() {
	if val := os.Getenv("FLOWMARK_LOG_LEVEL"); val != "" {
		s.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("FLOWMARK_LOG_FORMAT"); val != "" {
		s.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("FLOWMARK_LOG_SOURCE"); val != "" {
		s.Log.AddSource = isTruthy(val)
	}

	if val := os.Getenv("FLOWMARK_BACKEND"); val != "" {
		s.Backend.Type = strings.ToLower(val)
	}
	if val := os.Getenv("FLOWMARK_SQLITE_PATH"); val != "" {
		s.Backend.SQLitePath = val
	}

	if val := os.Getenv("FLOWMARK_RESULTS_BLOCK"); val != "" {
		s.Results.Block = strings.ToLower(val)
	}
	if val := os.Getenv("FLOWMARK_RESULTS_PATH"); val != "" {
		s.Results.LocalBasepath = val
	}
	if val := os.Getenv("FLOWMARK_RESULTS_S3_BUCKET"); val != "" {
		s.Results.S3Bucket = val
	}
	if val := os.Getenv("FLOWMARK_RESULTS_S3_PREFIX"); val != "" {
		s.Results.S3Prefix = val
	}
	if val := os.Getenv("FLOWMARK_RESULTS_S3_REGION"); val != "" {
		s.Results.S3Region = val
	}

	if val := os.Getenv("FLOWMARK_RUN_LOGS_ENABLED"); val != "" {
		s.Logging.Enabled = isTruthy(val)
	}
	if val := os.Getenv("FLOWMARK_LOG_FLUSH_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			s.Logging.FlushInterval = duration
		}
	}
	if val := os.Getenv("FLOWMARK_LOG_MAX_BATCH_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			s.Logging.MaxBatchSize = size
		}
	}
	if val := os.Getenv("FLOWMARK_LOG_MAX_RECORD_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			s.Logging.MaxRecordSize = size
		}
	}

	if val := os.Getenv("FLOWMARK_TASK_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			s.Engine.TaskConcurrency = n
		}
	}
}

// Validate checks that the settings are valid.
func (s *Settings) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[s.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", s.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[s.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", s.Log.Format))
	}

	validBackends := map[string]bool{"memory": true, "sqlite": true}
	if !validBackends[s.Backend.Type] {
		errs = append(errs, fmt.Sprintf("backend.type must be one of [memory, sqlite], got %q", s.Backend.Type))
	}

	validBlocks := map[string]bool{"": true, "local": true, "s3": true}
	if !validBlocks[s.Results.Block] {
		errs = append(errs, fmt.Sprintf("results.block must be one of [local, s3] or empty, got %q", s.Results.Block))
	}
	if s.Results.Block == "s3" && s.Results.S3Bucket == "" {
		errs = append(errs, "results.s3_bucket is required when results.block is s3")
	}

	if s.Logging.FlushInterval <= 0 {
		errs = append(errs, fmt.Sprintf("logging.flush_interval must be positive, got %v", s.Logging.FlushInterval))
	}
	if s.Logging.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Sprintf("logging.max_batch_size must be positive, got %d", s.Logging.MaxBatchSize))
	}
	if s.Logging.MaxRecordSize <= 0 {
		errs = append(errs, fmt.Sprintf("logging.max_record_size must be positive, got %d", s.Logging.MaxRecordSize))
	}
	if s.Logging.MaxRecordSize > s.Logging.MaxBatchSize {
		errs = append(errs, fmt.Sprintf("logging.max_record_size (%d) must not exceed logging.max_batch_size (%d)",
			s.Logging.MaxRecordSize, s.Logging.MaxBatchSize))
	}

	if s.Engine.TaskConcurrency < 1 {
		errs = append(errs, fmt.Sprintf("engine.task_concurrency must be at least 1, got %d", s.Engine.TaskConcurrency))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidSettings, strings.Join(errs, "\n  - "))
	}
	return nil
}

func isTruthy(val string) bool {
	return val == "1" || strings.ToLower(val) == "true"
}
