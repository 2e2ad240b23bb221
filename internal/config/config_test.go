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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	s := Default()

	if s.Profile != "default" {
		t.Errorf("expected profile default, got %q", s.Profile)
	}
	if s.Log.Level != "info" || s.Log.Format != "text" {
		t.Errorf("unexpected log defaults: %+v", s.Log)
	}
	if s.Backend.Type != "sqlite" || !s.Backend.WAL {
		t.Errorf("unexpected backend defaults: %+v", s.Backend)
	}
	if s.Logging.FlushInterval != 2*time.Second {
		t.Errorf("unexpected flush interval %v", s.Logging.FlushInterval)
	}
	if s.Engine.TaskConcurrency != 8 {
		t.Errorf("unexpected task concurrency %d", s.Engine.TaskConcurrency)
	}

	if err := s.Validate(); err != nil {
		t.Errorf("expected defaults to validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FLOWMARK_LOG_LEVEL", "DEBUG")
	t.Setenv("FLOWMARK_LOG_FORMAT", "json")
	t.Setenv("FLOWMARK_BACKEND", "memory")
	t.Setenv("FLOWMARK_RESULTS_BLOCK", "s3")
	t.Setenv("FLOWMARK_RESULTS_S3_BUCKET", "flowmark-results")
	t.Setenv("FLOWMARK_LOG_FLUSH_INTERVAL", "500ms")
	t.Setenv("FLOWMARK_TASK_CONCURRENCY", "4")

	s := Default()
	s.loadFromEnv()

	if s.Log.Level != "debug" {
		t.Errorf("expected lowercased level, got %q", s.Log.Level)
	}
	if s.Log.Format != "json" {
		t.Errorf("unexpected format %q", s.Log.Format)
	}
	if s.Backend.Type != "memory" {
		t.Errorf("unexpected backend %q", s.Backend.Type)
	}
	if s.Results.Block != "s3" || s.Results.S3Bucket != "flowmark-results" {
		t.Errorf("unexpected results settings: %+v", s.Results)
	}
	if s.Logging.FlushInterval != 500*time.Millisecond {
		t.Errorf("unexpected flush interval %v", s.Logging.FlushInterval)
	}
	if s.Engine.TaskConcurrency != 4 {
		t.Errorf("unexpected task concurrency %d", s.Engine.TaskConcurrency)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"bad level", func(s *Settings) { s.Log.Level = "verbose" }, "log.level"},
		{"bad format", func(s *Settings) { s.Log.Format = "xml" }, "log.format"},
		{"bad backend", func(s *Settings) { s.Backend.Type = "postgres" }, "backend.type"},
		{"bad block", func(s *Settings) { s.Results.Block = "gcs" }, "results.block"},
		{"s3 without bucket", func(s *Settings) { s.Results.Block = "s3" }, "s3_bucket"},
		{"zero flush interval", func(s *Settings) { s.Logging.FlushInterval = 0 }, "flush_interval"},
		{"record larger than batch", func(s *Settings) {
			s.Logging.MaxRecordSize = s.Logging.MaxBatchSize + 1
		}, "max_record_size"},
		{"zero concurrency", func(s *Settings) { s.Engine.TaskConcurrency = 0 }, "task_concurrency"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Default()
			tc.mutate(s)
			err := s.Validate()
			if !errors.Is(err, ErrInvalidSettings) {
				t.Fatalf("expected ErrInvalidSettings, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error to mention %q, got %v", tc.want, err)
			}
		})
	}
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	s := &Settings{}
	s.applyDefaults()

	if s.Log.Level != "info" || s.Backend.Type != "sqlite" {
		t.Errorf("expected defaults to be applied: %+v", s)
	}
	if s.Logging.MaxBatchSize != 4_000_000 {
		t.Errorf("unexpected batch size %d", s.Logging.MaxBatchSize)
	}
}

func TestDataPaths(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	s := Default()
	if err := s.DataPaths(); err != nil {
		t.Fatalf("data paths: %v", err)
	}
	if filepath.Base(s.Backend.SQLitePath) != "flowmark.db" {
		t.Errorf("unexpected sqlite path %q", s.Backend.SQLitePath)
	}
	if filepath.Base(s.Results.LocalBasepath) != "results" {
		t.Errorf("unexpected results path %q", s.Results.LocalBasepath)
	}
}

func TestConfigDirRespectsXDG(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)

	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if dir != filepath.Join(base, "flowmark") {
		t.Errorf("unexpected dir %q", dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected directory to be created: %v", err)
	}
}

func TestLoadProfileBypassesActiveSelection(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := ProfilesPath()
	if err != nil {
		t.Fatal(err)
	}
	profiles := &Profiles{
		Active: "default",
		Profiles: map[string]map[string]string{
			"staging": {"FLOWMARK_BACKEND": "memory"},
		},
	}
	if err := SaveProfiles(path, profiles); err != nil {
		t.Fatal(err)
	}

	s, err := LoadProfile("staging")
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if s.Profile != "staging" || s.Backend.Type != "memory" {
		t.Errorf("expected staging overrides, got profile=%q backend=%q", s.Profile, s.Backend.Type)
	}
}
