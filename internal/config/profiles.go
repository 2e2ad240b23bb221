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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrLockTimeout is returned when file lock acquisition times out.
	ErrLockTimeout = errors.New("profiles file locked by another process")
)

const (
	// lockTimeout is the maximum duration to wait for lock acquisition.
	lockTimeout = 5 * time.Second
)

// Profiles is the on-disk profile store: named setting overrides plus the
// active profile selection. Override keys are the FLOWMARK_* setting names.
type Profiles struct {
	// Active is the profile used when FLOWMARK_PROFILE is unset.
	Active string `yaml:"active,omitempty"`

	// Profiles maps profile name to its setting overrides.
	Profiles map[string]map[string]string `yaml:"profiles,omitempty"`
}

// ProfilesFile manages the profiles.yaml file with file locking for
// concurrent access protection.
type ProfilesFile struct {
	path     string
	lockFile *os.File
}

// NewProfilesFile creates a ProfilesFile for the given path. If path is
// empty, uses the default profiles path.
func NewProfilesFile(path string) (*ProfilesFile, error) {
	if path == "" {
		var err error
		path, err = ProfilesPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get profiles path: %w", err)
		}
	}

	return &ProfilesFile{
		path: path,
	}, nil
}

// Lock acquires an exclusive lock on the profiles file.
// Returns ErrLockTimeout if the lock cannot be acquired within the timeout period.
func (p *ProfilesFile) Lock() error {
	lockPath := p.path + ".lock"

	dir := filepath.Dir(lockPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(lockTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			p.lockFile = lockFile
			return nil
		}

		if time.Now().After(deadline) {
			lockFile.Close()
			return ErrLockTimeout
		}

		<-ticker.C
	}
}

// Unlock releases the file lock.
func (p *ProfilesFile) Unlock() error {
	if p.lockFile == nil {
		return nil
	}

	if err := syscall.Flock(int(p.lockFile.Fd()), syscall.LOCK_UN); err != nil {
		p.lockFile.Close()
		p.lockFile = nil
		return fmt.Errorf("failed to unlock: %w", err)
	}

	if err := p.lockFile.Close(); err != nil {
		p.lockFile = nil
		return fmt.Errorf("failed to close lock file: %w", err)
	}

	p.lockFile = nil
	return nil
}

// Load loads the profile store from the profiles file.
// The file must be locked before calling this method.
func (p *ProfilesFile) Load() (*Profiles, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Profiles{Active: "default"}, nil
		}
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}

	var profiles Profiles
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to parse profiles YAML: %w", err)
	}
	if profiles.Active == "" {
		profiles.Active = "default"
	}

	return &profiles, nil
}

// Save saves the profile store using atomic writes.
// The file must be locked before calling this method.
func (p *ProfilesFile) Save(profiles *Profiles) error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(profiles)
	if err != nil {
		return fmt.Errorf("failed to marshal profiles to YAML: %w", err)
	}

	tempPath := p.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tempPath, p.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return nil
}

// WithLock executes a function while holding the file lock.
// The lock is automatically released when the function returns.
func (p *ProfilesFile) WithLock(fn func() error) error {
	if err := p.Lock(); err != nil {
		return err
	}
	defer p.Unlock()

	return fn()
}

// LoadProfiles is a convenience function that loads the profile store with
// automatic locking.
func LoadProfiles(path string) (*Profiles, error) {
	pf, err := NewProfilesFile(path)
	if err != nil {
		return nil, err
	}

	var profiles *Profiles
	err = pf.WithLock(func() error {
		var loadErr error
		profiles, loadErr = pf.Load()
		return loadErr
	})
	if err != nil {
		return nil, err
	}

	return profiles, nil
}

// SaveProfiles is a convenience function that saves the profile store with
// automatic locking.
func SaveProfiles(path string, profiles *Profiles) error {
	pf, err := NewProfilesFile(path)
	if err != nil {
		return err
	}

	return pf.WithLock(func() error {
		return pf.Save(profiles)
	})
}

// applyOverrides applies a profile's stored overrides to settings. Keys are
// the FLOWMARK_* setting names; unknown keys are ignored.
func applyOverrides(s *Settings, overrides map[string]string) {
	for key, val := range overrides {
		switch key {
		case "FLOWMARK_LOG_LEVEL":
			s.Log.Level = strings.ToLower(val)
		case "FLOWMARK_LOG_FORMAT":
			s.Log.Format = strings.ToLower(val)
		case "FLOWMARK_LOG_SOURCE":
			s.Log.AddSource = isTruthy(val)
		case "FLOWMARK_BACKEND":
			s.Backend.Type = strings.ToLower(val)
		case "FLOWMARK_SQLITE_PATH":
			s.Backend.SQLitePath = val
		case "FLOWMARK_RESULTS_BLOCK":
			s.Results.Block = strings.ToLower(val)
		case "FLOWMARK_RESULTS_PATH":
			s.Results.LocalBasepath = val
		case "FLOWMARK_RESULTS_S3_BUCKET":
			s.Results.S3Bucket = val
		case "FLOWMARK_RESULTS_S3_PREFIX":
			s.Results.S3Prefix = val
		case "FLOWMARK_RESULTS_S3_REGION":
			s.Results.S3Region = val
		case "FLOWMARK_RUN_LOGS_ENABLED":
			s.Logging.Enabled = isTruthy(val)
		case "FLOWMARK_LOG_FLUSH_INTERVAL":
			if duration, err := time.ParseDuration(val); err == nil {
				s.Logging.FlushInterval = duration
			}
		case "FLOWMARK_LOG_MAX_BATCH_SIZE":
			if size, err := strconv.Atoi(val); err == nil {
				s.Logging.MaxBatchSize = size
			}
		case "FLOWMARK_LOG_MAX_RECORD_SIZE":
			if size, err := strconv.Atoi(val); err == nil {
				s.Logging.MaxRecordSize = size
			}
		case "FLOWMARK_TASK_CONCURRENCY":
			if n, err := strconv.Atoi(val); err == nil {
				s.Engine.TaskConcurrency = n
			}
		}
	}
}
