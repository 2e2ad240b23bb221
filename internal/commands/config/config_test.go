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
	"bytes"
	"strings"
	"testing"

	"github.com/flowmark-io/flowmark/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestViewShowsEffectiveSettings(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("FLOWMARK_LOG_LEVEL", "debug")

	out, err := execute(t, "view")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !strings.Contains(out, "profile: default") {
		t.Errorf("expected default profile, got: %s", out)
	}
	if !strings.Contains(out, "level: debug") {
		t.Errorf("expected env override applied, got: %s", out)
	}
	if !strings.Contains(out, "type: sqlite") {
		t.Errorf("expected default backend, got: %s", out)
	}
}

func TestViewAppliesProfileOverrides(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := config.ProfilesPath()
	if err != nil {
		t.Fatal(err)
	}
	profiles := &config.Profiles{
		Active: "dev",
		Profiles: map[string]map[string]string{
			"dev": {"FLOWMARK_BACKEND": "memory"},
		},
	}
	if err := config.SaveProfiles(path, profiles); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !strings.Contains(out, "profile: dev") || !strings.Contains(out, "type: memory") {
		t.Errorf("expected dev profile with memory backend, got: %s", out)
	}
}

func TestPathShowsProfilesFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	out, err := execute(t, "path")
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if !strings.Contains(out, "profiles.yaml") {
		t.Errorf("expected profiles.yaml path, got: %s", out)
	}
}
