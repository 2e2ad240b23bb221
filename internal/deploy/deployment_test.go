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

package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flowmark-io/flowmark/pkg/blocks"
	"github.com/flowmark-io/flowmark/pkg/workflow"
)

func testFlow() *workflow.Flow {
	return workflow.NewFlow("etl",
		func(ctx context.Context, params workflow.Parameters) (any, error) { return nil, nil },
		workflow.WithVersion("1.2.0"),
		workflow.WithDescription("nightly extract"),
	)
}

func TestBuildFromFlow(t *testing.T) {
	d, err := Build(testFlow(),
		WithName("etl-nightly"),
		WithParameters(map[string]any{"batch": 100}),
		WithTags("prod", "etl"),
		WithSchedule(Schedule{Cron: "0 2 * * *", Active: true}),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if d.Name != "etl-nightly" {
		t.Errorf("expected name etl-nightly, got %q", d.Name)
	}
	if d.FlowName != "etl" || d.FlowVersion != "1.2.0" {
		t.Errorf("expected flow identity etl@1.2.0, got %s@%s", d.FlowName, d.FlowVersion)
	}
	if d.Description != "nightly extract" {
		t.Errorf("expected description captured from flow, got %q", d.Description)
	}
	if d.Schedule == nil || d.Schedule.Cron != "0 2 * * *" {
		t.Errorf("expected cron schedule, got %+v", d.Schedule)
	}
	if d.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be stamped")
	}
}

func TestBuildDefaultsNameToFlowName(t *testing.T) {
	d, err := Build(testFlow())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.Name != "etl" {
		t.Errorf("expected name to default to flow name, got %q", d.Name)
	}
}

func TestBuildNilFlow(t *testing.T) {
	if _, err := Build(nil); !errors.Is(err, ErrInvalidDeployment) {
		t.Fatalf("expected ErrInvalidDeployment, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Deployment)
		wantMsg string
	}{
		{
			name:    "missing name",
			mutate:  func(d *Deployment) { d.Name = " " },
			wantMsg: "name is required",
		},
		{
			name:    "missing flow name",
			mutate:  func(d *Deployment) { d.FlowName = "" },
			wantMsg: "flow_name is required",
		},
		{
			name:    "schedule with both interval and cron",
			mutate:  func(d *Deployment) { d.Schedule = &Schedule{Interval: time.Hour, Cron: "* * * * *"} },
			wantMsg: "mutually exclusive",
		},
		{
			name:    "empty schedule",
			mutate:  func(d *Deployment) { d.Schedule = &Schedule{} },
			wantMsg: "one of interval or cron is required",
		},
		{
			name:    "path without storage block",
			mutate:  func(d *Deployment) { d.Path = "flows/etl" },
			wantMsg: "path requires a storage_block",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Deployment{Name: "etl", FlowName: "etl"}
			tt.mutate(d)

			err := d.Validate()
			if !errors.Is(err, ErrInvalidDeployment) {
				t.Fatalf("expected ErrInvalidDeployment, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected error containing %q, got %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	d, err := Build(testFlow(),
		WithParameters(map[string]any{"batch": 100, "source": "warehouse"}),
		WithTags("prod"),
		WithSchedule(Schedule{Interval: 30 * time.Minute, Active: true}),
		WithStorage("release-bucket", "flows/etl"),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	data, err := d.ToYAML()
	if err != nil {
		t.Fatalf("ToYAML: %v", err)
	}

	got, err := FromYAML(data)
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if got.Name != d.Name || got.FlowName != d.FlowName || got.FlowVersion != d.FlowVersion {
		t.Errorf("identity did not survive round trip: %+v", got)
	}
	if got.Parameters["source"] != "warehouse" {
		t.Errorf("expected parameters to survive, got %v", got.Parameters)
	}
	if got.Schedule == nil || got.Schedule.Interval != 30*time.Minute {
		t.Errorf("expected interval schedule, got %+v", got.Schedule)
	}
	if got.StorageBlock != "release-bucket" || got.Path != "flows/etl" {
		t.Errorf("expected storage binding to survive, got %q %q", got.StorageBlock, got.Path)
	}
}

func TestFromYAMLRejectsUnknownFields(t *testing.T) {
	_, err := FromYAML([]byte("name: etl\nflow_name: etl\nschedle:\n  cron: '* * * * *'\n"))
	if err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestFromYAMLValidates(t *testing.T) {
	_, err := FromYAML([]byte("name: etl\n"))
	if !errors.Is(err, ErrInvalidDeployment) {
		t.Fatalf("expected ErrInvalidDeployment, got %v", err)
	}
}

func TestManifestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifests", "etl.yaml")

	d, err := Build(testFlow(), WithTags("prod"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := d.WriteManifest(path); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	got, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if got.Name != "etl" || len(got.Tags) != 1 || got.Tags[0] != "prod" {
		t.Errorf("unexpected manifest: %+v", got)
	}
}

func TestLoadManifestNamesFileInError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(path, []byte("name: etl\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadManifest(path)
	if err == nil || !strings.Contains(err.Error(), "broken.yaml") {
		t.Fatalf("expected error naming the manifest file, got %v", err)
	}
}

func TestUploadThroughStorageBlock(t *testing.T) {
	t.Cleanup(blocks.ResetRegistry)

	storage := t.TempDir()
	block, err := blocks.NewLocalFileSystem("release", storage)
	if err != nil {
		t.Fatalf("NewLocalFileSystem: %v", err)
	}
	blocks.Register(block)

	src := t.TempDir()
	files := map[string]string{
		"flow.yaml":       "name: etl\n",
		"lib/helpers.txt": "helpers",
		"secrets.env":     "TOKEN=abc",
		IgnoreFile:        "*.env\n",
	}
	for name, content := range files {
		path := filepath.Join(src, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	d := &Deployment{Name: "etl", FlowName: "etl", StorageBlock: "release", Path: "flows/etl"}
	n, err := d.Upload(context.Background(), src)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	// flow.yaml, lib/helpers.txt, and the ignore file itself; secrets.env skipped.
	if n != 3 {
		t.Errorf("expected 3 files uploaded, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(storage, "flows/etl/flow.yaml")); err != nil {
		t.Errorf("expected flow.yaml under the block's path: %v", err)
	}
	if _, err := os.Stat(filepath.Join(storage, "flows/etl/secrets.env")); !os.IsNotExist(err) {
		t.Error("expected secrets.env to be skipped")
	}

	dst := t.TempDir()
	if err := d.Download(context.Background(), dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "lib/helpers.txt"))
	if err != nil || string(got) != "helpers" {
		t.Errorf("expected lib/helpers.txt to round-trip, got %q err=%v", got, err)
	}
}

func TestUploadUnknownBlock(t *testing.T) {
	t.Cleanup(blocks.ResetRegistry)

	d := &Deployment{Name: "etl", FlowName: "etl", StorageBlock: "missing"}
	if _, err := d.Upload(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected unknown block to fail")
	}
}

func TestUploadWithoutStorageBlock(t *testing.T) {
	d := &Deployment{Name: "etl", FlowName: "etl"}
	if _, err := d.Upload(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected upload without a storage block to fail")
	}
}
