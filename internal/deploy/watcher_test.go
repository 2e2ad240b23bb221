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
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeManifestFile(t *testing.T, dir, name, flowName string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	d := &Deployment{Name: flowName, FlowName: flowName}
	if err := d.WriteManifest(path); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	return path
}

// waitForUpdate drains the update channel until an update of the wanted
// type for the wanted path arrives, or the deadline passes.
func waitForUpdate(t *testing.T, w *Watcher, wantType UpdateType, wantPath string) Update {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case u, ok := <-w.Updates():
			if !ok {
				t.Fatal("update channel closed before expected update")
			}
			if u.Type == wantType && u.Path == wantPath {
				return u
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s update for %s", wantType, wantPath)
		}
	}
}

func TestWatcherLoadsExistingManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifestFile(t, dir, "etl.yaml", "etl")
	writeManifestFile(t, dir, "reports.yml", "reports")
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a manifest"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.Start(context.Background())

	if got := len(w.Deployments()); got != 2 {
		t.Errorf("expected 2 manifests loaded, got %d", got)
	}
	if _, ok := w.Get("etl"); !ok {
		t.Error("expected etl manifest to be loaded")
	}
	if _, ok := w.Get("notes"); ok {
		t.Error("expected non-manifest file to be ignored")
	}
}

func TestWatcherPicksUpNewManifest(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.Start(context.Background())

	path := writeManifestFile(t, dir, "etl.yaml", "etl")

	u := waitForUpdate(t, w, UpdateLoaded, path)
	if u.Deployment == nil || u.Deployment.Name != "etl" {
		t.Fatalf("expected loaded etl deployment, got %+v", u.Deployment)
	}
	if _, ok := w.Get("etl"); !ok {
		t.Error("expected etl manifest in snapshot")
	}
}

func TestWatcherReloadsChangedManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeManifestFile(t, dir, "etl.yaml", "etl")

	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.Start(context.Background())

	d := &Deployment{Name: "etl", FlowName: "etl", Tags: []string{"prod"}}
	if err := d.WriteManifest(path); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	u := waitForUpdate(t, w, UpdateLoaded, path)
	if u.Deployment == nil || len(u.Deployment.Tags) != 1 || u.Deployment.Tags[0] != "prod" {
		t.Fatalf("expected reloaded manifest with prod tag, got %+v", u.Deployment)
	}
}

func TestWatcherDropsRemovedManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeManifestFile(t, dir, "etl.yaml", "etl")

	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.Start(context.Background())

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	waitForUpdate(t, w, UpdateRemoved, path)
	if _, ok := w.Get("etl"); ok {
		t.Error("expected removed manifest to leave the snapshot")
	}
}

func TestWatcherReportsInvalidManifest(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.Start(context.Background())

	path := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(path, []byte("name: etl\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	u := waitForUpdate(t, w, UpdateInvalid, path)
	if u.Err == nil {
		t.Fatal("expected parse error on invalid update")
	}
	if _, ok := w.Get("etl"); ok {
		t.Error("expected invalid manifest to stay out of the snapshot")
	}
}

func TestWatcherStopClosesUpdates(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Start(context.Background())

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case _, ok := <-w.Updates():
		if ok {
			// Drain any buffered update; the channel must close eventually.
			for range w.Updates() {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("expected update channel to close after Stop")
	}
}
