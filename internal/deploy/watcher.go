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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// UpdateType classifies a manifest change observed by the watcher.
type UpdateType string

const (
	// UpdateLoaded means a manifest was added or reloaded.
	UpdateLoaded UpdateType = "loaded"
	// UpdateRemoved means a manifest file was deleted or renamed away.
	UpdateRemoved UpdateType = "removed"
	// UpdateInvalid means a manifest changed but failed to parse; the
	// previously loaded version, if any, stays in effect.
	UpdateInvalid UpdateType = "invalid"
)

// Update describes one manifest change.
type Update struct {
	// Type classifies the change
	Type UpdateType

	// Path is the manifest file that changed
	Path string

	// Deployment is the parsed manifest for UpdateLoaded, nil otherwise
	Deployment *Deployment

	// Err is the parse failure for UpdateInvalid, nil otherwise
	Err error
}

// Watcher keeps an in-memory view of the deployment manifests in a
// directory, reloading them as files change. Manifests are YAML files
// with a .yaml or .yml extension; other files are ignored.
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	updates chan Update
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu          sync.RWMutex
	deployments map[string]*Deployment // keyed by manifest path
}

// NewWatcher creates a manifest watcher for dir. Existing manifests are
// loaded immediately; Start begins tracking changes.
func NewWatcher(dir string) (*Watcher, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(absDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", absDir, err)
	}

	w := &Watcher{
		dir:         absDir,
		watcher:     fsw,
		updates:     make(chan Update, 100), // buffered so slow consumers don't block the event loop
		logger:      slog.Default().With(slog.String("component", "deploy.watcher"), slog.String("dir", absDir)),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		deployments: make(map[string]*Deployment),
	}

	if err := w.loadAll(); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Start begins watching for manifest changes until ctx is cancelled or
// Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.eventLoop(ctx)
	w.logger.Info("deployment watcher started", "manifests", len(w.Deployments()))
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

// Updates returns the channel of manifest changes. The channel is closed
// when the watcher stops.
func (w *Watcher) Updates() <-chan Update {
	return w.updates
}

// Deployments returns a snapshot of the currently loaded manifests.
func (w *Watcher) Deployments() []*Deployment {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]*Deployment, 0, len(w.deployments))
	for _, d := range w.deployments {
		out = append(out, d)
	}
	return out
}

// Get returns the loaded manifest with the given deployment name.
func (w *Watcher) Get(name string) (*Deployment, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, d := range w.deployments {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// loadAll scans the directory for existing manifests.
func (w *Watcher) loadAll() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read manifest directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isManifest(e.Name()) {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		d, err := LoadManifest(path)
		if err != nil {
			w.logger.Warn("skipping invalid manifest", "path", path, "error", err)
			continue
		}
		w.mu.Lock()
		w.deployments[path] = d
		w.mu.Unlock()
	}
	return nil
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.updates)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("deployment watcher stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("deployment watcher stopped")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Warn("watcher event channel closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Warn("watcher error channel closed")
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isManifest(event.Name) {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		d, err := LoadManifest(event.Name)
		if err != nil {
			w.logger.Warn("manifest failed to load", "path", event.Name, "error", err)
			w.send(Update{Type: UpdateInvalid, Path: event.Name, Err: err})
			return
		}
		w.mu.Lock()
		w.deployments[event.Name] = d
		w.mu.Unlock()
		w.logger.Debug("manifest loaded", "path", event.Name, "deployment", d.Name)
		w.send(Update{Type: UpdateLoaded, Path: event.Name, Deployment: d})

	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.mu.Lock()
		_, known := w.deployments[event.Name]
		delete(w.deployments, event.Name)
		w.mu.Unlock()
		if known {
			w.logger.Debug("manifest removed", "path", event.Name)
			w.send(Update{Type: UpdateRemoved, Path: event.Name})
		}
	}
}

// send delivers an update without blocking the event loop.
func (w *Watcher) send(u Update) {
	select {
	case w.updates <- u:
	default:
		w.logger.Warn("update channel full, dropping update", "path", u.Path, "type", u.Type)
	}
}

func isManifest(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
