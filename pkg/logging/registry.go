package logging

import (
	"sync"

	"github.com/flowmark-io/flowmark/internal/backend"
)

// The process-wide worker registry, keyed by profile name. Each profile
// gets one shared worker so all runs under a profile batch through the
// same queue.
var (
	registryMu sync.Mutex
	registry   = make(map[string]*Worker)
)

// GetWorker returns the shared worker for the named profile, creating
// and starting one backed by the given store on first use. The store
// argument is ignored for profiles that already have a worker.
func GetWorker(profile string, store backend.LogStore) (*Worker, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if w, ok := registry[profile]; ok {
		return w, nil
	}

	w := NewWorker(store)
	if err := w.Start(); err != nil {
		return nil, err
	}
	registry[profile] = w
	return w, nil
}

// ResetWorkers stops and discards all registered workers. Intended for
// tests and process shutdown.
func ResetWorkers() {
	registryMu.Lock()
	workers := make([]*Worker, 0, len(registry))
	for _, w := range registry {
		workers = append(workers, w)
	}
	registry = make(map[string]*Worker)
	registryMu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
}
