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

// Package blocks provides configured storage adapters used to persist run
// results and deployment artifacts.
//
// Blocks are capability sets, not a hierarchy: a block implements whichever
// of the segregated interfaces its backing store supports, and consumers
// type-assert for optional capabilities:
//
//	if dirs, ok := block.(blocks.DirectoryTransfer); ok {
//	    n, err := dirs.PutDirectory(ctx, local, remote, ignoreFile)
//	}
package blocks

import (
	"context"
	"fmt"
	"sync"
)

// ByteStore persists opaque byte payloads under generated keys. This is the
// contract the engine uses to persist run results.
type ByteStore interface {
	// Write persists data and returns the key used to retrieve it.
	Write(ctx context.Context, data []byte) (string, error)

	// Read retrieves previously persisted bytes by key.
	Read(ctx context.Context, key string) ([]byte, error)
}

// PathReader reads file contents at explicit paths.
type PathReader interface {
	ReadPath(ctx context.Context, path string) ([]byte, error)
}

// PathWriter writes file contents at explicit paths.
type PathWriter interface {
	WritePath(ctx context.Context, path string, content []byte) error
}

// DirectoryTransfer copies whole directory trees to and from the block,
// used for deployment packaging.
type DirectoryTransfer interface {
	// GetDirectory downloads the tree under fromPath into localPath.
	GetDirectory(ctx context.Context, fromPath, localPath string) error

	// PutDirectory uploads localPath under toPath, skipping files matched
	// by gitignore-style patterns in ignoreFile (empty means no ignores).
	// It returns the number of files uploaded.
	PutDirectory(ctx context.Context, localPath, toPath, ignoreFile string) (int, error)
}

// Block is a configured storage adapter identified by a slug.
type Block interface {
	Slug() string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Block)
)

// Register adds a block instance to the process registry. Re-registering a
// slug replaces the previous instance.
func Register(b Block) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Slug()] = b
}

// Get retrieves a registered block by slug.
func Get(slug string) (Block, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	b, ok := registry[slug]
	if !ok {
		return nil, fmt.Errorf("storage block not registered: %s", slug)
	}
	return b, nil
}

// GetByteStore retrieves a registered block and asserts the ByteStore
// capability.
func GetByteStore(slug string) (ByteStore, error) {
	b, err := Get(slug)
	if err != nil {
		return nil, err
	}
	store, ok := b.(ByteStore)
	if !ok {
		return nil, fmt.Errorf("storage block %s does not support byte storage", slug)
	}
	return store, nil
}

// ResetRegistry clears the process registry. Intended for tests.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[string]Block)
}
