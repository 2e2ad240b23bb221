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

package blocks

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Compile-time capability assertions.
var (
	_ Block             = (*LocalFileSystem)(nil)
	_ ByteStore         = (*LocalFileSystem)(nil)
	_ PathReader        = (*LocalFileSystem)(nil)
	_ PathWriter        = (*LocalFileSystem)(nil)
	_ DirectoryTransfer = (*LocalFileSystem)(nil)
)

// putDirectoryConcurrency bounds parallel file copies during PutDirectory.
const putDirectoryConcurrency = 8

// LocalFileSystem is a storage block backed by a directory on local disk.
// All paths resolve relative to the basepath; resolution outside the
// basepath is rejected.
type LocalFileSystem struct {
	slug     string
	basepath string
}

// NewLocalFileSystem creates a local filesystem block rooted at basepath.
func NewLocalFileSystem(slug, basepath string) (*LocalFileSystem, error) {
	abs, err := filepath.Abs(basepath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve basepath: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create basepath: %w", err)
	}
	return &LocalFileSystem{slug: slug, basepath: abs}, nil
}

// NewTempStorage creates a local filesystem block rooted in the system
// temporary directory.
func NewTempStorage(slug string) (*LocalFileSystem, error) {
	return NewLocalFileSystem(slug, filepath.Join(os.TempDir(), "flowmark-storage"))
}

// Slug returns the block's registry identifier.
func (l *LocalFileSystem) Slug() string { return l.slug }

// Basepath returns the block's root directory.
func (l *LocalFileSystem) Basepath() string { return l.basepath }

func (l *LocalFileSystem) resolvePath(path string) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(l.basepath, resolved)
	}
	resolved = filepath.Clean(resolved)
	if resolved != l.basepath && !strings.HasPrefix(resolved, l.basepath+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q resolves outside block basepath %q", path, l.basepath)
	}
	return resolved, nil
}

// Write persists data under a generated key and returns the key.
func (l *LocalFileSystem) Write(ctx context.Context, data []byte) (string, error) {
	key := uuid.NewString()
	if err := l.WritePath(ctx, key, data); err != nil {
		return "", err
	}
	return key, nil
}

// Read retrieves persisted bytes by key.
func (l *LocalFileSystem) Read(ctx context.Context, key string) ([]byte, error) {
	return l.ReadPath(ctx, key)
}

// ReadPath reads the file at path, resolved against the basepath.
func (l *LocalFileSystem) ReadPath(ctx context.Context, path string) ([]byte, error) {
	resolved, err := l.resolvePath(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

// WritePath writes content to path, resolved against the basepath. Parent
// directories are created as needed.
func (l *LocalFileSystem) WritePath(ctx context.Context, path string, content []byte) error {
	resolved, err := l.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o700); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return os.WriteFile(resolved, content, 0o600)
}

// GetDirectory copies the tree under fromPath into localPath.
func (l *LocalFileSystem) GetDirectory(ctx context.Context, fromPath, localPath string) error {
	resolved, err := l.resolvePath(fromPath)
	if err != nil {
		return err
	}
	return copyTree(ctx, resolved, localPath, nil)
}

// PutDirectory uploads localPath under toPath. Files matching the
// gitignore-style patterns in ignoreFile are skipped.
func (l *LocalFileSystem) PutDirectory(ctx context.Context, localPath, toPath, ignoreFile string) (int, error) {
	resolved, err := l.resolvePath(toPath)
	if err != nil {
		return 0, err
	}

	patterns, err := loadIgnorePatterns(ignoreFile)
	if err != nil {
		return 0, err
	}
	return copyTreeCount(ctx, localPath, resolved, patterns)
}

// loadIgnorePatterns reads gitignore-style glob patterns, one per line.
// Blank lines and #-comments are skipped.
func loadIgnorePatterns(ignoreFile string) ([]string, error) {
	if ignoreFile == "" {
		return nil, nil
	}
	f, err := os.Open(ignoreFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, scanner.Err()
}

// ignored reports whether relPath matches any ignore pattern. Patterns
// apply to the path itself and to any of its parent segments, so "dir/"
// style excludes work as expected.
func ignored(relPath string, patterns []string) bool {
	rel := filepath.ToSlash(relPath)
	for _, pattern := range patterns {
		pattern = strings.TrimSuffix(pattern, "/")
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern+"/**", rel); ok {
			return true
		}
	}
	return false
}

func copyTree(ctx context.Context, src, dst string, patterns []string) error {
	_, err := copyTreeCount(ctx, src, dst, patterns)
	return err
}

func copyTreeCount(ctx context.Context, src, dst string, patterns []string) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(putDirectoryConcurrency)

	count := 0
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if ignored(rel, patterns) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}

		count++
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			return os.WriteFile(target, data, 0o600)
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return count, nil
}
