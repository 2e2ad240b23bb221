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
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newLocalBlock(t *testing.T) *LocalFileSystem {
	t.Helper()
	block, err := NewLocalFileSystem("local-test", t.TempDir())
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	return block
}

func TestWriteReadRoundTrip(t *testing.T) {
	block := newLocalBlock(t)
	ctx := context.Background()

	key, err := block.Write(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if key == "" {
		t.Fatal("expected a generated key")
	}

	got, err := block.Read(ctx, key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("unexpected content %q", got)
	}
}

func TestWritePathCreatesParents(t *testing.T) {
	block := newLocalBlock(t)
	ctx := context.Background()

	if err := block.WritePath(ctx, "nested/dir/file.txt", []byte("deep")); err != nil {
		t.Fatalf("write path: %v", err)
	}
	got, err := block.ReadPath(ctx, "nested/dir/file.txt")
	if err != nil {
		t.Fatalf("read path: %v", err)
	}
	if string(got) != "deep" {
		t.Errorf("unexpected content %q", got)
	}
}

func TestRejectsPathOutsideBasepath(t *testing.T) {
	block := newLocalBlock(t)
	ctx := context.Background()

	cases := []string{
		"../escape.txt",
		"nested/../../escape.txt",
		"/etc/passwd",
	}
	for _, path := range cases {
		if err := block.WritePath(ctx, path, []byte("x")); err == nil {
			t.Errorf("expected write to %q to be rejected", path)
		}
		if _, err := block.ReadPath(ctx, path); err == nil {
			t.Errorf("expected read of %q to be rejected", path)
		}
	}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func TestPutAndGetDirectory(t *testing.T) {
	block := newLocalBlock(t)
	ctx := context.Background()

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"flow.yaml":        "name: etl",
		"lib/helpers.go":   "package lib",
		"lib/sub/deep.txt": "deep",
	})

	n, err := block.PutDirectory(ctx, src, "deployments/etl", "")
	if err != nil {
		t.Fatalf("put directory: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 files uploaded, got %d", n)
	}

	dst := t.TempDir()
	if err := block.GetDirectory(ctx, "deployments/etl", dst); err != nil {
		t.Fatalf("get directory: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "lib", "sub", "deep.txt"))
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(got) != "deep" {
		t.Errorf("unexpected content %q", got)
	}
}

func TestPutDirectoryHonorsIgnoreFile(t *testing.T) {
	block := newLocalBlock(t)
	ctx := context.Background()

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"flow.yaml":      "name: etl",
		"secrets.env":    "KEY=value",
		".git/config":    "[core]",
		"vendor/dep.go":  "package dep",
		"lib/helpers.go": "package lib",
	})

	ignore := filepath.Join(t.TempDir(), ".flowmarkignore")
	content := "# build artifacts\n*.env\n.git/\nvendor/\n"
	if err := os.WriteFile(ignore, []byte(content), 0o600); err != nil {
		t.Fatalf("write ignore file: %v", err)
	}

	n, err := block.PutDirectory(ctx, src, "deployments/etl", ignore)
	if err != nil {
		t.Fatalf("put directory: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 files uploaded, got %d", n)
	}

	if _, err := block.ReadPath(ctx, "deployments/etl/secrets.env"); err == nil {
		t.Error("expected ignored file to be absent")
	}
	if _, err := block.ReadPath(ctx, "deployments/etl/flow.yaml"); err != nil {
		t.Errorf("expected kept file to be present: %v", err)
	}
}

func TestIgnorePatterns(t *testing.T) {
	cases := []struct {
		path     string
		patterns []string
		want     bool
	}{
		{"secrets.env", []string{"*.env"}, true},
		{"flow.yaml", []string{"*.env"}, false},
		{".git/config", []string{".git/"}, true},
		{"vendor/sub/dep.go", []string{"vendor/"}, true},
		{"lib/vendor.go", []string{"vendor/"}, false},
		{"build/out/bin", []string{"build/**"}, true},
		{"anything", nil, false},
	}
	for _, tc := range cases {
		if got := ignored(tc.path, tc.patterns); got != tc.want {
			t.Errorf("ignored(%q, %v) = %v, want %v", tc.path, tc.patterns, got, tc.want)
		}
	}
}

func TestRegistryLookup(t *testing.T) {
	ResetRegistry()
	t.Cleanup(ResetRegistry)

	block := newLocalBlock(t)
	Register(block)

	got, err := Get("local-test")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Slug() != "local-test" {
		t.Errorf("unexpected slug %q", got.Slug())
	}

	store, err := GetByteStore("local-test")
	if err != nil {
		t.Fatalf("get byte store: %v", err)
	}
	if store == nil {
		t.Fatal("expected a byte store")
	}

	if _, err := Get("missing"); err == nil {
		t.Error("expected lookup of unregistered slug to fail")
	}
}
