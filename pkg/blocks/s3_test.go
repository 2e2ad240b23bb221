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
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 implements S3API over an in-memory object map.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey: %s", aws.ToString(params.Key))
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(params.Prefix)
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func newS3Block(t *testing.T, prefix string) (*S3, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	block, err := NewS3(context.Background(), S3Config{
		Slug:   "s3-test",
		Bucket: "flowmark-results",
		Prefix: prefix,
		Client: fake,
	})
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	return block, fake
}

func TestS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{Slug: "no-bucket"})
	if err == nil {
		t.Fatal("expected missing bucket to be rejected")
	}
}

func TestS3WriteReadRoundTrip(t *testing.T) {
	block, fake := newS3Block(t, "results")
	ctx := context.Background()

	key, err := block.Write(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := block.Read(ctx, key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("unexpected content %q", got)
	}

	if _, ok := fake.objects["results/"+key]; !ok {
		t.Errorf("expected object stored under the key prefix, have %v", keysOf(fake))
	}
}

func TestS3ReadMissingKey(t *testing.T) {
	block, _ := newS3Block(t, "")

	if _, err := block.Read(context.Background(), "missing"); err == nil {
		t.Error("expected read of missing key to fail")
	}
}

func TestS3PutDirectory(t *testing.T) {
	block, fake := newS3Block(t, "storage")
	ctx := context.Background()

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"flow.yaml":    "name: etl",
		"lib/tasks.go": "package lib",
		"secrets.env":  "KEY=value",
	})

	ignore := filepath.Join(t.TempDir(), ".flowmarkignore")
	if err := os.WriteFile(ignore, []byte("*.env\n"), 0o600); err != nil {
		t.Fatalf("write ignore file: %v", err)
	}

	n, err := block.PutDirectory(ctx, src, "deployments/etl", ignore)
	if err != nil {
		t.Fatalf("put directory: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 files uploaded, got %d", n)
	}

	if _, ok := fake.objects["storage/deployments/etl/lib/tasks.go"]; !ok {
		t.Errorf("expected nested object, have %v", keysOf(fake))
	}
	if _, ok := fake.objects["storage/deployments/etl/secrets.env"]; ok {
		t.Error("expected ignored file to be skipped")
	}
}

func TestS3GetDirectory(t *testing.T) {
	block, fake := newS3Block(t, "")
	ctx := context.Background()

	fake.objects["deployments/etl/flow.yaml"] = []byte("name: etl")
	fake.objects["deployments/etl/lib/tasks.go"] = []byte("package lib")
	fake.objects["deployments/other/flow.yaml"] = []byte("name: other")

	dst := t.TempDir()
	if err := block.GetDirectory(ctx, "deployments/etl", dst); err != nil {
		t.Fatalf("get directory: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "lib", "tasks.go"))
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(got) != "package lib" {
		t.Errorf("unexpected content %q", got)
	}

	entries, err := os.ReadDir(dst)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected only the prefixed objects, got %d entries", len(entries))
	}
}

func keysOf(f *fakeS3) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
