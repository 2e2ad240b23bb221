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
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Compile-time capability assertions.
var (
	_ Block             = (*S3)(nil)
	_ ByteStore         = (*S3)(nil)
	_ PathReader        = (*S3)(nil)
	_ PathWriter        = (*S3)(nil)
	_ DirectoryTransfer = (*S3)(nil)
)

// S3API is the subset of the S3 client used by the block. Narrowing the
// surface keeps tests independent of a live endpoint.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 is a storage block backed by an S3 bucket, rooted at an optional key
// prefix.
type S3 struct {
	slug   string
	bucket string
	prefix string
	client S3API
}

// S3Config configures an S3 block.
type S3Config struct {
	Slug   string
	Bucket string
	Prefix string

	// Region overrides the region from the ambient AWS configuration.
	Region string

	// Client overrides the constructed S3 client; used in tests.
	Client S3API
}

// NewS3 creates an S3 block. Credentials and region resolve from the
// standard AWS configuration chain unless overridden.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 block requires a bucket")
	}

	client := cfg.Client
	if client == nil {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3{
		slug:   cfg.Slug,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		client: client,
	}, nil
}

// Slug returns the block's registry identifier.
func (b *S3) Slug() string { return b.slug }

func (b *S3) key(p string) string {
	if b.prefix == "" {
		return p
	}
	return path.Join(b.prefix, p)
}

// Write persists data under a generated key and returns the key.
func (b *S3) Write(ctx context.Context, data []byte) (string, error) {
	key := uuid.NewString()
	if err := b.WritePath(ctx, key, data); err != nil {
		return "", err
	}
	return key, nil
}

// Read retrieves persisted bytes by key.
func (b *S3) Read(ctx context.Context, key string) ([]byte, error) {
	return b.ReadPath(ctx, key)
}

// ReadPath reads the object at path, resolved against the key prefix.
func (b *S3) ReadPath(ctx context.Context, p string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", b.bucket, b.key(p), err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// WritePath writes content to the object at path, resolved against the key
// prefix.
func (b *S3) WritePath(ctx context.Context, p string, content []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", b.bucket, b.key(p), err)
	}
	return nil
}

// GetDirectory downloads every object under fromPath into localPath.
func (b *S3) GetDirectory(ctx context.Context, fromPath, localPath string) error {
	prefix := b.key(fromPath)
	if prefix != "" {
		prefix += "/"
	}

	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("failed to list s3://%s/%s: %w", b.bucket, prefix, err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			rel := key[len(prefix):]
			if rel == "" {
				continue
			}

			data, err := b.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return fmt.Errorf("failed to get s3://%s/%s: %w", b.bucket, key, err)
			}
			content, err := io.ReadAll(data.Body)
			data.Body.Close()
			if err != nil {
				return err
			}

			target := filepath.Join(localPath, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(target, content, 0o600); err != nil {
				return err
			}
		}

		if out.NextContinuationToken == nil {
			return nil
		}
		token = out.NextContinuationToken
	}
}

// PutDirectory uploads localPath under toPath, skipping files matched by
// gitignore-style patterns in ignoreFile. It returns the number of files
// uploaded.
func (b *S3) PutDirectory(ctx context.Context, localPath, toPath, ignoreFile string) (int, error) {
	patterns, err := loadIgnorePatterns(ignoreFile)
	if err != nil {
		return 0, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(putDirectoryConcurrency)

	count := 0
	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		if ignored(rel, patterns) {
			return nil
		}

		key := path.Join(toPath, filepath.ToSlash(rel))
		count++
		g.Go(func() error {
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			return b.WritePath(ctx, key, data)
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
