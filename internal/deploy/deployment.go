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

// Package deploy packages flows into declarative deployment manifests.
//
// A Deployment is a YAML record binding a flow to the parameters, tags,
// schedule, and storage location it should run with. Manifests are built
// from a Flow, written to disk, and the flow's source directory is
// uploaded through a storage block for remote execution.
package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowmark-io/flowmark/pkg/blocks"
	"github.com/flowmark-io/flowmark/pkg/workflow"
)

// IgnoreFile is the name of the gitignore-style file consulted when
// uploading a deployment directory.
const IgnoreFile = ".flowmarkignore"

// ErrInvalidDeployment is wrapped by all manifest validation failures.
var ErrInvalidDeployment = errors.New("invalid deployment")

// Schedule describes when a deployment's flow should run. Schedules are
// recorded on the manifest for an external scheduler; nothing in this
// process evaluates them.
type Schedule struct {
	// Interval runs the flow at a fixed period
	Interval time.Duration `yaml:"interval,omitempty"`

	// Cron runs the flow on a cron expression
	Cron string `yaml:"cron,omitempty"`

	// Active pauses the schedule without removing it when false
	Active bool `yaml:"active"`
}

// Deployment is a manifest binding a flow to a runnable configuration.
type Deployment struct {
	// Name identifies the deployment, unique within a workspace
	Name string `yaml:"name"`

	// FlowName is the flow this deployment runs
	FlowName string `yaml:"flow_name"`

	// FlowVersion is the flow version captured at build time
	FlowVersion string `yaml:"flow_version,omitempty"`

	// Description is a human-readable summary
	Description string `yaml:"description,omitempty"`

	// Parameters are passed to every run created from this deployment
	Parameters map[string]any `yaml:"parameters,omitempty"`

	// Tags are applied to every run created from this deployment
	Tags []string `yaml:"tags,omitempty"`

	// Schedule is the recorded run schedule, if any
	Schedule *Schedule `yaml:"schedule,omitempty"`

	// StorageBlock is the slug of the block holding the flow's source
	StorageBlock string `yaml:"storage_block,omitempty"`

	// Path is the location of the flow's source under the storage block
	Path string `yaml:"path,omitempty"`

	// UpdatedAt is stamped when the manifest is built or written
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// Option configures a deployment at build time.
type Option func(*Deployment)

// WithName overrides the deployment name, which defaults to the flow name.
func WithName(name string) Option {
	return func(d *Deployment) { d.Name = name }
}

// WithParameters sets the parameters applied to every run.
func WithParameters(params map[string]any) Option {
	return func(d *Deployment) { d.Parameters = params }
}

// WithTags sets the tags applied to every run.
func WithTags(tags ...string) Option {
	return func(d *Deployment) { d.Tags = tags }
}

// WithSchedule records a schedule on the manifest.
func WithSchedule(s Schedule) Option {
	return func(d *Deployment) { d.Schedule = &s }
}

// WithStorage sets the storage block slug and the remote path the flow
// source lives under.
func WithStorage(slug, path string) Option {
	return func(d *Deployment) {
		d.StorageBlock = slug
		d.Path = path
	}
}

// Build creates a deployment manifest from a flow. The manifest captures
// the flow's name, version, and description; options bind parameters,
// tags, schedule, and storage.
func Build(f *workflow.Flow, opts ...Option) (*Deployment, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: flow is required", ErrInvalidDeployment)
	}

	d := &Deployment{
		Name:        f.Name(),
		FlowName:    f.Name(),
		FlowVersion: f.Version(),
		Description: f.Description(),
		UpdatedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks the manifest for structural problems. All problems are
// reported together.
func (d *Deployment) Validate() error {
	var problems []string

	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(d.FlowName) == "" {
		problems = append(problems, "flow_name is required")
	}
	if d.Schedule != nil {
		switch {
		case d.Schedule.Interval != 0 && d.Schedule.Cron != "":
			problems = append(problems, "schedule: interval and cron are mutually exclusive")
		case d.Schedule.Interval == 0 && d.Schedule.Cron == "":
			problems = append(problems, "schedule: one of interval or cron is required")
		case d.Schedule.Interval < 0:
			problems = append(problems, "schedule: interval must be positive")
		}
	}
	if d.Path != "" && d.StorageBlock == "" {
		problems = append(problems, "path requires a storage_block")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidDeployment, strings.Join(problems, "\n  - "))
	}
	return nil
}

// ToYAML serializes the manifest.
func (d *Deployment) ToYAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("failed to encode deployment: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode deployment: %w", err)
	}
	return buf.Bytes(), nil
}

// FromYAML parses a manifest. Unknown fields are rejected so typos in
// hand-edited manifests surface as errors rather than silent drops.
func FromYAML(data []byte) (*Deployment, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var d Deployment
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to parse deployment: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// WriteManifest writes the manifest to path, stamping UpdatedAt.
func (d *Deployment) WriteManifest(path string) error {
	d.UpdatedAt = time.Now().UTC()

	data, err := d.ToYAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	d, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return d, nil
}

// Upload copies localDir to the deployment's storage block under the
// manifest's path, honoring IgnoreFile patterns in localDir. It returns
// the number of files uploaded.
func (d *Deployment) Upload(ctx context.Context, localDir string) (int, error) {
	if d.StorageBlock == "" {
		return 0, fmt.Errorf("deployment %q has no storage block", d.Name)
	}

	b, err := blocks.Get(d.StorageBlock)
	if err != nil {
		return 0, err
	}
	dirs, ok := b.(blocks.DirectoryTransfer)
	if !ok {
		return 0, fmt.Errorf("storage block %s does not support directory transfer", d.StorageBlock)
	}

	ignoreFile := filepath.Join(localDir, IgnoreFile)
	if _, err := os.Stat(ignoreFile); err != nil {
		ignoreFile = ""
	}

	remote := d.Path
	if remote == "" {
		remote = d.Name
	}

	n, err := dirs.PutDirectory(ctx, localDir, remote, ignoreFile)
	if err != nil {
		return n, fmt.Errorf("failed to upload deployment %q: %w", d.Name, err)
	}
	return n, nil
}

// Download fetches the deployment's source tree from its storage block
// into localDir.
func (d *Deployment) Download(ctx context.Context, localDir string) error {
	if d.StorageBlock == "" {
		return fmt.Errorf("deployment %q has no storage block", d.Name)
	}

	b, err := blocks.Get(d.StorageBlock)
	if err != nil {
		return err
	}
	dirs, ok := b.(blocks.DirectoryTransfer)
	if !ok {
		return fmt.Errorf("storage block %s does not support directory transfer", d.StorageBlock)
	}

	remote := d.Path
	if remote == "" {
		remote = d.Name
	}
	if err := dirs.GetDirectory(ctx, remote, localDir); err != nil {
		return fmt.Errorf("failed to download deployment %q: %w", d.Name, err)
	}
	return nil
}
