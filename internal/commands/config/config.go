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

// Package config implements the settings inspection commands.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flowmark-io/flowmark/internal/commands/shared"
	"github.com/flowmark-io/flowmark/internal/config"
)

// NewCommand creates the config command with subcommands
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View configuration",
		Long: `View the effective flowmark configuration.

Subcommands:
  view - Display the active profile's effective settings
  path - Show the profiles file location`,
	}

	cmd.AddCommand(newViewCommand())
	cmd.AddCommand(newPathCommand())

	// If no subcommand provided, default to 'view'
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runView(cmd, args)
	}

	return cmd
}

func newViewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Display the active profile's effective settings",
		Long: `Display the effective settings after applying the active profile's
overrides and FLOWMARK_* environment variables to the defaults.`,
		RunE: runView,
	}
}

func newPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show the profiles file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ProfilesPath()
			if err != nil {
				return fmt.Errorf("failed to determine profiles path: %w", err)
			}
			cmd.Println(path)
			return nil
		},
	}
}

// settingsView is the serialized shape of 'config view'.
type settingsView struct {
	Profile string `yaml:"profile" json:"profile"`
	Log     struct {
		Level     string `yaml:"level" json:"level"`
		Format    string `yaml:"format" json:"format"`
		AddSource bool   `yaml:"add_source" json:"add_source"`
	} `yaml:"log" json:"log"`
	Backend struct {
		Type       string `yaml:"type" json:"type"`
		SQLitePath string `yaml:"sqlite_path,omitempty" json:"sqlite_path,omitempty"`
		WAL        bool   `yaml:"wal" json:"wal"`
	} `yaml:"backend" json:"backend"`
	Results struct {
		Block         string `yaml:"block,omitempty" json:"block,omitempty"`
		LocalBasepath string `yaml:"local_basepath,omitempty" json:"local_basepath,omitempty"`
		S3Bucket      string `yaml:"s3_bucket,omitempty" json:"s3_bucket,omitempty"`
		S3Prefix      string `yaml:"s3_prefix,omitempty" json:"s3_prefix,omitempty"`
		S3Region      string `yaml:"s3_region,omitempty" json:"s3_region,omitempty"`
	} `yaml:"results" json:"results"`
	Logging struct {
		Enabled       bool   `yaml:"enabled" json:"enabled"`
		FlushInterval string `yaml:"flush_interval" json:"flush_interval"`
		MaxBatchSize  int    `yaml:"max_batch_size" json:"max_batch_size"`
		MaxRecordSize int    `yaml:"max_record_size" json:"max_record_size"`
	} `yaml:"logging" json:"logging"`
	Engine struct {
		TaskConcurrency int `yaml:"task_concurrency" json:"task_concurrency"`
	} `yaml:"engine" json:"engine"`
}

func runView(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadProfile(shared.GetProfile())
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	var view settingsView
	view.Profile = settings.Profile
	view.Log.Level = settings.Log.Level
	view.Log.Format = settings.Log.Format
	view.Log.AddSource = settings.Log.AddSource
	view.Backend.Type = settings.Backend.Type
	view.Backend.SQLitePath = settings.Backend.SQLitePath
	view.Backend.WAL = settings.Backend.WAL
	view.Results.Block = settings.Results.Block
	view.Results.LocalBasepath = settings.Results.LocalBasepath
	view.Results.S3Bucket = settings.Results.S3Bucket
	view.Results.S3Prefix = settings.Results.S3Prefix
	view.Results.S3Region = settings.Results.S3Region
	view.Logging.Enabled = settings.Logging.Enabled
	view.Logging.FlushInterval = settings.Logging.FlushInterval.String()
	view.Logging.MaxBatchSize = settings.Logging.MaxBatchSize
	view.Logging.MaxRecordSize = settings.Logging.MaxRecordSize
	view.Engine.TaskConcurrency = settings.Engine.TaskConcurrency

	if shared.GetJSON() {
		data, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal settings: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	data, err := yaml.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	cmd.Print(string(data))
	return nil
}
