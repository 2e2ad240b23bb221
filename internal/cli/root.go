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

// Package cli assembles the flowmark command tree.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/flowmark-io/flowmark/internal/commands/shared"
	"github.com/flowmark-io/flowmark/internal/config"
	"github.com/flowmark-io/flowmark/internal/log"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for flowmark
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flowmark",
		Short: "Flowmark - flow run orchestration",
		Long: `Flowmark orchestrates flows of tasks, recording every run as an
append-only history of states. The CLI packages flows into deployment
manifests and inspects recorded runs and settings.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(log.New(processLogConfig()))
		},
	}

	verbose, json, profile := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(profile, "profile", "", "Settings profile to use (default: active profile)")

	return cmd
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}

// processLogConfig derives the process logger configuration from the
// selected profile's settings. Settings failures fall back to the
// defaults so logging never blocks a command; --verbose forces debug.
func processLogConfig() *log.Config {
	cfg := log.DefaultConfig()
	if settings, err := config.LoadProfile(shared.GetProfile()); err == nil {
		cfg.Level = settings.Log.Level
		cfg.Format = log.Format(settings.Log.Format)
		cfg.AddSource = settings.Log.AddSource
	}
	if shared.GetVerbose() {
		cfg.Level = "debug"
	}
	return cfg
}
