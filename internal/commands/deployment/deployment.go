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

// Package deployment implements the deployment manifest commands.
package deployment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowmark-io/flowmark/internal/commands/shared"
	"github.com/flowmark-io/flowmark/internal/deploy"
)

// NewCommand creates the deployment command with subcommands
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployment",
		Short: "Build and inspect deployment manifests",
		Long: `Build and inspect deployment manifests.

A deployment manifest binds a flow to the parameters, tags, schedule,
and storage location it should run with.`,
	}

	cmd.AddCommand(newBuildCommand())
	cmd.AddCommand(newInspectCommand())
	cmd.AddCommand(newValidateCommand())

	return cmd
}

type buildFlags struct {
	flowName    string
	flowVersion string
	name        string
	description string
	params      []string
	tags        []string
	cron        string
	interval    time.Duration
	block       string
	path        string
	output      string
}

func newBuildCommand() *cobra.Command {
	flags := &buildFlags{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a deployment manifest",
		Long: `Build a deployment manifest for a flow and write it to a file.

Parameters are given as repeated --param key=value flags. A schedule is
either --cron or --interval, not both.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.flowName, "flow", "", "Flow name (required)")
	cmd.Flags().StringVar(&flags.flowVersion, "flow-version", "", "Flow version")
	cmd.Flags().StringVar(&flags.name, "name", "", "Deployment name (default: flow name)")
	cmd.Flags().StringVar(&flags.description, "description", "", "Deployment description")
	cmd.Flags().StringArrayVar(&flags.params, "param", nil, "Run parameter as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&flags.tags, "tag", nil, "Run tag (repeatable)")
	cmd.Flags().StringVar(&flags.cron, "cron", "", "Cron schedule expression")
	cmd.Flags().DurationVar(&flags.interval, "interval", 0, "Interval schedule period")
	cmd.Flags().StringVar(&flags.block, "block", "", "Storage block slug holding the flow source")
	cmd.Flags().StringVar(&flags.path, "path", "", "Path of the flow source under the storage block")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Output file (default: <name>.yaml)")
	cmd.MarkFlagRequired("flow")

	return cmd
}

func runBuild(cmd *cobra.Command, flags *buildFlags) error {
	params, err := parseParams(flags.params)
	if err != nil {
		return shared.NewInvalidManifestError("invalid --param", err)
	}

	name := flags.name
	if name == "" {
		name = flags.flowName
	}

	d := &deploy.Deployment{
		Name:         name,
		FlowName:     flags.flowName,
		FlowVersion:  flags.flowVersion,
		Description:  flags.description,
		Parameters:   params,
		Tags:         flags.tags,
		StorageBlock: flags.block,
		Path:         flags.path,
	}
	if flags.cron != "" || flags.interval != 0 {
		d.Schedule = &deploy.Schedule{Cron: flags.cron, Interval: flags.interval, Active: true}
	}

	if err := d.Validate(); err != nil {
		return shared.NewInvalidManifestError("manifest validation failed", err)
	}

	output := flags.output
	if output == "" {
		output = name + ".yaml"
	}
	if err := d.WriteManifest(output); err != nil {
		return err
	}

	cmd.Printf("Wrote deployment %q to %s\n", d.Name, output)
	return nil
}

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <manifest>",
		Short: "Show a deployment manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := deploy.LoadManifest(args[0])
			if err != nil {
				return shared.NewInvalidManifestError("failed to load manifest", err)
			}

			if shared.GetJSON() {
				data, err := json.MarshalIndent(d, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal manifest: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}

			data, err := d.ToYAML()
			if err != nil {
				return err
			}
			cmd.Print(string(data))
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest>...",
		Short: "Validate deployment manifests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed int
			for _, path := range args {
				if _, err := deploy.LoadManifest(path); err != nil {
					failed++
					cmd.PrintErrf("%s: %v\n", path, err)
					continue
				}
				cmd.Printf("%s: ok\n", path)
			}
			if failed > 0 {
				return shared.NewInvalidManifestError(
					fmt.Sprintf("%d of %d manifests invalid", failed, len(args)), nil)
			}
			return nil
		},
	}
}

// parseParams parses key=value pairs. Values are kept as strings; the
// engine coerces them against the flow's declared parameters at run time.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		params[key] = value
	}
	return params, nil
}
