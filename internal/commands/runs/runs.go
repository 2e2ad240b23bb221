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

// Package runs implements commands for inspecting recorded flow runs.
package runs

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flowmark-io/flowmark/internal/backend"
	"github.com/flowmark-io/flowmark/internal/backend/sqlite"
	"github.com/flowmark-io/flowmark/internal/commands/shared"
	"github.com/flowmark-io/flowmark/internal/config"
)

// NewCommand creates the runs command with subcommands
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded flow runs",
		Long: `Inspect flow runs recorded in the configured backend.

Runs are read from the active profile's SQLite database.`,
	}

	cmd.AddCommand(newLsCommand())
	cmd.AddCommand(newInspectCommand())

	return cmd
}

// openStore opens the active profile's sqlite backend, honoring --db when
// set.
func openStore(dbPath string) (*sqlite.Store, error) {
	if dbPath == "" {
		settings, err := config.LoadProfile(shared.GetProfile())
		if err != nil {
			return nil, err
		}
		if settings.Backend.Type != "sqlite" {
			return nil, fmt.Errorf("run inspection requires the sqlite backend, profile %q uses %q",
				settings.Profile, settings.Backend.Type)
		}
		if err := settings.DataPaths(); err != nil {
			return nil, err
		}
		dbPath = settings.Backend.SQLitePath
	}

	store, err := sqlite.New(sqlite.Config{Path: dbPath})
	if err != nil {
		return nil, shared.NewBackendError("failed to open backend", err)
	}
	return store, nil
}

func newLsCommand() *cobra.Command {
	var (
		flowName string
		limit    int
		dbPath   string
	)

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List flow runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListFlowRuns(cmd.Context(), backend.FlowRunFilter{
				FlowName: flowName,
				Limit:    limit,
			})
			if err != nil {
				return shared.NewBackendError("failed to list runs", err)
			}

			if shared.GetJSON() {
				data, err := json.MarshalIndent(runs, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal runs: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tFLOW\tSTATE\tRETRIES\tCREATED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					shortID(run.ID), run.Name, run.FlowName, stateLabel(run),
					run.RetryCount, run.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&flowName, "flow", "", "Filter by flow name")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list (0 for all)")
	cmd.Flags().StringVar(&dbPath, "db", "", "Backend database file (default: active profile's)")

	return cmd
}

// runDetail is the inspect output shape.
type runDetail struct {
	Run      *backend.FlowRun   `json:"run"`
	History  []string           `json:"history"`
	TaskRuns []*backend.TaskRun `json:"task_runs,omitempty"`
}

func newInspectCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "inspect <run-id>",
		Short: "Show one flow run with its state history and task runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}

			store, err := openStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			run, err := store.ReadFlowRun(ctx, id)
			if err != nil {
				return shared.NewNotFoundError("failed to read run", err)
			}
			history, err := store.ReadFlowRunStates(ctx, id)
			if err != nil {
				return shared.NewBackendError("failed to read state history", err)
			}
			taskRuns, err := store.ListTaskRuns(ctx, id)
			if err != nil {
				return shared.NewBackendError("failed to list task runs", err)
			}

			if shared.GetJSON() {
				detail := runDetail{Run: run, TaskRuns: taskRuns}
				for _, st := range history {
					detail.History = append(detail.History, st.Name)
				}
				data, err := json.MarshalIndent(detail, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal run: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}

			cmd.Printf("Run:        %s (%s)\n", run.Name, run.ID)
			cmd.Printf("Flow:       %s", run.FlowName)
			if run.FlowVersion != "" {
				cmd.Printf(" @ %s", run.FlowVersion)
			}
			cmd.Println()
			cmd.Printf("State:      %s\n", stateLabel(run))
			if run.State != nil && run.State.Message != "" {
				cmd.Printf("Message:    %s\n", run.State.Message)
			}
			cmd.Printf("Retries:    %d\n", run.RetryCount)
			if len(run.Tags) > 0 {
				cmd.Printf("Tags:       %v\n", run.Tags)
			}
			if run.ParentTaskRunID != uuid.Nil {
				cmd.Printf("Parent:     task run %s\n", run.ParentTaskRunID)
			}
			cmd.Printf("Created:    %s\n", run.CreatedAt.Local().Format(time.DateTime))

			cmd.Println("\nHistory:")
			for _, st := range history {
				cmd.Printf("  %s  %s\n", st.Timestamp.Local().Format(time.DateTime), st.Name)
			}

			if len(taskRuns) > 0 {
				cmd.Println("\nTask runs:")
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "  ID\tTASK\tKEY\tSTATE\tRETRIES")
				for _, tr := range taskRuns {
					fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%d\n",
						shortID(tr.ID), tr.TaskName, tr.DynamicKey, taskStateLabel(tr), tr.RetryCount)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Backend database file (default: active profile's)")

	return cmd
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

func stateLabel(run *backend.FlowRun) string {
	if run.State == nil {
		return "-"
	}
	return string(run.State.Type)
}

func taskStateLabel(run *backend.TaskRun) string {
	if run.State == nil {
		return "-"
	}
	return string(run.State.Type)
}
