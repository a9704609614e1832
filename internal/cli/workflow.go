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

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/conductor/internal/config"
	"github.com/tombee/conductor/internal/host"
	"github.com/tombee/conductor/internal/log"
	"github.com/tombee/conductor/internal/wiring"
	"github.com/tombee/conductor/pkg/durable"
)

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run and manage durable workflow instances",
	}
	cmd.AddCommand(
		newWorkflowRunCommand(),
		newWorkflowInspectCommand(),
		newWorkflowRecoverCommand(),
		newWorkflowEvictCommand(),
		newWorkflowCancelCommand(),
		newWorkflowSendCommand(),
	)
	return cmd
}

// loadEngine reads config and constructs an Engine, returning a closer
// that must run before the process exits.
func loadEngine() (*durable.Engine, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format), AddSource: cfg.Log.AddSource, Output: os.Stderr})

	built, err := wiring.Build(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return built.Engine, built.Close, nil
}

func newWorkflowRunCommand() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "run <workflow-id> <input>",
		Short: "Start or resume a workflow instance synchronously",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID, input := args[0], args[1]

			engine, closeEngine, err := loadEngine()
			if err != nil {
				return err
			}
			defer closeEngine()

			h := host.New(engine, wiring.BuiltinRegistry(), nil)
			result, err := h.Submit(cmd.Context(), workflowID, kind, input)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state: %s\n", result.State)
			if result.Output != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "output: %v\n", result.Output)
			}
			if result.Err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", result.Err.Error())
			}
			if !result.SleepUntil.IsZero() {
				fmt.Fprintf(cmd.OutOrStdout(), "sleeping until: %s\n", result.SleepUntil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "echo", "registered workflow kind to run")
	return cmd
}

func newWorkflowInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <workflow-id>",
		Short: "Print a workflow instance's recorded state and output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, closeEngine, err := loadEngine()
			if err != nil {
				return err
			}
			defer closeEngine()

			h := durable.NewHandle(engine, args[0])
			state, err := h.GetState(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state: %s\n", state)

			output, werr, err := h.GetOutput(cmd.Context())
			if err != nil {
				return err
			}
			if output != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "output: %v\n", output)
			}
			if werr != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", werr.Error())
			}
			return nil
		},
	}
}

func newWorkflowRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <workflow-id>",
		Short: "Reset exhausted steps so the workflow retries on its next run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, closeEngine, err := loadEngine()
			if err != nil {
				return err
			}
			defer closeEngine()
			return durable.NewHandle(engine, args[0]).Recover(cmd.Context())
		},
	}
}

func newWorkflowEvictCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "evict <workflow-id>",
		Short: "Mark a workflow instance runnable again without cancelling it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, closeEngine, err := loadEngine()
			if err != nil {
				return err
			}
			defer closeEngine()
			return durable.NewHandle(engine, args[0]).Evict(cmd.Context())
		},
	}
}

func newWorkflowCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Irrevocably cancel a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, closeEngine, err := loadEngine()
			if err != nil {
				return err
			}
			defer closeEngine()
			return durable.NewHandle(engine, args[0]).Cancel(cmd.Context())
		},
	}
}

func newWorkflowSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <workflow-id> <message-name> <data>",
		Short: "Send a message to a waiting workflow instance",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, closeEngine, err := loadEngine()
			if err != nil {
				return err
			}
			defer closeEngine()
			return durable.NewHandle(engine, args[0]).Message(cmd.Context(), args[1], args[2])
		},
	}
}
