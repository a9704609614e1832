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

// Package cli implements the conductor command-line interface: a thin
// cobra wrapper over pkg/durable's Engine and Handle.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build-time version information, reported by
// `conductor version` and `--version`.
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

var configPath string

// NewRootCommand builds the root cobra command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "conductor",
		Short:         "Conductor is a durable workflow host and CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: XDG config dir)")
	cmd.AddCommand(newWorkflowCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "conductor %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

// HandleExitError prints err (if any) and exits with a non-zero status.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
