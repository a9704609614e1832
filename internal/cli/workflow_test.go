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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTestConfig points a fresh sqlite database (and a fast worker poll
// interval) at a temp directory, so each test gets an isolated engine.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	dbPath := filepath.Join(dir, "conductor.db")

	contents := fmt.Sprintf(`version: 1
log:
  level: error
  format: text
durable:
  sqlite_path: %s
  worker_poll_interval_ms: 50
`, dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(contents), 0o644))
	return cfgPath
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestCLI_WorkflowRunEchoCompletesSynchronously(t *testing.T) {
	cfgPath := writeTestConfig(t)
	out := runCLI(t, "--config", cfgPath, "workflow", "run", "wf-cli-1", "hello")
	require.Contains(t, out, "state: completed")
	require.Contains(t, out, "output: HELLO")
}

func TestCLI_WorkflowInspectReflectsPriorRun(t *testing.T) {
	cfgPath := writeTestConfig(t)
	runCLI(t, "--config", cfgPath, "workflow", "run", "wf-cli-2", "hi")

	out := runCLI(t, "--config", cfgPath, "workflow", "inspect", "wf-cli-2")
	require.Contains(t, out, "state: completed")
	require.Contains(t, out, "output: HI")
}

func TestCLI_WorkflowRunUnknownKindFails(t *testing.T) {
	cfgPath := writeTestConfig(t)
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"--config", cfgPath, "workflow", "run", "--kind", "nope", "wf-cli-3", "x"})
	require.Error(t, cmd.Execute())
}

func TestCLI_VersionCommand(t *testing.T) {
	SetVersion("1.2.3", "abcdef", "2026-01-01")
	out := runCLI(t, "version")
	require.True(t, strings.Contains(out, "1.2.3"))
}
