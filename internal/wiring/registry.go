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

package wiring

import (
	"fmt"
	"strings"
	"time"

	"github.com/tombee/conductor/internal/host"
	"github.com/tombee/conductor/pkg/durable"
)

// BuiltinRegistry is the set of workflow kinds the CLI and host daemon
// know how to run out of the box. A deployment embedding pkg/durable
// directly would register its own kinds instead; these exist so
// `conductor workflow run` has something runnable without a plugin
// mechanism, which is out of scope here.
func BuiltinRegistry() host.Registry {
	return host.Registry{
		"echo":         echoWorkflow,
		"delayed-echo": delayedEchoWorkflow,
	}
}

// echoWorkflow uppercases its string input in a single durable step.
func echoWorkflow(ctx *durable.Context, input any) (any, error) {
	text, _ := input.(string)
	return ctx.Step(durable.StepConfig{
		Name: "uppercase",
		Run: func(ctx *durable.Context) (any, error) {
			return strings.ToUpper(text), nil
		},
	})
}

// delayedEchoWorkflow sleeps for 30s before echoing, to exercise the
// host's wake-on-deadline polling path end to end.
func delayedEchoWorkflow(ctx *durable.Context, input any) (any, error) {
	text, _ := input.(string)
	if err := ctx.Sleep("delay", 30*time.Second); err != nil {
		return nil, err
	}
	out, err := ctx.Step(durable.StepConfig{
		Name: "uppercase",
		Run: func(ctx *durable.Context) (any, error) {
			return strings.ToUpper(text), nil
		},
	})
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("(delayed) %v", out), nil
}
