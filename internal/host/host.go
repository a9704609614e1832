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

// Package host drives durable workflow instances to completion outside
// of a request/response cycle: it polls the ones that are sleeping on a
// deadline or waiting on a message and re-invokes the engine for each
// once that deadline has passed.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/conductor/pkg/durable"
)

// Registry maps a workflow kind name to the Go function that implements
// it. A workflow instance submitted under a kind must keep resolving to
// a structurally-identical WorkflowFunc for as long as it runs: the
// kind name, not the instance ID, is what selects the code to replay
// against.
type Registry map[string]durable.WorkflowFunc

// pending is one workflow instance the host is responsible for waking.
type pending struct {
	kind   string
	input  any
	wakeAt time.Time // zero means "try again on the next tick"
}

// Host polls an Engine's PersistenceDriver-backed workflows and
// re-invokes the engine once each one's recorded wake condition is due.
// It is the adapted host loop a process embedding pkg/durable is
// expected to run alongside whatever submits new workflow instances.
type Host struct {
	Engine *durable.Engine
	Logger *slog.Logger

	registry Registry

	mu      sync.Mutex
	pending map[string]*pending
}

// New builds a Host that dispatches submitted workflows to registry by
// kind.
func New(engine *durable.Engine, registry Registry, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		Engine:   engine,
		Logger:   logger,
		registry: registry,
		pending:  make(map[string]*pending),
	}
}

// Submit runs workflowID for the first time (or resumes it, if it was
// already mid-flight) against the WorkflowFunc registered under kind,
// and registers it for polling if it did not finish synchronously.
func (h *Host) Submit(ctx context.Context, workflowID, kind string, input any) (durable.Result, error) {
	fn, ok := h.registry[kind]
	if !ok {
		return durable.Result{}, fmt.Errorf("host: no workflow registered for kind %q", kind)
	}
	result, err := h.Engine.Run(ctx, workflowID, fn, input)
	if err != nil {
		return result, err
	}
	h.track(workflowID, kind, input, result)
	return result, nil
}

func (h *Host) track(workflowID, kind string, input any, result durable.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if isTerminal(result.State) {
		delete(h.pending, workflowID)
		return
	}

	p := &pending{kind: kind, input: input}
	if !result.SleepUntil.IsZero() {
		p.wakeAt = result.SleepUntil
	}
	h.pending[workflowID] = p
}

// Run polls at the engine's configured WorkerPollInterval until ctx is
// cancelled, re-invoking the engine for every tracked workflow whose
// wake time has arrived.
func (h *Host) Run(ctx context.Context) error {
	interval := h.Engine.Driver.WorkerPollInterval()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Host) tick(ctx context.Context) {
	now := h.Engine.Now
	if now == nil {
		now = time.Now
	}

	h.mu.Lock()
	due := make([]string, 0, len(h.pending))
	for id, p := range h.pending {
		if p.wakeAt.IsZero() || !now().Before(p.wakeAt) {
			due = append(due, id)
		}
	}
	h.mu.Unlock()

	for _, id := range due {
		h.mu.Lock()
		p, ok := h.pending[id]
		h.mu.Unlock()
		if !ok {
			continue
		}

		fn, ok := h.registry[p.kind]
		if !ok {
			h.Logger.Warn("workflow kind no longer registered", "workflow_id", id, "kind", p.kind)
			continue
		}

		result, err := h.Engine.Run(ctx, id, fn, p.input)
		if err != nil {
			h.Logger.Error("workflow wake failed", "workflow_id", id, "error", err)
			continue
		}
		h.track(id, p.kind, p.input, result)
	}
}

func isTerminal(s durable.WorkflowState) bool {
	return s == durable.StateCompleted || s == durable.StateFailed || s == durable.StateCancelled
}
