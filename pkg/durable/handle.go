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

package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Handle is a thin façade over the engine and its drivers for one
// workflow instance, giving a host (or CLI) a narrow surface to message,
// recover, evict, cancel, or inspect a workflow without reaching
// into the engine internals.
type Handle struct {
	WorkflowID string
	engine     *Engine
}

// NewHandle builds a Handle bound to workflowID against engine's
// drivers.
func NewHandle(engine *Engine, workflowID string) *Handle {
	return &Handle{WorkflowID: workflowID, engine: engine}
}

// Message persists a message for this workflow via the message driver.
// When that driver cannot receive out-of-band, the message is also
// stored in the workflow's persisted messages. Live-mode delivery to a
// resident context is out of scope for this repository: this repository
// only implements Yield mode, so every Message call is picked up on the
// workflow's next Run.
func (h *Handle) Message(ctx context.Context, name string, data any) error {
	msg := &Message{ID: uuid.New().String(), Name: name, Data: data, SentAt: h.engine.now()}
	if err := h.engine.Messages.AddMessage(ctx, h.WorkflowID, msg); err != nil {
		return err
	}
	if h.engine.Messages.SupportsReceive() {
		return nil
	}
	mirror, err := Hydrate(ctx, h.engine.Driver, h.WorkflowID)
	if err != nil {
		return err
	}
	mirror.AddMessage(msg)
	return mirror.Flush(ctx, h.engine.Driver, h.engine.Notifier)
}

// Recover resets attempts to 0 and clears the error on every exhausted
// step's metadata, and moves a failed workflow back to running. It does
// not schedule a run: the steps are retried on the workflow's next Run.
func (h *Handle) Recover(ctx context.Context) error {
	mirror, err := Hydrate(ctx, h.engine.Driver, h.WorkflowID)
	if err != nil {
		return err
	}
	for _, md := range mirror.metadata {
		if md.Status == MetaExhausted {
			md.Status = MetaPending
			md.Attempts = 0
			md.Error = ""
			mirror.MarkMetaDirty(md)
		}
	}
	if mirror.State() == StateFailed {
		mirror.SetState(StateRunning)
	}
	return mirror.Flush(ctx, h.engine.Driver, h.engine.Notifier)
}

// Evict is a graceful stop request: a host adapting this engine is
// expected to cancel the std.Context passed into Run, which this method
// does not itself hold — callers running the host loop should cancel
// that context directly. Evict here only flips recorded state to
// sleeping-with-no-deadline so the host's wake scheduler treats the
// workflow as runnable again whenever it is next woken.
func (h *Handle) Evict(ctx context.Context) error {
	mirror, err := Hydrate(ctx, h.engine.Driver, h.WorkflowID)
	if err != nil {
		return err
	}
	if isTerminal(mirror.State()) {
		return nil
	}
	mirror.SetState(StateSleeping)
	return mirror.Flush(ctx, h.engine.Driver, h.engine.Notifier)
}

// Cancel is irrevocable: state becomes cancelled and the workflow never
// runs again.
func (h *Handle) Cancel(ctx context.Context) error {
	mirror, err := Hydrate(ctx, h.engine.Driver, h.WorkflowID)
	if err != nil {
		return err
	}
	if isTerminal(mirror.State()) {
		return fmt.Errorf("workflow %s already in terminal state %s", h.WorkflowID, mirror.State())
	}
	mirror.SetState(StateCancelled)
	return mirror.Flush(ctx, h.engine.Driver, h.engine.Notifier)
}

// GetState is a point-in-time read of the workflow's recorded state.
func (h *Handle) GetState(ctx context.Context) (WorkflowState, error) {
	mirror, err := Hydrate(ctx, h.engine.Driver, h.WorkflowID)
	if err != nil {
		return "", err
	}
	return mirror.State(), nil
}

// GetOutput is a point-in-time read of the workflow's recorded output
// and structured error, if any.
func (h *Handle) GetOutput(ctx context.Context) (output any, werr *WorkflowError, err error) {
	mirror, err := Hydrate(ctx, h.engine.Driver, h.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	return mirror.Output(), mirror.Err(), nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
