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

package host

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/pkg/durable"
)

// memDriver is a minimal in-memory durable.PersistenceDriver, grounded on
// pkg/durable's own test fakes but kept local since those are unexported.
type memDriver struct {
	mu   sync.Mutex
	snap map[string]*durable.Snapshot
}

func newMemDriver() *memDriver { return &memDriver{snap: make(map[string]*durable.Snapshot)} }

func (d *memDriver) Hydrate(_ context.Context, workflowID string) (*durable.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.snap[workflowID]; ok {
		return s, nil
	}
	return &durable.Snapshot{State: durable.StatePending}, nil
}

func (d *memDriver) Flush(_ context.Context, workflowID string, diff *durable.Diff) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.snap[workflowID]
	if !ok {
		s = &durable.Snapshot{State: durable.StatePending}
		d.snap[workflowID] = s
	}
	s.Names = append(s.Names, diff.AppendedNames...)
	for _, e := range diff.UpsertEntries {
		s.Entries = append(s.Entries, e)
	}
	for _, m := range diff.UpsertMeta {
		s.Metadata = append(s.Metadata, m)
	}
	s.Messages = append(s.Messages, diff.AddedMessages...)
	if diff.StateChanged {
		s.State = diff.State
	}
	if diff.OutputChanged {
		s.Output = diff.Output
	}
	if diff.ErrChanged {
		s.Err = diff.Err
	}
	return nil
}

func (d *memDriver) DeleteEntries(_ context.Context, workflowID string, keys []string) error {
	return nil
}

func (d *memDriver) WorkerPollInterval() time.Duration { return 10 * time.Millisecond }

type memMessages struct{}

func (memMessages) SupportsReceive() bool                                      { return false }
func (memMessages) AddMessage(context.Context, string, *durable.Message) error { return nil }
func (memMessages) ReceiveMessages(context.Context, string, durable.ReceiveOptions) ([]*durable.Message, error) {
	return nil, durable.ErrReceiveUnsupported{}
}
func (memMessages) DeleteMessages(context.Context, string, []string) ([]string, error) {
	return nil, nil
}
func (memMessages) CompleteMessage(context.Context, string, string, any) error { return nil }

func testHost() (*Host, *memDriver) {
	driver := newMemDriver()
	engine := durable.NewEngine(driver, memMessages{}, nil, nil)
	reg := Registry{
		"echo": func(ctx *durable.Context, input any) (any, error) {
			return input, nil
		},
		"sleeper": func(ctx *durable.Context, input any) (any, error) {
			if err := ctx.Sleep("wait", 20*time.Millisecond); err != nil {
				return nil, err
			}
			return "woke", nil
		},
	}
	return New(engine, reg, nil), driver
}

func TestHost_SubmitUnknownKindErrors(t *testing.T) {
	h, _ := testHost()
	_, err := h.Submit(context.Background(), "wf-1", "missing", nil)
	require.Error(t, err)
}

func TestHost_SubmitCompletesSynchronously(t *testing.T) {
	h, _ := testHost()
	result, err := h.Submit(context.Background(), "wf-1", "echo", "hi")
	require.NoError(t, err)
	require.Equal(t, durable.StateCompleted, result.State)
	require.Equal(t, "hi", result.Output)

	h.mu.Lock()
	_, tracked := h.pending["wf-1"]
	h.mu.Unlock()
	require.False(t, tracked, "terminal workflows are not tracked for polling")
}

func TestHost_SubmitTracksSleepingWorkflowUntilWoken(t *testing.T) {
	h, _ := testHost()
	result, err := h.Submit(context.Background(), "wf-2", "sleeper", nil)
	require.NoError(t, err)
	require.Equal(t, durable.StateSleeping, result.State)

	h.mu.Lock()
	_, tracked := h.pending["wf-2"]
	h.mu.Unlock()
	require.True(t, tracked)

	time.Sleep(30 * time.Millisecond)
	h.tick(context.Background())

	h.mu.Lock()
	_, stillTracked := h.pending["wf-2"]
	h.mu.Unlock()
	require.False(t, stillTracked, "workflow should have completed and been untracked after waking")
}

func TestHost_RunStopsOnContextCancel(t *testing.T) {
	h, _ := testHost()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := h.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
