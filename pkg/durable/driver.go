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
	"time"
)

// Snapshot is everything a PersistenceDriver persists for one workflow
// instance, as returned by Hydrate.
type Snapshot struct {
	Names    []string
	Entries  []*Entry
	Metadata []*EntryMetadata // optional: absent metadata defaults to pending on first access
	Messages []*Message
	State    WorkflowState
	Output   any
	Err      *WorkflowError
}

// Diff is the set of changes a Mirror.Flush asks the driver to persist.
type Diff struct {
	AppendedNames []string
	UpsertEntries []*Entry
	UpsertMeta    []*EntryMetadata
	AddedMessages []*Message
	DeletedMessageIDs []string

	State         WorkflowState
	StateChanged  bool
	Output        any
	OutputChanged bool
	Err           *WorkflowError
	ErrChanged    bool
}

// PersistenceDriver is the contract the engine consumes for durable
// storage of workflow history, metadata, messages, and top-level state.
// Out of scope for this repo: the storage backend's own
// durability/replication — the engine only requires the interface below.
type PersistenceDriver interface {
	// Hydrate loads everything persisted for workflowID. A workflow with
	// no prior history returns a zero-value Snapshot (State ==
	// StatePending) and a nil error.
	Hydrate(ctx context.Context, workflowID string) (*Snapshot, error)

	// Flush persists diff. Implementations must apply the whole diff
	// atomically: a partial flush would let a later read observe a
	// struct-divergent history.
	Flush(ctx context.Context, workflowID string, diff *Diff) error

	// DeleteEntries removes, both in the driver and (by the caller) in
	// memory, every entry whose key is in keys.
	DeleteEntries(ctx context.Context, workflowID string, keys []string) error

	// WorkerPollInterval is the threshold below which Context.Sleep may
	// be honored in-process instead of yielding Sleep to the scheduler.
	WorkerPollInterval() time.Duration
}

// ReceiveOptions configures MessageDriver.ReceiveMessages.
type ReceiveOptions struct {
	Names       []string // empty means accept any name
	Count       int
	Completable bool
}

// MessageDriver is the contract the engine consumes for the message
// transport. Out of scope for this repo: the queue driver
// itself — the engine only requires the interface below.
type MessageDriver interface {
	// SupportsReceive reports whether ReceiveMessages can actually claim
	// messages out-of-band. When false, Context.QueueSend also buffers
	// the message in the storage mirror so Context.QueueNext can match
	// against it locally.
	SupportsReceive() bool

	// AddMessage persists one message for workflowID.
	AddMessage(ctx context.Context, workflowID string, msg *Message) error

	// ReceiveMessages attempts a non-blocking claim of up to
	// opts.Count messages. A driver that does not support out-of-band
	// receive may return ErrReceiveUnsupported, in which case the
	// engine falls back to matching against AddMessage-buffered
	// messages it already knows about.
	ReceiveMessages(ctx context.Context, workflowID string, opts ReceiveOptions) ([]*Message, error)

	// DeleteMessages removes the given message ids and returns the
	// subset actually removed.
	DeleteMessages(ctx context.Context, workflowID string, ids []string) ([]string, error)

	// CompleteMessage acknowledges a completable message. Drivers that
	// do not distinguish "delete" from "complete" may implement this as
	// DeleteMessages of a single id.
	CompleteMessage(ctx context.Context, workflowID string, id string, response any) error
}

// ErrReceiveUnsupported is returned by a MessageDriver.ReceiveMessages
// implementation that has no out-of-band receive capability.
type ErrReceiveUnsupported struct{}

func (ErrReceiveUnsupported) Error() string { return "message driver does not support receive" }

// HistorySnapshot is what the engine hands to a HistoryNotifier after
// every successful flush: a read-only view suitable for dashboards.
type HistorySnapshot struct {
	WorkflowID string
	Names      []string
	Entries    []*Entry // dirty flags cleared
	Metadata   map[string]*EntryMetadata
	State      WorkflowState
}

// HistoryNotifier is called after every successful flush that changed at
// least one entry. Implementations must not block the calling run for
// long; the engine does not retry a failed notification.
type HistoryNotifier interface {
	NotifyHistoryUpdate(ctx context.Context, snapshot *HistorySnapshot)
}
