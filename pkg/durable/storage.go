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
	"strings"
	"time"
)

// Mirror is the in-process mirror of a workflow's persisted history,
// metadata, messages, and top-level state. It is shared by every branch
// context of one workflow run: no locking is required for
// intra-workflow concurrency because only one run's single task ever
// touches it.
type Mirror struct {
	WorkflowID string

	Names *NameRegistry

	entries  map[string]*Entry
	metadata map[string]*EntryMetadata // keyed by entry ID

	messages          []*Message
	deletedMsgIDs     []string
	flushedMessageIDs map[string]bool

	state   WorkflowState
	output  any
	err     *WorkflowError

	flushedState  WorkflowState
	flushedOutput any
	flushedErr    *WorkflowError
	stateDirty    bool
	outputDirty   bool
	errDirty      bool
}

// NewMirror creates an empty mirror for a brand-new workflow instance.
func NewMirror(workflowID string) *Mirror {
	return &Mirror{
		WorkflowID: workflowID,
		Names:      NewNameRegistry(),
		entries:    make(map[string]*Entry),
		metadata:   make(map[string]*EntryMetadata),
		state:      StatePending,
	}
}

// Hydrate loads a Mirror from everything the driver has persisted for
// workflowID.
func Hydrate(ctx context.Context, driver PersistenceDriver, workflowID string) (*Mirror, error) {
	snap, err := driver.Hydrate(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	m := &Mirror{
		WorkflowID:    workflowID,
		Names:         HydrateNameRegistry(snap.Names),
		entries:       make(map[string]*Entry, len(snap.Entries)),
		metadata:      make(map[string]*EntryMetadata, len(snap.Metadata)),
		messages:      append([]*Message(nil), snap.Messages...),
		state:         snap.State,
		output:        snap.Output,
		err:           snap.Err,
		flushedState:  snap.State,
		flushedOutput: snap.Output,
		flushedErr:    snap.Err,
	}
	if m.state == "" {
		m.state = StatePending
	}
	for _, e := range snap.Entries {
		e.dirty = false
		m.entries[e.Location.Key()] = e
	}
	for _, md := range snap.Metadata {
		md.dirty = false
		m.metadata[md.EntryID] = md
	}
	return m, nil
}

// CreateEntry allocates a new, dirty entry of kind at loc. The caller
// must place it via SetEntry — kept as two steps so callers can mutate
// the payload before it becomes visible to lookups.
func (m *Mirror) CreateEntry(loc Location, kind EntryKind) *Entry {
	return NewEntry(loc, kind)
}

// SetEntry places e into the mirror under its location's canonical key.
func (m *Mirror) SetEntry(e *Entry) {
	e.dirty = true
	m.entries[e.Location.Key()] = e
}

// GetEntry returns the entry at loc, or nil if none exists.
func (m *Mirror) GetEntry(loc Location) *Entry {
	return m.entries[loc.Key()]
}

// MarkDirty flags an already-stored entry as needing a flush (used after
// in-place mutation of a payload already returned by GetEntry).
func (m *Mirror) MarkDirty(e *Entry) {
	e.dirty = true
}

// GetOrCreateMetadata returns the existing metadata for entryID, or
// creates and stores a pending record if none exists yet.
func (m *Mirror) GetOrCreateMetadata(entryID string, now time.Time) *EntryMetadata {
	if md, ok := m.metadata[entryID]; ok {
		return md
	}
	md := NewPendingMetadata(entryID, now)
	m.metadata[entryID] = md
	return md
}

// MarkMetaDirty flags metadata as needing a flush.
func (m *Mirror) MarkMetaDirty(md *EntryMetadata) {
	md.dirty = true
}

// AddMessage appends a message to the in-memory queue (used by the
// in-process fallback receive path and to track driver-delivered
// messages for local bookkeeping).
func (m *Mirror) AddMessage(msg *Message) {
	m.messages = append(m.messages, msg)
}

// TakeMessages removes and returns up to count in-memory messages whose
// Name is in names (or any name, if names is empty), oldest first.
func (m *Mirror) TakeMessages(names []string, count int) []*Message {
	match := func(n string) bool {
		if len(names) == 0 {
			return true
		}
		for _, want := range names {
			if want == n {
				return true
			}
		}
		return false
	}
	var taken []*Message
	var remaining []*Message
	for _, msg := range m.messages {
		if len(taken) < count && match(msg.Name) {
			taken = append(taken, msg)
			m.deletedMsgIDs = append(m.deletedMsgIDs, msg.ID)
			continue
		}
		remaining = append(remaining, msg)
	}
	m.messages = remaining
	return taken
}

// State returns the current workflow state.
func (m *Mirror) State() WorkflowState { return m.state }

// SetState transitions the workflow's top-level state.
func (m *Mirror) SetState(s WorkflowState) {
	if m.state == s {
		return
	}
	m.state = s
	m.stateDirty = true
}

// Output returns the current workflow output.
func (m *Mirror) Output() any { return m.output }

// SetOutput records the workflow's final output.
func (m *Mirror) SetOutput(v any) {
	m.output = v
	m.outputDirty = true
}

// Err returns the current structured workflow error, if any.
func (m *Mirror) Err() *WorkflowError { return m.err }

// SetErr records the workflow's final structured error.
func (m *Mirror) SetErr(e *WorkflowError) {
	m.err = e
	m.errDirty = true
}

// Flush writes every dirty entry, metadata record, message list change,
// and workflow-state diff through driver, then clears dirty flags and
// advances the flushed mirrors. If notifier is non-nil and anything
// changed, it is invoked with a read-only snapshot.
func (m *Mirror) Flush(ctx context.Context, driver PersistenceDriver, notifier HistoryNotifier) error {
	diff := &Diff{
		AppendedNames:     m.Names.PendingFlush(),
		DeletedMessageIDs: m.deletedMsgIDs,
	}

	var dirtyEntries []*Entry
	for _, e := range m.entries {
		if e.dirty {
			dirtyEntries = append(dirtyEntries, e)
		}
	}
	diff.UpsertEntries = dirtyEntries

	var dirtyMeta []*EntryMetadata
	for _, md := range m.metadata {
		if md.dirty {
			dirtyMeta = append(dirtyMeta, md)
		}
	}
	diff.UpsertMeta = dirtyMeta

	diff.AddedMessages = m.pendingNewMessages()

	if m.stateDirty {
		diff.State = m.state
		diff.StateChanged = true
	}
	if m.outputDirty {
		diff.Output = m.output
		diff.OutputChanged = true
	}
	if m.errDirty {
		diff.Err = m.err
		diff.ErrChanged = true
	}

	changed := len(diff.AppendedNames) > 0 || len(diff.UpsertEntries) > 0 ||
		len(diff.UpsertMeta) > 0 || len(diff.AddedMessages) > 0 || len(diff.DeletedMessageIDs) > 0 ||
		diff.StateChanged || diff.OutputChanged || diff.ErrChanged

	if err := driver.Flush(ctx, m.WorkflowID, diff); err != nil {
		return err
	}

	m.Names.MarkFlushed()
	for _, e := range dirtyEntries {
		e.dirty = false
	}
	for _, md := range dirtyMeta {
		md.dirty = false
	}
	m.markMessagesFlushed()
	m.deletedMsgIDs = nil
	m.stateDirty = false
	m.flushedState = m.state
	m.outputDirty = false
	m.flushedOutput = m.output
	m.errDirty = false
	m.flushedErr = m.err

	if changed && notifier != nil {
		notifier.NotifyHistoryUpdate(ctx, m.Snapshot())
	}
	return nil
}

// pendingNewMessages returns in-memory messages that have not yet been
// reported to the driver as "added", so repeated flushes don't resend
// them.
func (m *Mirror) pendingNewMessages() []*Message {
	var out []*Message
	for _, msg := range m.messages {
		if !m.flushedMessageIDs[msg.ID] {
			out = append(out, msg)
		}
	}
	return out
}

func (m *Mirror) markMessagesFlushed() {
	if m.flushedMessageIDs == nil {
		m.flushedMessageIDs = make(map[string]bool)
	}
	for _, msg := range m.messages {
		m.flushedMessageIDs[msg.ID] = true
	}
}

// Snapshot builds a read-only HistorySnapshot of the current mirror
// state for HistoryNotifier consumers.
func (m *Mirror) Snapshot() *HistorySnapshot {
	entries := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	meta := make(map[string]*EntryMetadata, len(m.metadata))
	for k, v := range m.metadata {
		meta[k] = v
	}
	return &HistorySnapshot{
		WorkflowID: m.WorkflowID,
		Names:      m.Names.All(),
		Entries:    entries,
		Metadata:   meta,
		State:      m.state,
	}
}

// DeleteEntriesWithPrefix removes, in memory and through driver, every
// entry whose key starts with "prefix/" or equals prefix exactly.
func (m *Mirror) DeleteEntriesWithPrefix(ctx context.Context, driver PersistenceDriver, prefix string) error {
	var keys []string
	for k := range m.entries {
		if k == prefix || strings.HasPrefix(k, prefix+"/") {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	for _, k := range keys {
		if e, ok := m.entries[k]; ok {
			delete(m.metadata, e.ID)
		}
		delete(m.entries, k)
	}
	return driver.DeleteEntries(ctx, m.WorkflowID, keys)
}
