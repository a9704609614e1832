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
	"sync"
	"time"
)

// memDriver is an in-memory PersistenceDriver for tests. It stores one
// Snapshot per workflow and serves Flush by merging the diff in, which
// is enough to exercise replay across repeated Engine.Run calls without
// a real database.
type memDriver struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
	poll      time.Duration
}

func newMemDriver() *memDriver {
	return &memDriver{snapshots: make(map[string]*Snapshot), poll: 2 * time.Second}
}

func (d *memDriver) Hydrate(_ context.Context, workflowID string) (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, ok := d.snapshots[workflowID]
	if !ok {
		return &Snapshot{State: StatePending}, nil
	}
	clone := *snap
	clone.Entries = append([]*Entry(nil), snap.Entries...)
	clone.Metadata = append([]*EntryMetadata(nil), snap.Metadata...)
	clone.Messages = append([]*Message(nil), snap.Messages...)
	clone.Names = append([]string(nil), snap.Names...)
	return &clone, nil
}

func (d *memDriver) Flush(_ context.Context, workflowID string, diff *Diff) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, ok := d.snapshots[workflowID]
	if !ok {
		snap = &Snapshot{State: StatePending}
		d.snapshots[workflowID] = snap
	}

	snap.Names = append(snap.Names, diff.AppendedNames...)

	byKey := make(map[string]int, len(snap.Entries))
	for i, e := range snap.Entries {
		byKey[e.Location.Key()] = i
	}
	for _, e := range diff.UpsertEntries {
		cp := *e
		if i, ok := byKey[e.Location.Key()]; ok {
			snap.Entries[i] = &cp
		} else {
			byKey[e.Location.Key()] = len(snap.Entries)
			snap.Entries = append(snap.Entries, &cp)
		}
	}

	byID := make(map[string]int, len(snap.Metadata))
	for i, md := range snap.Metadata {
		byID[md.EntryID] = i
	}
	for _, md := range diff.UpsertMeta {
		cp := *md
		if i, ok := byID[md.EntryID]; ok {
			snap.Metadata[i] = &cp
		} else {
			byID[md.EntryID] = len(snap.Metadata)
			snap.Metadata = append(snap.Metadata, &cp)
		}
	}

	snap.Messages = append(snap.Messages, diff.AddedMessages...)
	if len(diff.DeletedMessageIDs) > 0 {
		deleted := make(map[string]bool, len(diff.DeletedMessageIDs))
		for _, id := range diff.DeletedMessageIDs {
			deleted[id] = true
		}
		var kept []*Message
		for _, m := range snap.Messages {
			if !deleted[m.ID] {
				kept = append(kept, m)
			}
		}
		snap.Messages = kept
	}

	if diff.StateChanged {
		snap.State = diff.State
	}
	if diff.OutputChanged {
		snap.Output = diff.Output
	}
	if diff.ErrChanged {
		snap.Err = diff.Err
	}
	return nil
}

func (d *memDriver) DeleteEntries(_ context.Context, workflowID string, keys []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, ok := d.snapshots[workflowID]
	if !ok {
		return nil
	}
	toDelete := make(map[string]bool, len(keys))
	for _, k := range keys {
		toDelete[k] = true
	}
	var kept []*Entry
	for _, e := range snap.Entries {
		if !toDelete[e.Location.Key()] {
			kept = append(kept, e)
		}
	}
	snap.Entries = kept
	return nil
}

func (d *memDriver) WorkerPollInterval() time.Duration { return d.poll }

// memMessageDriver is an in-memory MessageDriver that does not support
// out-of-band receive, forcing Context.QueueNext to fall back to the
// storage mirror's buffered messages — matching how a minimal driver
// (or one still catching up after a restart) behaves.
type memMessageDriver struct {
	mu       sync.Mutex
	messages map[string][]*Message
}

func newMemMessageDriver() *memMessageDriver {
	return &memMessageDriver{messages: make(map[string][]*Message)}
}

func (m *memMessageDriver) SupportsReceive() bool { return false }

func (m *memMessageDriver) AddMessage(_ context.Context, workflowID string, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[workflowID] = append(m.messages[workflowID], msg)
	return nil
}

func (m *memMessageDriver) ReceiveMessages(context.Context, string, ReceiveOptions) ([]*Message, error) {
	return nil, ErrReceiveUnsupported{}
}

func (m *memMessageDriver) DeleteMessages(_ context.Context, workflowID string, ids []string) ([]string, error) {
	return ids, nil
}

func (m *memMessageDriver) CompleteMessage(context.Context, string, string, any) error { return nil }

// fixedClock returns a func() time.Time for Engine.Now that advances
// only when advance is called, giving tests deterministic control over
// backoff and sleep-deadline computation.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(start time.Time) *fixedClock { return &fixedClock{now: start} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
