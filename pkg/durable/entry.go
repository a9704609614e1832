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
	"time"

	"github.com/google/uuid"
)

// EntryKind discriminates the payload carried by an Entry.
type EntryKind string

const (
	KindStep               EntryKind = "step"
	KindLoop               EntryKind = "loop"
	KindSleep              EntryKind = "sleep"
	KindMessage            EntryKind = "message"
	KindRollbackCheckpoint EntryKind = "rollback_checkpoint"
	KindJoin               EntryKind = "join"
	KindRace               EntryKind = "race"
	KindRemoved            EntryKind = "removed"
)

// SleepState is the tri-state lifecycle of a sleep entry.
type SleepState string

const (
	SleepPending     SleepState = "pending"
	SleepCompleted   SleepState = "completed"
	SleepInterrupted SleepState = "interrupted"
)

// BranchStatus is the lifecycle of one join/race branch.
type BranchStatus string

const (
	BranchPending   BranchStatus = "pending"
	BranchRunning   BranchStatus = "running"
	BranchCompleted BranchStatus = "completed"
	BranchFailed    BranchStatus = "failed"
	BranchCancelled BranchStatus = "cancelled"
)

// BranchRecord is the recorded state of one join/race branch.
type BranchRecord struct {
	Status BranchStatus `json:"status"`
	Output any          `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// StepPayload is the kind-specific data for a KindStep entry. The step
// is completed iff Output is non-nil (completed-once).
type StepPayload struct {
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (p *StepPayload) Completed() bool { return p.Output != nil }

// LoopPayload is the kind-specific data for a KindLoop entry.
type LoopPayload struct {
	State     any `json:"state,omitempty"`
	Iteration int `json:"iteration"`
	Output    any `json:"output,omitempty"`
}

func (p *LoopPayload) Completed() bool { return p.Output != nil }

// SleepPayload is the kind-specific data for a KindSleep entry.
type SleepPayload struct {
	DeadlineMS int64      `json:"deadline_ms"`
	State      SleepState `json:"state"`
}

// Deadline returns the sleep's deadline as a time.Time.
func (p *SleepPayload) Deadline() time.Time {
	return time.UnixMilli(p.DeadlineMS)
}

// MessagePayload is the kind-specific data for a KindMessage entry. It is
// used both for recorded queue.next message slots ("<name>:i") and for
// count markers ("<name>:count", where Data carries the integer count).
type MessagePayload struct {
	Name string `json:"name"`
	Data any    `json:"data,omitempty"`
}

// RollbackCheckpointPayload is the kind-specific data for a
// KindRollbackCheckpoint entry.
type RollbackCheckpointPayload struct {
	Name string `json:"name"`
}

// JoinPayload is the kind-specific data for a KindJoin entry.
type JoinPayload struct {
	Branches map[string]*BranchRecord `json:"branches"`
}

// RacePayload is the kind-specific data for a KindRace entry.
type RacePayload struct {
	Winner   string                   `json:"winner,omitempty"`
	Branches map[string]*BranchRecord `json:"branches"`
}

// RemovedPayload is the kind-specific data for a KindRemoved entry.
type RemovedPayload struct {
	OriginalType EntryKind `json:"original_type"`
	OriginalName string    `json:"original_name,omitempty"`
}

// Entry is one node of workflow history, identified by its Location and
// a unique ID. Exactly one of the Kind-specific payload fields is set,
// matching Kind.
type Entry struct {
	ID       string
	Location Location
	Kind     EntryKind

	Step               *StepPayload
	Loop               *LoopPayload
	Sleep              *SleepPayload
	Message            *MessagePayload
	RollbackCheckpoint *RollbackCheckpointPayload
	Join               *JoinPayload
	Race               *RacePayload
	Removed            *RemovedPayload

	dirty bool
}

// NewEntry allocates an entry of the given kind at location with a fresh
// ID and an empty, kind-appropriate payload. The caller is responsible
// for placing it into the storage mirror via Mirror.SetEntry.
func NewEntry(loc Location, kind EntryKind) *Entry {
	e := &Entry{ID: uuid.New().String(), Location: loc, Kind: kind, dirty: true}
	switch kind {
	case KindStep:
		e.Step = &StepPayload{}
	case KindLoop:
		e.Loop = &LoopPayload{}
	case KindSleep:
		e.Sleep = &SleepPayload{State: SleepPending}
	case KindMessage:
		e.Message = &MessagePayload{}
	case KindRollbackCheckpoint:
		e.RollbackCheckpoint = &RollbackCheckpointPayload{}
	case KindJoin:
		e.Join = &JoinPayload{Branches: make(map[string]*BranchRecord)}
	case KindRace:
		e.Race = &RacePayload{Branches: make(map[string]*BranchRecord)}
	case KindRemoved:
		e.Removed = &RemovedPayload{}
	}
	return e
}

// MetadataStatus is the lifecycle of an entry's retry/attempt metadata.
type MetadataStatus string

const (
	MetaPending   MetadataStatus = "pending"
	MetaRunning   MetadataStatus = "running"
	MetaCompleted MetadataStatus = "completed"
	MetaFailed    MetadataStatus = "failed"
	MetaExhausted MetadataStatus = "exhausted"
)

// EntryMetadata drives retry scheduling. History payloads (Entry) are
// authoritative for the result; metadata is authoritative for whether an
// attempt has succeeded.
type EntryMetadata struct {
	EntryID  string
	Status   MetadataStatus
	Error    string
	Attempts int

	LastAttemptAt      time.Time
	CreatedAt          time.Time
	CompletedAt        time.Time
	RollbackCompletedAt time.Time
	RollbackError      string

	dirty bool
}

// NewPendingMetadata creates a fresh pending metadata record for entryID.
func NewPendingMetadata(entryID string, now time.Time) *EntryMetadata {
	return &EntryMetadata{EntryID: entryID, Status: MetaPending, CreatedAt: now, dirty: true}
}

// Message is one queued, persisted message available to queue.next.
type Message struct {
	ID     string
	Name   string
	Data   any
	SentAt time.Time
}

// WorkflowState is the top-level lifecycle of a workflow instance.
type WorkflowState string

const (
	StatePending     WorkflowState = "pending"
	StateRunning     WorkflowState = "running"
	StateSleeping    WorkflowState = "sleeping"
	StateCompleted   WorkflowState = "completed"
	StateFailed      WorkflowState = "failed"
	StateCancelled   WorkflowState = "cancelled"
	StateRollingBack WorkflowState = "rolling_back"
)

// WorkflowError is the structured, final persisted error record for a
// workflow that ended in StateFailed.
type WorkflowError struct {
	Name     string         `json:"name"`
	Message  string         `json:"message"`
	Stack    string         `json:"stack,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (e *WorkflowError) Error() string { return e.Name + ": " + e.Message }
