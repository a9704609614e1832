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
	"fmt"
	"time"

	"github.com/google/uuid"
)

// completableMarker tags a message body that is a serialized
// CompletableMessageEnvelope rather than a bare user payload, so replay
// can tell the two apart byte-for-byte.
const completableMarker = "conductor.durable.completable/v1"

// CompletableMessageEnvelope is the wire shape persisted inside a
// message entry's Data when the message was received with
// Completable: true.
type CompletableMessageEnvelope struct {
	Marker    string `json:"marker"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Body      any    `json:"body"`
	CreatedAt int64  `json:"created_at_ms"`
	Completed bool   `json:"completed"`
}

// QueueMessage is one message returned from Context.QueueNext.
type QueueMessage struct {
	ID        string
	Name      string
	Body      any
	Completed bool

	ctx         *Context
	loc         Location
	completable bool
}

// Complete acknowledges a completable message: it asks the message
// driver to complete/delete the underlying message, records completion
// in history, clears the outstanding-completable lock, and flushes.
// Calling Complete on a message that isn't completable, or completing
// the same message twice, is an error.
func (m *QueueMessage) Complete(response any) error {
	if !m.completable {
		return fmt.Errorf("message %q is not completable", m.Name)
	}
	if m.Completed {
		return fmt.Errorf("message %q already completed", m.Name)
	}

	if err := m.ctx.run.msgs.CompleteMessage(m.ctx.std, m.ctx.run.mirror.WorkflowID, m.ID, response); err != nil {
		return err
	}

	entry := m.ctx.run.mirror.GetEntry(m.loc)
	if entry != nil && entry.Kind == KindMessage {
		if env, ok := entry.Message.Data.(*CompletableMessageEnvelope); ok {
			env.Completed = true
		}
		m.ctx.run.mirror.MarkDirty(entry)
	}

	m.Completed = true
	m.ctx.run.outstandingCompletable = false
	return m.ctx.flush(m.ctx.std)
}

// QueueSend constructs a message and hands it to the message driver. If
// the driver does not own receive, the message is also buffered locally
// so a same-workflow QueueNext can match against it.
func (c *Context) QueueSend(name string, body any) (sendErr error) {
	_, endSpan := c.run.telemetry.span(c.std, "queue_send", map[string]any{"name": name})
	defer func() { endSpan(sendErr) }()

	msg := &Message{ID: uuid.New().String(), Name: name, Data: body, SentAt: c.Now()}
	if err := c.run.msgs.AddMessage(c.std, c.run.mirror.WorkflowID, msg); err != nil {
		return err
	}
	if !c.run.msgs.SupportsReceive() {
		c.run.mirror.AddMessage(msg)
	}
	return nil
}

// QueueNextOptions configures Context.QueueNext.
type QueueNextOptions struct {
	Names       []string
	Count       int
	Timeout     time.Duration // zero means wait indefinitely
	Completable bool
}

// QueueNext resolves (or replays) one queue.next call. A call that
// resolves with k messages leaves exactly k "<name>:i" message entries
// and one "<name>:count" entry in history.
func (c *Context) QueueNext(name string, opts QueueNextOptions) (msgs []*QueueMessage, queueErr error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.exit()

	_, endSpan := c.run.telemetry.span(c.std, "queue_next", map[string]any{"name": name})
	defer func() { endSpan(queueErr) }()

	if opts.Count <= 0 {
		opts.Count = 1
	}

	if opts.Completable && c.run.outstandingCompletable {
		return nil, fmt.Errorf("at most one outstanding completable message is allowed per workflow")
	}

	if err := c.checkNameUnique(name); err != nil {
		return nil, err
	}

	countName := name + ":count"
	countLoc := c.location.AppendName(c.run.mirror.Names, countName)
	c.markVisited(countLoc)

	if countEntry := c.run.mirror.GetEntry(countLoc); countEntry != nil {
		if countEntry.Kind != KindMessage {
			return nil, &HistoryDivergedError{Reason: fmt.Sprintf("expected message count at %q, found %s", countName, countEntry.Kind)}
		}
		k := toInt(countEntry.Message.Data)
		return c.replayMessages(name, k, opts.Completable)
	}

	if c.mode == ModeRollback {
		return nil, &RollbackStop{}
	}

	var deadlineEntry *Entry
	if opts.Timeout > 0 {
		deadlineName := name + ":deadline"
		deadlineLoc := c.location.AppendName(c.run.mirror.Names, deadlineName)
		c.markVisited(deadlineLoc)

		deadlineEntry = c.run.mirror.GetEntry(deadlineLoc)
		if deadlineEntry == nil {
			deadlineEntry = c.run.mirror.CreateEntry(deadlineLoc, KindSleep)
			deadlineEntry.Sleep.DeadlineMS = c.Now().Add(opts.Timeout).UnixMilli()
			c.run.mirror.SetEntry(deadlineEntry)
		}

		if deadlineEntry.Sleep.State == SleepPending && !c.Now().Before(deadlineEntry.Sleep.Deadline()) {
			deadlineEntry.Sleep.State = SleepCompleted
			c.run.mirror.MarkDirty(deadlineEntry)
			c.recordCount(countLoc, name, 0)
			if err := c.flush(c.std); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}

	received, err := c.receiveFromDriver(name, opts)
	if err != nil {
		return nil, err
	}

	if len(received) > 0 {
		if deadlineEntry != nil && deadlineEntry.Sleep.State == SleepPending {
			deadlineEntry.Sleep.State = SleepInterrupted
			c.run.mirror.MarkDirty(deadlineEntry)
		}
		out := make([]*QueueMessage, 0, len(received))
		for i, msg := range received {
			slotName := fmt.Sprintf("%s:%d", name, i)
			slotLoc := c.location.AppendName(c.run.mirror.Names, slotName)
			entry := c.run.mirror.CreateEntry(slotLoc, KindMessage)
			entry.Message.Name = msg.Name

			if opts.Completable {
				env := &CompletableMessageEnvelope{
					Marker:    completableMarker,
					ID:        msg.ID,
					Name:      msg.Name,
					Body:      msg.Data,
					CreatedAt: msg.SentAt.UnixMilli(),
				}
				entry.Message.Data = env
			} else {
				entry.Message.Data = msg.Data
			}
			c.run.mirror.SetEntry(entry)

			out = append(out, &QueueMessage{
				ID: msg.ID, Name: msg.Name, Body: msg.Data,
				ctx: c, loc: slotLoc, completable: opts.Completable,
			})
		}
		c.recordCount(countLoc, name, len(received))
		if opts.Completable {
			c.run.outstandingCompletable = true
		}
		if err := c.flush(c.std); err != nil {
			return nil, err
		}
		return out, nil
	}

	if opts.Timeout > 0 {
		return nil, &Sleep{Deadline: deadlineEntry.Sleep.Deadline(), WaitingForMessages: opts.Names}
	}
	return nil, &MessageWait{Names: opts.Names}
}

func (c *Context) recordCount(loc Location, name string, k int) {
	entry := c.run.mirror.CreateEntry(loc, KindMessage)
	entry.Message.Name = name + ":count"
	entry.Message.Data = k
	c.run.mirror.SetEntry(entry)
}

func (c *Context) receiveFromDriver(name string, opts QueueNextOptions) ([]*Message, error) {
	recvOpts := ReceiveOptions{Names: opts.Names, Count: opts.Count, Completable: opts.Completable}
	if len(recvOpts.Names) == 0 {
		recvOpts.Names = []string{name}
	}

	if c.run.msgs.SupportsReceive() {
		return c.run.msgs.ReceiveMessages(c.std, c.run.mirror.WorkflowID, recvOpts)
	}
	return c.run.mirror.TakeMessages(recvOpts.Names, recvOpts.Count), nil
}

func (c *Context) replayMessages(name string, k int, completable bool) ([]*QueueMessage, error) {
	out := make([]*QueueMessage, 0, k)
	for i := 0; i < k; i++ {
		slotName := fmt.Sprintf("%s:%d", name, i)
		slotLoc := c.location.AppendName(c.run.mirror.Names, slotName)
		c.markVisited(slotLoc)

		entry := c.run.mirror.GetEntry(slotLoc)
		if entry == nil || entry.Kind != KindMessage {
			return nil, &HistoryDivergedError{Reason: fmt.Sprintf("expected message slot at %q", slotName)}
		}

		qm := &QueueMessage{ctx: c, loc: slotLoc, completable: completable}
		if env, ok := entry.Message.Data.(*CompletableMessageEnvelope); ok {
			qm.ID, qm.Name, qm.Body, qm.Completed = env.ID, env.Name, env.Body, env.Completed
		} else {
			qm.Name = entry.Message.Name
			qm.Body = entry.Message.Data
		}
		out = append(out, qm)
	}
	return out, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
