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
)

// Sleep creates or replays a sleep entry that elapses after d, measured
// from the moment the entry is first created (not from "now" on every
// replay) — the deadline is persisted, so replay observes the same
// deadline every time.
func (c *Context) Sleep(name string, d time.Duration) error {
	return c.SleepUntil(name, c.Now().Add(d))
}

// SleepUntil creates or replays a sleep entry with an explicit deadline.
func (c *Context) SleepUntil(name string, deadline time.Time) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.exit()

	if err := c.checkNameUnique(name); err != nil {
		return err
	}

	loc := c.location.AppendName(c.run.mirror.Names, name)
	c.markVisited(loc)

	entry := c.run.mirror.GetEntry(loc)
	if entry != nil && entry.Kind != KindSleep {
		return &HistoryDivergedError{Reason: fmt.Sprintf("expected sleep at %q, found %s", name, entry.Kind)}
	}

	if entry == nil {
		if c.mode == ModeRollback {
			return &RollbackStop{}
		}
		entry = c.run.mirror.CreateEntry(loc, KindSleep)
		entry.Sleep.DeadlineMS = deadline.UnixMilli()
		c.run.mirror.SetEntry(entry)
	}

	if entry.Sleep.State == SleepCompleted || entry.Sleep.State == SleepInterrupted {
		return nil
	}

	return c.waitOutSleep(entry)
}

// waitOutSleep applies the pending-sleep resolution rules of
// Context.Sleep and Context.SleepUntil. QueueNext resolves its own
// timeout deadline without it.
func (c *Context) waitOutSleep(entry *Entry) error {
	remaining := entry.Sleep.Deadline().Sub(c.Now())
	if remaining <= 0 {
		entry.Sleep.State = SleepCompleted
		c.run.mirror.MarkDirty(entry)
		return c.flush(c.std)
	}

	if remaining < c.run.driver.WorkerPollInterval() {
		select {
		case <-time.After(remaining):
		case <-c.std.Done():
			return &Evicted{}
		}
		entry.Sleep.State = SleepCompleted
		c.run.mirror.MarkDirty(entry)
		return c.flush(c.std)
	}

	return &Sleep{Deadline: entry.Sleep.Deadline()}
}
