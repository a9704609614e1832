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
	"log/slog"
)

// LocalQueue is a MessageDriver with no out-of-band transport: message
// durability comes entirely from the engine's PersistenceDriver, which
// already records every sent message in the workflow's own history via
// Mirror.AddMessage/Diff.AddedMessages. LocalQueue exists so a host with
// no Redis configured still has a MessageDriver to hand the engine; it
// never claims messages out-of-band, so QueueNext always falls back to
// matching against messages the mirror already buffered locally.
type LocalQueue struct{}

func (LocalQueue) SupportsReceive() bool { return false }

func (LocalQueue) AddMessage(ctx context.Context, workflowID string, msg *Message) error {
	return nil
}

func (LocalQueue) ReceiveMessages(ctx context.Context, workflowID string, opts ReceiveOptions) ([]*Message, error) {
	return nil, ErrReceiveUnsupported{}
}

func (LocalQueue) DeleteMessages(ctx context.Context, workflowID string, ids []string) ([]string, error) {
	return ids, nil
}

func (LocalQueue) CompleteMessage(ctx context.Context, workflowID string, id string, response any) error {
	return nil
}

// LogNotifier is a HistoryNotifier that logs one line per flush, for
// hosts that have no dashboard subscribing to history updates.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) NotifyHistoryUpdate(ctx context.Context, snapshot *HistorySnapshot) {
	if n.Logger == nil {
		return
	}
	n.Logger.Debug("workflow history updated",
		"workflow_id", snapshot.WorkflowID,
		"state", snapshot.State,
		"entries", len(snapshot.Entries),
	)
}
