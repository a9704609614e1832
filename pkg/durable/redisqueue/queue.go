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

// Package redisqueue implements durable.MessageDriver over Redis lists,
// for hosts that want message delivery shared across worker processes
// rather than buffered only in one engine run's storage mirror.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/conductor/pkg/durable"
)

// Queue is a durable.MessageDriver backed by a Redis list per
// (workflowID, message name). Messages are pushed with RPUSH and claimed
// with LPOP, giving per-name FIFO delivery.
type Queue struct {
	client *redis.Client
}

// New wraps an already-configured *redis.Client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

type wireMessage struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	SentAtUTC int64           `json:"sent_at_unix_ms"`
}

func key(workflowID, name string) string {
	return fmt.Sprintf("conductor:durable:msgs:%s:%s", workflowID, name)
}

func pendingSetKey(workflowID string) string {
	return fmt.Sprintf("conductor:durable:pending:%s", workflowID)
}

// SupportsReceive implements durable.MessageDriver: Redis lists give us
// real out-of-band claiming.
func (q *Queue) SupportsReceive() bool { return true }

// AddMessage implements durable.MessageDriver.
func (q *Queue) AddMessage(ctx context.Context, workflowID string, msg *durable.Message) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	wire := wireMessage{ID: msg.ID, Name: msg.Name, Data: data, SentAtUTC: msg.SentAt.UnixMilli()}
	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", msg.ID, err)
	}
	return q.client.RPush(ctx, key(workflowID, msg.Name), payload).Err()
}

// ReceiveMessages implements durable.MessageDriver: a non-blocking LPOP
// loop up to opts.Count, across opts.Names (or a single implicit name
// the caller encodes into Names when none is given).
func (q *Queue) ReceiveMessages(ctx context.Context, workflowID string, opts durable.ReceiveOptions) ([]*durable.Message, error) {
	if len(opts.Names) == 0 {
		return nil, nil
	}
	count := opts.Count
	if count <= 0 {
		count = 1
	}

	var out []*durable.Message
	for _, name := range opts.Names {
		for len(out) < count {
			payload, err := q.client.LPop(ctx, key(workflowID, name)).Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return out, fmt.Errorf("receive from %s: %w", name, err)
			}
			var wire wireMessage
			if err := json.Unmarshal([]byte(payload), &wire); err != nil {
				return out, fmt.Errorf("decode message: %w", err)
			}
			msg := &durable.Message{ID: wire.ID, Name: wire.Name, SentAt: time.UnixMilli(wire.SentAtUTC)}
			if err := json.Unmarshal(wire.Data, &msg.Data); err != nil {
				return out, fmt.Errorf("decode message %s data: %w", wire.ID, err)
			}
			if opts.Completable {
				if err := q.client.HSet(ctx, pendingSetKey(workflowID), wire.ID, payload).Err(); err != nil {
					return out, fmt.Errorf("track completable %s: %w", wire.ID, err)
				}
			}
			out = append(out, msg)
		}
		if len(out) >= count {
			break
		}
	}
	return out, nil
}

// DeleteMessages implements durable.MessageDriver. Since messages are
// already removed from their list by ReceiveMessages' LPOP, this only
// clears completable bookkeeping for ids that were never completed.
func (q *Queue) DeleteMessages(ctx context.Context, workflowID string, ids []string) ([]string, error) {
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := q.client.HDel(ctx, pendingSetKey(workflowID), id).Result()
		if err != nil {
			return removed, fmt.Errorf("delete message %s: %w", id, err)
		}
		if n > 0 {
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// CompleteMessage implements durable.MessageDriver: acknowledging a
// completable message just clears its pending-completion bookkeeping.
// response is accepted for interface symmetry with drivers that forward
// acknowledgement payloads to an external system; this driver has none.
func (q *Queue) CompleteMessage(ctx context.Context, workflowID string, id string, response any) error {
	return q.client.HDel(ctx, pendingSetKey(workflowID), id).Err()
}
