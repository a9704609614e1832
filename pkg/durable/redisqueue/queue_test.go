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

package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/pkg/durable"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestQueue_AddThenReceiveIsFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	workflowID := "wf-1"

	for i, text := range []string{"first", "second", "third"} {
		msg := &durable.Message{ID: "m" + string(rune('1'+i)), Name: "greeting", Data: text, SentAt: time.Now()}
		require.NoError(t, q.AddMessage(ctx, workflowID, msg))
	}

	got, err := q.ReceiveMessages(ctx, workflowID, durable.ReceiveOptions{Names: []string{"greeting"}, Count: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "first", got[0].Data)
	require.Equal(t, "second", got[1].Data)

	rest, err := q.ReceiveMessages(ctx, workflowID, durable.ReceiveOptions{Names: []string{"greeting"}, Count: 5})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "third", rest[0].Data)
}

func TestQueue_ReceiveEmptyQueueReturnsNothing(t *testing.T) {
	q := newTestQueue(t)
	got, err := q.ReceiveMessages(context.Background(), "wf-1", durable.ReceiveOptions{Names: []string{"nothing-here"}, Count: 1})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestQueue_CompletableMessageLifecycle(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	workflowID := "wf-2"

	msg := &durable.Message{ID: "m1", Name: "task", Data: "payload", SentAt: time.Now()}
	require.NoError(t, q.AddMessage(ctx, workflowID, msg))

	got, err := q.ReceiveMessages(ctx, workflowID, durable.ReceiveOptions{Names: []string{"task"}, Count: 1, Completable: true})
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, q.CompleteMessage(ctx, workflowID, got[0].ID, "ack"))

	removed, err := q.DeleteMessages(ctx, workflowID, []string{got[0].ID})
	require.NoError(t, err)
	require.Empty(t, removed, "already completed, so nothing left to delete")
}

func TestQueue_ReceiveWithNoNamesReturnsNothing(t *testing.T) {
	q := newTestQueue(t)
	got, err := q.ReceiveMessages(context.Background(), "wf-1", durable.ReceiveOptions{Count: 1})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestQueue_SupportsReceive(t *testing.T) {
	q := newTestQueue(t)
	require.True(t, q.SupportsReceive())
}
