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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testEngine(clock *fixedClock) (*Engine, *memDriver, *memMessageDriver) {
	driver := newMemDriver()
	msgs := newMemMessageDriver()
	engine := NewEngine(driver, msgs, nil, nil)
	engine.Now = clock.Now
	return engine, driver, msgs
}

// TestBasicStepAndRetry exercises scenario S1: a step that fails twice
// then succeeds, replaying across three separate Run calls.
func TestBasicStepAndRetry(t *testing.T) {
	clock := newFixedClock(time.Unix(0, 0))
	engine, _, _ := testEngine(clock)

	calls := 0
	flaky := func(ctx *Context, _ any) (any, error) {
		out, err := ctx.Step(StepConfig{
			Name: "op",
			Run: func(ctx *Context) (any, error) {
				calls++
				if calls < 3 {
					return nil, errors.New("transient failure")
				}
				return 42, nil
			},
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	res, err := engine.Run(context.Background(), "wf-s1", flaky, nil)
	require.NoError(t, err)
	require.Equal(t, StateSleeping, res.State)
	require.Equal(t, 1, calls)

	clock.Advance(200 * time.Millisecond)
	res, err = engine.Run(context.Background(), "wf-s1", flaky, nil)
	require.NoError(t, err)
	require.Equal(t, StateSleeping, res.State)
	require.Equal(t, 2, calls)

	clock.Advance(400 * time.Millisecond)
	res, err = engine.Run(context.Background(), "wf-s1", flaky, nil)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 42, res.Output)
	require.Equal(t, 3, calls)
}

// TestReplayPurity asserts invariant 1: replaying a completed workflow
// never re-invokes a step's run body.
func TestReplayPurity(t *testing.T) {
	clock := newFixedClock(time.Unix(0, 0))
	engine, _, _ := testEngine(clock)

	calls := 0
	fn := func(ctx *Context, _ any) (any, error) {
		return ctx.Step(StepConfig{
			Name: "once",
			Run: func(ctx *Context) (any, error) {
				calls++
				return "done", nil
			},
		})
	}

	res, err := engine.Run(context.Background(), "wf-purity", fn, nil)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 1, calls)

	res, err = engine.Run(context.Background(), "wf-purity", fn, nil)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 1, calls, "replay must not re-invoke a completed step's run")
}

// TestSleepDeterminism exercises scenario S2: a sleep's deadline is
// fixed at creation time and survives replay unchanged.
func TestSleepDeterminism(t *testing.T) {
	clock := newFixedClock(time.Unix(0, 0))
	engine, driver, _ := testEngine(clock)
	_ = driver

	fn := func(ctx *Context, _ any) (any, error) {
		if err := ctx.Sleep("wait", 5*time.Minute); err != nil {
			return nil, err
		}
		return "awake", nil
	}

	res, err := engine.Run(context.Background(), "wf-s2", fn, nil)
	require.NoError(t, err)
	require.Equal(t, StateSleeping, res.State)
	firstDeadline := res.SleepUntil

	res, err = engine.Run(context.Background(), "wf-s2", fn, nil)
	require.NoError(t, err)
	require.Equal(t, StateSleeping, res.State)
	require.True(t, res.SleepUntil.Equal(firstDeadline), "replay must observe the same deadline")

	clock.Advance(5 * time.Minute)
	res, err = engine.Run(context.Background(), "wf-s2", fn, nil)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, "awake", res.Output)
}

// TestHistoryDivergence exercises scenario S6: renaming a step without
// ctx.Removed fails replay with HistoryDiverged; declaring the removal
// lets the same run succeed.
func TestHistoryDivergence(t *testing.T) {
	clock := newFixedClock(time.Unix(0, 0))
	engine, _, _ := testEngine(clock)

	// Step "a" fails its first attempt, so run 1 ends sleeping on a retry
	// rather than completed: Run returns a terminal workflow's recorded
	// outcome without replaying it.
	withA := func(ctx *Context, _ any) (any, error) {
		return ctx.Step(StepConfig{Name: "a", Run: func(ctx *Context) (any, error) { return nil, errors.New("not yet") }})
	}
	_, err := engine.Run(context.Background(), "wf-s6", withA, nil)
	require.NoError(t, err)

	withB := func(ctx *Context, _ any) (any, error) {
		return ctx.Step(StepConfig{Name: "b", Run: func(ctx *Context) (any, error) { return 2, nil }})
	}
	res, err := engine.Run(context.Background(), "wf-s6", withB, nil)
	require.NoError(t, err)
	require.Equal(t, StateFailed, res.State)
	require.Equal(t, "HistoryDiverged", res.Err.Name)

	withBRemoved := func(ctx *Context, _ any) (any, error) {
		if err := ctx.Removed("a", KindStep); err != nil {
			return nil, err
		}
		return ctx.Step(StepConfig{Name: "b", Run: func(ctx *Context) (any, error) { return 2, nil }})
	}
	engine2, driver2, _ := testEngine(clock)
	_, err = engine2.Run(context.Background(), "wf-s6b", func(ctx *Context, _ any) (any, error) {
		return ctx.Step(StepConfig{Name: "a", Run: func(ctx *Context) (any, error) { return nil, errors.New("not yet") }})
	}, nil)
	require.NoError(t, err)
	_ = driver2

	res, err = engine2.Run(context.Background(), "wf-s6b", withBRemoved, nil)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 2, res.Output)
}

// TestJoinWithOneFailure exercises scenario S4: a join with one failing
// branch surfaces a JoinError and does not re-invoke the successful
// branch's step on replay.
func TestJoinWithOneFailure(t *testing.T) {
	clock := newFixedClock(time.Unix(0, 0))
	engine, _, _ := testEngine(clock)

	aCalls := 0
	fn := func(ctx *Context, _ any) (any, error) {
		_, err := ctx.Join("both", []Branch{
			{Name: "a", Run: func(ctx *Context) (any, error) {
				return ctx.Step(StepConfig{Name: "a-step", Run: func(ctx *Context) (any, error) {
					aCalls++
					return "ok", nil
				}})
			}},
			{Name: "b", Run: func(ctx *Context) (any, error) {
				return ctx.Step(StepConfig{Name: "b-step", MaxRetries: 0, Run: func(ctx *Context) (any, error) {
					return nil, errors.New("x")
				}})
			}},
		})
		return nil, err
	}

	res, err := engine.Run(context.Background(), "wf-s4", fn, nil)
	require.NoError(t, err)
	require.Equal(t, StateFailed, res.State)
	require.Equal(t, 1, aCalls)

	res, err = engine.Run(context.Background(), "wf-s4", fn, nil)
	require.NoError(t, err)
	require.Equal(t, StateFailed, res.State)
	require.Equal(t, 1, aCalls, "replay of a failed join must not re-invoke the surviving branch's step")
}

// TestRaceResolvesToFastestBranch exercises scenario S3's shape: the
// first branch to finish successfully wins and its output becomes the
// workflow's result.
func TestRaceResolvesToFastestBranch(t *testing.T) {
	clock := newFixedClock(time.Unix(0, 0))
	engine, _, _ := testEngine(clock)

	fn := func(ctx *Context, _ any) (any, error) {
		return ctx.Race("pick", []Branch{
			{Name: "fast", Run: func(ctx *Context) (any, error) {
				return "A", nil
			}},
			{Name: "slow", Run: func(ctx *Context) (any, error) {
				if err := ctx.Sleep("slow-wait", 10*time.Second); err != nil {
					return nil, err
				}
				return "B", nil
			}},
		})
	}

	res, err := engine.Run(context.Background(), "wf-s3", fn, nil)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, "A", res.Output)
}

// TestRollback exercises scenario S5: a rollback request invokes the
// registered rollback handler of the preceding step in reverse order.
func TestRollback(t *testing.T) {
	clock := newFixedClock(time.Unix(0, 0))
	engine, _, _ := testEngine(clock)

	rolledBack := false
	fn := func(ctx *Context, _ any) (any, error) {
		if err := ctx.RollbackCheckpoint("ck"); err != nil {
			return nil, err
		}
		_, err := ctx.Step(StepConfig{
			Name: "a",
			Run:  func(ctx *Context) (any, error) { return "a-out", nil },
			Rollback: func(ctx *Context, output any) error {
				rolledBack = true
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
		_, err = ctx.Step(StepConfig{
			Name: "b",
			Run: func(ctx *Context) (any, error) {
				return nil, &RollbackRequest{Cause: errors.New("boom")}
			},
		})
		return nil, err
	}

	res, err := engine.Run(context.Background(), "wf-s5", fn, nil)
	require.NoError(t, err)
	require.Equal(t, StateFailed, res.State)
	require.True(t, rolledBack)
	require.Contains(t, res.Err.Message, "boom")
}

// TestQueueNextTimeout exercises scenario S7: no message arrives before
// the deadline, so queue.next resolves with zero messages once the
// sleep deadline elapses.
func TestQueueNextTimeout(t *testing.T) {
	clock := newFixedClock(time.Unix(0, 0))
	engine, _, _ := testEngine(clock)

	fn := func(ctx *Context, _ any) (any, error) {
		return ctx.QueueNext("m", QueueNextOptions{Timeout: time.Second})
	}

	res, err := engine.Run(context.Background(), "wf-s7", fn, nil)
	require.NoError(t, err)
	require.Equal(t, StateSleeping, res.State)

	clock.Advance(time.Second)
	res, err = engine.Run(context.Background(), "wf-s7", fn, nil)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.Nil(t, res.Output)
}
