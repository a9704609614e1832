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
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// WorkflowFunc is user workflow code: a possibly-suspending function of
// input that calls durable operations on ctx. It must be structurally
// deterministic — the sequence of durable operation names it invokes
// must be invariant across runs.
type WorkflowFunc func(ctx *Context, input any) (any, error)

// RunMode selects whether the scheduler is a single hydrate-run-flush
// pass (Yield, the default) or keeps the context resident across wakes
// (Live). This repository implements Yield; Live is declared for driver
// symmetry but behaves identically to a caller that re-invokes Run.
type RunMode string

const (
	RunModeYield RunMode = "yield"
	RunModeLive  RunMode = "live"
)

// Result is the outcome of one Run call.
type Result struct {
	State              WorkflowState
	Output             any
	Err                *WorkflowError
	SleepUntil         time.Time
	WaitingForMessages []string
}

// Engine runs workflow functions against a PersistenceDriver, a
// MessageDriver, and an optional HistoryNotifier. It is the entry point
// the adapted host daemon drives.
type Engine struct {
	Driver    PersistenceDriver
	Messages  MessageDriver
	Notifier  HistoryNotifier
	Logger    *slog.Logger
	Now       func() time.Time
	Telemetry *Telemetry
}

// NewEngine builds an Engine with real wall-clock time and a discarding
// logger if none is supplied. Telemetry is left nil; set Engine.Telemetry
// after construction to turn on tracing and operation counters.
func NewEngine(driver PersistenceDriver, msgs MessageDriver, notifier HistoryNotifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &Engine{Driver: driver, Messages: msgs, Notifier: notifier, Logger: logger, Now: time.Now}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Run executes one hydrate/run/flush pass for workflowID.
// A workflow already in a terminal state returns immediately with the
// recorded outcome; it never re-invokes fn.
func (e *Engine) Run(stdCtx context.Context, workflowID string, fn WorkflowFunc, input any) (result Result, err error) {
	stdCtx, endSpan := e.Telemetry.span(stdCtx, "run", map[string]any{"workflow_id": workflowID})
	defer func() { endSpan(err) }()

	mirror, err := Hydrate(stdCtx, e.Driver, workflowID)
	if err != nil {
		return Result{}, fmt.Errorf("hydrate %s: %w", workflowID, err)
	}

	if isTerminal(mirror.State()) {
		return e.terminalResult(mirror), nil
	}

	run := &runState{
		mirror:    mirror,
		driver:    e.Driver,
		msgs:      e.Messages,
		notifier:  e.Notifier,
		logger:    e.Logger.With("workflow_id", workflowID),
		now:       e.Now,
		telemetry: e.Telemetry,
	}
	if run.now == nil {
		run.now = time.Now
	}

	mirror.SetState(StateRunning)
	if err := mirror.Flush(stdCtx, e.Driver, e.Notifier); err != nil {
		return Result{}, fmt.Errorf("flush running transition: %w", err)
	}

	root := newRootContext(stdCtx, run, ModeForward)
	defer root.cancel()

	output, runErr := e.invokeSafely(fn, root, input)

	if runErr == nil {
		if verr := root.validateBranchComplete(); verr != nil {
			runErr = verr
		}
	}

	result, err = e.handleOutcome(stdCtx, run, root, fn, input, output, runErr)
	return result, err
}

// invokeSafely recovers a panic in workflow code as a CriticalError: any
// unexpected synchronous exception is treated the same as a Critical
// error.
func (e *Engine) invokeSafely(fn WorkflowFunc, ctx *Context, input any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CriticalError{Reason: fmt.Sprintf("panic: %v", r), Cause: fmt.Errorf("%s", debug.Stack())}
		}
	}()
	return fn(ctx, input)
}

func (e *Engine) handleOutcome(stdCtx context.Context, run *runState, root *Context, fn WorkflowFunc, input, output any, runErr error) (Result, error) {
	mirror := run.mirror

	switch v := runErr.(type) {
	case nil:
		mirror.SetOutput(output)
		mirror.SetState(StateCompleted)
		if err := mirror.Flush(stdCtx, e.Driver, e.Notifier); err != nil {
			return Result{}, err
		}
		return Result{State: StateCompleted, Output: output}, nil

	case *Sleep:
		mirror.SetState(StateSleeping)
		if err := mirror.Flush(stdCtx, e.Driver, e.Notifier); err != nil {
			return Result{}, err
		}
		return Result{State: StateSleeping, SleepUntil: v.Deadline, WaitingForMessages: v.WaitingForMessages}, nil

	case *MessageWait:
		mirror.SetState(StateSleeping)
		if err := mirror.Flush(stdCtx, e.Driver, e.Notifier); err != nil {
			return Result{}, err
		}
		return Result{State: StateSleeping, WaitingForMessages: v.Names}, nil

	case *StepFailedError:
		// A retryable step failure is the trigger for another attempt via
		// the backoff path, not a terminal failure.
		mirror.SetState(StateSleeping)
		if err := mirror.Flush(stdCtx, e.Driver, e.Notifier); err != nil {
			return Result{}, err
		}
		return Result{State: StateSleeping, SleepUntil: v.RetryAt}, nil

	case *Evicted:
		if err := mirror.Flush(stdCtx, e.Driver, e.Notifier); err != nil {
			return Result{}, err
		}
		return Result{State: mirror.State()}, nil

	case *RollbackRequest:
		return e.runRollback(stdCtx, run, fn, input, v.Cause)

	case *CriticalError:
		return e.fail(stdCtx, run, workflowErrorFrom("Critical", v))

	case *HistoryDivergedError:
		return e.fail(stdCtx, run, workflowErrorFrom("HistoryDiverged", v))

	case *StepExhaustedError:
		return e.fail(stdCtx, run, workflowErrorFrom("StepExhausted", v))

	case *JoinError:
		return e.fail(stdCtx, run, workflowErrorFrom("JoinFailed", v))

	case *RaceError:
		return e.fail(stdCtx, run, workflowErrorFrom("RaceFailed", v))

	case *RollbackCheckpointError:
		return e.fail(stdCtx, run, workflowErrorFrom("RollbackCheckpoint", v))

	default:
		return e.fail(stdCtx, run, workflowErrorFrom("Error", runErr))
	}
}

// runRollback replays fn in rollback mode and invokes, in reverse commit
// order, the rollback handler of every step revisited that had one
// registered.
func (e *Engine) runRollback(stdCtx context.Context, run *runState, fn WorkflowFunc, input any, cause error) (Result, error) {
	mirror := run.mirror
	mirror.SetState(StateRollingBack)
	if err := mirror.Flush(stdCtx, e.Driver, e.Notifier); err != nil {
		return Result{}, err
	}

	rollbackRoot := newRootContext(stdCtx, run, ModeRollback)
	defer rollbackRoot.cancel()

	run.rollbackActions = nil
	_, _ = e.invokeSafely(fn, rollbackRoot, input) // walk history only; RollbackStop or completion both end the walk

	for i := len(run.rollbackActions) - 1; i >= 0; i-- {
		action := run.rollbackActions[i]
		if err := e.runOneRollback(rollbackRoot, run, action); err != nil {
			run.logger.Warn("rollback handler failed", "step", action.name, "error", err)
		}
	}

	return e.fail(stdCtx, run, workflowErrorFrom("Rollback", cause))
}

func (e *Engine) runOneRollback(ctx *Context, run *runState, action *rollbackAction) error {
	md := run.mirror.GetOrCreateMetadata(action.entryID, ctx.Now())
	if !md.RollbackCompletedAt.IsZero() {
		return nil
	}
	err := action.rollback(ctx, action.output)
	if err != nil {
		md.RollbackError = err.Error()
	} else {
		md.RollbackCompletedAt = ctx.Now()
	}
	run.mirror.MarkMetaDirty(md)
	return err
}

func (e *Engine) fail(stdCtx context.Context, run *runState, werr *WorkflowError) (Result, error) {
	run.mirror.SetErr(werr)
	run.mirror.SetState(StateFailed)
	if err := run.mirror.Flush(stdCtx, e.Driver, e.Notifier); err != nil {
		return Result{}, err
	}
	return Result{State: StateFailed, Err: werr}, nil
}

func (e *Engine) terminalResult(mirror *Mirror) Result {
	return Result{State: mirror.State(), Output: mirror.Output(), Err: mirror.Err()}
}

func isTerminal(s WorkflowState) bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func workflowErrorFrom(kind string, err error) *WorkflowError {
	return &WorkflowError{
		Name:    kind,
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	}
}
