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

import "fmt"

// LoopOutcome is what one iteration body returns to Context.Loop.
type LoopOutcome struct {
	State any  // carried into the next iteration
	Break bool // stop looping after this iteration, keeping State as the loop's Output
}

// LoopConfig configures a Context.Loop call.
type LoopConfig struct {
	Name string
	Init any
	Body func(ctx *Context, state any, iteration int) (LoopOutcome, error)

	// CommitInterval is how many iterations run before the loop entry's
	// State/Iteration are flushed. Zero means every iteration flushes.
	CommitInterval int

	// HistoryEvery, if > 0, prunes per-iteration history every Nth
	// completed iteration, deleting the sub-entries of every iteration
	// older than the last HistoryEvery*HistoryKeep. A HistoryEvery or
	// HistoryKeep of zero disables trimming: every iteration's sub-entries
	// are kept forever.
	HistoryEvery int
	HistoryKeep  int
}

// Loop executes (or replays) a do-while-style durable loop. Each
// iteration runs in its own branch Context located under
// AppendLoopIteration, so durable operations called from Body get
// their own per-iteration history namespace.
func (c *Context) Loop(cfg LoopConfig) (any, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.exit()

	if err := c.checkNameUnique(cfg.Name); err != nil {
		return nil, err
	}

	loc := c.location.AppendName(c.run.mirror.Names, cfg.Name)
	c.markVisited(loc)

	existing := c.run.mirror.GetEntry(loc)
	if existing != nil && existing.Kind != KindLoop {
		return nil, &HistoryDivergedError{Reason: fmt.Sprintf("expected loop at %q, found %s", cfg.Name, existing.Kind)}
	}

	var entry *Entry
	if existing != nil {
		entry = existing
		if entry.Loop.Completed() {
			return entry.Loop.Output, nil
		}
	} else {
		if c.mode == ModeRollback {
			return nil, &RollbackStop{}
		}
		entry = c.run.mirror.CreateEntry(loc, KindLoop)
		entry.Loop.State = cfg.Init
		entry.Loop.Iteration = 0
		c.run.mirror.SetEntry(entry)
	}

	commitEvery := cfg.CommitInterval
	if commitEvery <= 0 {
		commitEvery = 1
	}

	state := entry.Loop.State
	iteration := entry.Loop.Iteration

	for {
		iterLoc := c.location.AppendLoopIteration(c.run.mirror.Names, cfg.Name, iteration)
		branch := c.branch(c.std, iterLoc, c.mode)

		outcome, err := cfg.Body(branch, state, iteration)
		if err != nil {
			entry.Loop.State = state
			entry.Loop.Iteration = iteration
			c.run.mirror.MarkDirty(entry)
			if flushErr := c.flush(c.std); flushErr != nil {
				return nil, flushErr
			}
			return nil, err
		}

		if verr := branch.validateBranchComplete(); verr != nil {
			return nil, verr
		}

		state = outcome.State
		iteration++

		c.pruneIterationHistory(c.location, cfg, iteration)

		if outcome.Break {
			entry.Loop.State = state
			entry.Loop.Iteration = iteration
			entry.Loop.Output = state
			c.run.mirror.MarkDirty(entry)
			if err := c.flush(c.std); err != nil {
				return nil, err
			}
			return state, nil
		}

		if iteration%commitEvery == 0 {
			entry.Loop.State = state
			entry.Loop.Iteration = iteration
			c.run.mirror.MarkDirty(entry)
			if err := c.flush(c.std); err != nil {
				return nil, err
			}
		}
	}
}

// pruneIterationHistory deletes sub-entries of iterations older than
// HistoryKeep retained checkpoints, when the loop was configured with
// HistoryEvery trimming. Pruning starts at iteration 0, so the first
// iterations are deleted like any other.
func (c *Context) pruneIterationHistory(parentLoc Location, cfg LoopConfig, completedIteration int) {
	if cfg.HistoryEvery <= 0 || cfg.HistoryKeep <= 0 {
		return
	}
	if completedIteration%cfg.HistoryEvery != 0 {
		return
	}

	oldestKept := completedIteration - cfg.HistoryEvery*cfg.HistoryKeep
	if oldestKept <= 0 {
		return
	}

	for i := 0; i < oldestKept; i++ {
		iterLoc := parentLoc.AppendLoopIteration(c.run.mirror.Names, cfg.Name, i)
		if err := c.run.mirror.DeleteEntriesWithPrefix(c.std, c.run.driver, iterLoc.Key()); err != nil {
			c.run.logger.Warn("failed to prune loop iteration history", "error", err, "iteration", i)
		}
	}
}
