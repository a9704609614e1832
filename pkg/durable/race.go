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

// Race runs every branch concurrently; the first to complete
// successfully wins, every other branch's std Context is cancelled, and
// the winner's output is returned. A branch that yields (a sleep or
// message wait) does not end the race; the yield is returned only if no
// branch succeeds. If every branch fails (with a concrete, non-yielding
// error) before any succeeds, Race returns a *RaceError aggregating
// every branch's failure. The history entries of losing branches are
// left in place.
func (c *Context) Race(name string, branches []Branch) (raceOut any, raceErr error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.exit()

	spanCtx, endSpan := c.run.telemetry.span(c.std, "race", map[string]any{"name": name})
	defer func() { endSpan(raceErr) }()
	c = c.withStd(spanCtx)

	if err := c.checkNameUnique(name); err != nil {
		return nil, err
	}

	loc := c.location.AppendName(c.run.mirror.Names, name)
	c.markVisited(loc)

	existing := c.run.mirror.GetEntry(loc)
	if existing != nil && existing.Kind != KindRace {
		return nil, &HistoryDivergedError{Reason: fmt.Sprintf("expected race at %q, found %s", name, existing.Kind)}
	}

	var entry *Entry
	if existing != nil {
		entry = existing
		if entry.Race.Winner != "" {
			return entry.Race.Branches[entry.Race.Winner].Output, nil
		}
	} else {
		if c.mode == ModeRollback {
			return nil, &RollbackStop{}
		}
		entry = c.run.mirror.CreateEntry(loc, KindRace)
		for _, b := range branches {
			entry.Race.Branches[b.Name] = &BranchRecord{Status: BranchPending}
		}
		c.run.mirror.SetEntry(entry)
	}

	branchCtxs := make(map[string]*Context, len(branches))
	results := make(chan branchResult, len(branches))
	pending := 0
	for _, b := range branches {
		b := b
		rec := entry.Race.Branches[b.Name]
		if rec.Status == BranchCompleted {
			entry.Race.Winner = b.Name
			c.run.mirror.MarkDirty(entry)
			if err := c.flush(c.std); err != nil {
				return nil, err
			}
			return rec.Output, nil
		}
		if rec.Status == BranchFailed {
			continue
		}
		pending++
		branchLoc := loc.AppendName(c.run.mirror.Names, b.Name)
		branchCtx := c.branch(c.std, branchLoc, c.mode)
		branchCtxs[b.Name] = branchCtx
		go func() {
			out, err := b.Run(branchCtx)
			if err == nil {
				if verr := branchCtx.validateBranchComplete(); verr != nil {
					err = verr
				}
			}
			results <- branchResult{name: b.Name, output: out, err: err}
		}()
	}

	failures := make(map[string]error)
	var yield error
	for i := 0; i < pending; i++ {
		res := <-results
		if res.err == nil {
			entry.Race.Winner = res.name
			entry.Race.Branches[res.name].Status = BranchCompleted
			entry.Race.Branches[res.name].Output = res.output
			c.run.mirror.MarkDirty(entry)
			for bn, bc := range branchCtxs {
				if bn != res.name {
					bc.cancel()
				}
			}
			if err := c.flush(c.std); err != nil {
				return nil, err
			}
			return res.output, nil
		}

		if isYieldSignal(res.err) {
			if yield == nil {
				yield = res.err
			}
			continue
		}

		entry.Race.Branches[res.name].Status = BranchFailed
		entry.Race.Branches[res.name].Error = res.err.Error()
		c.run.mirror.MarkDirty(entry)
		failures[res.name] = res.err
	}

	if err := c.flush(c.std); err != nil {
		return nil, err
	}
	if yield != nil {
		return nil, yield
	}

	errs := make([]RaceBranchError, 0, len(failures))
	for bn, err := range failures {
		errs = append(errs, RaceBranchError{Branch: bn, Err: err})
	}
	return nil, &RaceError{Errors: errs}
}
