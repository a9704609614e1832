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

// Branch is one named unit of concurrent work passed to Context.Join or
// Context.Race. Each branch gets its own Context at a dedicated
// sub-location, so durable operations it calls get their own history
// namespace.
type Branch struct {
	Name string
	Run  func(ctx *Context) (any, error)
}

type branchResult struct {
	name   string
	output any
	err    error
}

// Join runs every branch concurrently and waits for all of them to
// settle, regardless of individual failures, then returns a map of
// branch name to output, or a *JoinError aggregating every branch
// failure.
func (c *Context) Join(name string, branches []Branch) (joinOut map[string]any, joinErr error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.exit()

	spanCtx, endSpan := c.run.telemetry.span(c.std, "join", map[string]any{"name": name})
	defer func() { endSpan(joinErr) }()
	c = c.withStd(spanCtx)

	if err := c.checkNameUnique(name); err != nil {
		return nil, err
	}

	loc := c.location.AppendName(c.run.mirror.Names, name)
	c.markVisited(loc)

	existing := c.run.mirror.GetEntry(loc)
	if existing != nil && existing.Kind != KindJoin {
		return nil, &HistoryDivergedError{Reason: fmt.Sprintf("expected join at %q, found %s", name, existing.Kind)}
	}

	var entry *Entry
	if existing != nil {
		entry = existing
		if allBranchesSettled(entry.Join.Branches, branches) {
			return c.joinOutcome(name, entry.Join.Branches)
		}
	} else {
		if c.mode == ModeRollback {
			return nil, &RollbackStop{}
		}
		entry = c.run.mirror.CreateEntry(loc, KindJoin)
		for _, b := range branches {
			entry.Join.Branches[b.Name] = &BranchRecord{Status: BranchPending}
		}
		c.run.mirror.SetEntry(entry)
	}

	results := make(chan branchResult, len(branches))
	for _, b := range branches {
		b := b
		rec := entry.Join.Branches[b.Name]
		if rec.Status == BranchCompleted || rec.Status == BranchFailed {
			results <- branchResult{name: b.Name, output: rec.Output, err: recordedBranchErr(rec)}
			continue
		}
		go func() {
			branchLoc := loc.AppendName(c.run.mirror.Names, b.Name)
			branchCtx := c.branch(c.std, branchLoc, c.mode)
			out, err := b.Run(branchCtx)
			if err == nil {
				if verr := branchCtx.validateBranchComplete(); verr != nil {
					err = verr
				}
			}
			results <- branchResult{name: b.Name, output: out, err: err}
		}()
	}

	var yield error
	for range branches {
		res := <-results
		rec := entry.Join.Branches[res.name]
		if res.err != nil {
			if isYieldSignal(res.err) {
				if yield == nil {
					yield = res.err
				}
				continue
			}
			rec.Status = BranchFailed
			rec.Error = res.err.Error()
		} else {
			rec.Status = BranchCompleted
			rec.Output = res.output
		}
		c.run.mirror.MarkDirty(entry)
	}

	if err := c.flush(c.std); err != nil {
		return nil, err
	}
	if yield != nil {
		return nil, yield
	}

	return c.joinOutcome(name, entry.Join.Branches)
}

func (c *Context) joinOutcome(name string, branchMap map[string]*BranchRecord) (map[string]any, error) {
	out := make(map[string]any, len(branchMap))
	failures := make(map[string]error)
	for bn, rec := range branchMap {
		if rec.Status == BranchFailed {
			failures[bn] = fmt.Errorf("%s", rec.Error)
			continue
		}
		out[bn] = rec.Output
	}
	if len(failures) > 0 {
		return nil, &JoinError{Errors: failures}
	}
	return out, nil
}

func allBranchesSettled(branchMap map[string]*BranchRecord, branches []Branch) bool {
	for _, b := range branches {
		rec, ok := branchMap[b.Name]
		if !ok || (rec.Status != BranchCompleted && rec.Status != BranchFailed) {
			return false
		}
	}
	return true
}

func recordedBranchErr(rec *BranchRecord) error {
	if rec.Status == BranchFailed {
		return fmt.Errorf("%s", rec.Error)
	}
	return nil
}

// isYieldSignal reports whether err is a control-flow signal (Sleep,
// MessageWait, Evicted, RollbackStop, EntryInProgress) that must
// propagate out of Join/Race untouched rather than being recorded as a
// branch failure.
func isYieldSignal(err error) bool {
	switch err.(type) {
	case *Sleep, *MessageWait, *Evicted, *RollbackStop, *EntryInProgress:
		return true
	default:
		return false
	}
}
