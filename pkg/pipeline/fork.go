// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/noldarim/pipelinecore/internal/pipelineerr"
	"github.com/sourcegraph/conc/pool"
)

// slotResult is one fork slot's or split branch's outcome.
type slotResult struct {
	index int
	label string
	ctx   *ExecutionContext
	resp  StepResponse
	err   error
}

// runSubSequence walks `steps` (its own isolated id namespace — a fork's
// SubSteps or one of a split's Branches) starting at the first entry,
// stopping once it reaches a step whose id is stopAtID or runs out of
// `next`. It reuses the ordinary per-step lifecycle (runOne) so nested
// forks, branches, and step-groups behave identically inside a slot.
func (e *Executor) runSubSequence(ctx context.Context, p *Pipeline, execCtx *ExecutionContext, baseKey StateKey, steps []FlowStep, stopAtID, sessionID, runID string) (*ExecutionContext, StepResponse, error) {
	if len(steps) == 0 {
		return execCtx, StepResponse{}, nil
	}
	index := stepIndex(steps)
	current := execCtx
	currentID := steps[0].ID
	var lastResp StepResponse

	for currentID != "" && currentID != stopAtID {
		step, ok := index[currentID]
		if !ok {
			return current, lastResp, fmt.Errorf("step %q not found in sub-sequence", currentID)
		}
		nextCtx, nextID, result, terminal := e.runOne(ctx, p, current, baseKey, step, sessionID, runID)
		current = nextCtx
		if terminal {
			if result.Error != nil {
				return current, lastResp, result.Error
			}
			return current, lastResp, nil
		}
		if r, ok := current.StepResult(baseKey.WithStep(step.ID)); ok {
			lastResp = r
		}
		currentID = nextID
	}
	return current, lastResp, nil
}

// runSlots executes n independent slot functions with concurrency bounded
// by parallelism (0 means unbounded, one worker per slot), in the order
// given when method is serial, or concurrently when parallel. A panic
// inside a slot is recovered and reported as that slot's error rather than
// crashing the run.
func runSlots(method ForkMethod, parallelism, n int, work func(i int) slotResult) []slotResult {
	results := make([]slotResult, n)
	if method == ForkMethodSerial {
		for i := 0; i < n; i++ {
			results[i] = safeRun(i, work)
		}
		return results
	}

	p := pool.New()
	if parallelism > 0 {
		p = p.WithMaxGoroutines(parallelism)
	}
	for i := 0; i < n; i++ {
		i := i
		p.Go(func() {
			results[i] = safeRun(i, work)
		})
	}
	p.Wait()
	return results
}

func safeRun(i int, work func(i int) slotResult) (res slotResult) {
	defer func() {
		if r := recover(); r != nil {
			res = slotResult{index: i, err: fmt.Errorf("slot %d panicked: %v", i, r)}
		}
	}()
	return work(i)
}

// dispatchFork runs a Fork step's slots and joins their results.
func (e *Executor) dispatchFork(ctx context.Context, p *Pipeline, execCtx *ExecutionContext, pipelineKey StateKey, step *FlowStep, sessionID, runID string) (*ExecutionContext, string, ExecutionResult, bool) {
	forkKeyBase := pipelineKey.WithStep(step.ID)

	values, err := execCtx.Mapper.Resolve(pipelineKey, Parameter{Name: "forkByValue", Type: ParamTypeList, Value: step.ForkByValue})
	if err != nil {
		return e.handleStepError(execCtx, p, pipelineKey, step, err, sessionID, runID)
	}
	items, ok := values.([]any)
	if !ok {
		return e.handleStepError(execCtx, p, pipelineKey, step, fmt.Errorf("fork step %s: forkByValue did not resolve to a list", step.ID), sessionID, runID)
	}

	forkID := uuid.NewString()
	n := len(items)

	getForkLog().Info().Str("step", step.ID).Str("forkId", forkID).Int("slots", n).Str("method", string(step.ForkMethod)).Msg("fork slots starting")

	results := runSlots(step.ForkMethod, e.ForkParallelism, n, func(i int) slotResult {
		slotKey := forkKeyBase.WithFork(forkID, i, items[i])
		slotBase := NewPipelineKey(p.ID, &slotKey)
		slotCtx := execCtx.WithPipelineParameters(slotBase, map[string]any{"value": items[i]})
		finalCtx, resp, err := e.runSubSequence(ctx, p, slotCtx, slotBase, step.SubSteps, step.JoinStep, sessionID, runID)
		if err != nil {
			getForkLog().Warn().Err(err).Str("step", step.ID).Str("forkId", forkID).Int("slot", i).Msg("fork slot failed")
		} else {
			getForkLog().Debug().Str("step", step.ID).Str("forkId", forkID).Int("slot", i).Msg("fork slot finished")
		}
		return slotResult{index: i, ctx: finalCtx, resp: resp, err: err}
	})

	merged := execCtx
	var failures []pipelineerr.SlotFailure
	var ordered []any
	succeeded := 0
	for _, r := range results {
		if r.ctx != nil {
			merged = merged.Merge(r.ctx)
		}
		if r.err != nil {
			failures = append(failures, pipelineerr.SlotFailure{Index: r.index, Err: r.err})
			continue
		}
		succeeded++
	}
	sort.Slice(results, func(a, b int) bool { return results[a].index < results[b].index })
	for _, r := range results {
		if r.err == nil {
			ordered = append(ordered, r.resp.PrimaryReturn)
		}
	}

	if len(failures) > 0 && succeeded == 0 {
		allFailed := true
		return e.handleStepError(merged, p, pipelineKey, step, pipelineerr.NewForkedStepError(step.ID, failures, allFailed), sessionID, runID)
	}

	joinResp := StepResponse{PrimaryReturn: ordered}
	if len(failures) > 0 {
		joinResp.NamedReturns = map[string]any{"forkFailures": failures}
	}
	merged = merged.WithStepResult(forkKeyBase, joinResp)
	merged.Audits().Open(forkKeyBase, AuditTypeFork, e.Now())
	merged.Audits().Close(forkKeyBase, e.Now(), map[string]any{"slots": n, "failed": len(failures)})
	getForkLog().Info().Str("step", step.ID).Str("forkId", forkID).Int("slots", n).Int("failed", len(failures)).Msg("fork slots finished")

	return merged, step.NextAfter, ExecutionResult{}, false
}

// dispatchSplit runs a Split step's named branches and merges their
// results; partial-failure policy mirrors Fork's.
func (e *Executor) dispatchSplit(ctx context.Context, p *Pipeline, execCtx *ExecutionContext, pipelineKey StateKey, step *FlowStep, sessionID, runID string) (*ExecutionContext, string, ExecutionResult, bool) {
	splitKeyBase := pipelineKey.WithStep(step.ID)

	names := make([]string, 0, len(step.Branches))
	for name := range step.Branches {
		names = append(names, name)
	}
	sort.Strings(names)
	forkID := uuid.NewString()
	n := len(names)

	getForkLog().Info().Str("step", step.ID).Str("forkId", forkID).Int("branches", n).Msg("split branches starting")

	results := runSlots(ForkMethodParallel, e.ForkParallelism, n, func(i int) slotResult {
		name := names[i]
		slotKey := splitKeyBase.WithFork(forkID, i, name)
		slotBase := NewPipelineKey(p.ID, &slotKey)
		finalCtx, resp, err := e.runSubSequence(ctx, p, execCtx, slotBase, step.Branches[name], step.JoinStep, sessionID, runID)
		if err != nil {
			getForkLog().Warn().Err(err).Str("step", step.ID).Str("forkId", forkID).Str("branch", name).Msg("split branch failed")
		} else {
			getForkLog().Debug().Str("step", step.ID).Str("forkId", forkID).Str("branch", name).Msg("split branch finished")
		}
		return slotResult{index: i, label: name, ctx: finalCtx, resp: resp, err: err}
	})

	merged := execCtx
	var failures []pipelineerr.SlotFailure
	named := map[string]any{}
	succeeded := 0
	for _, r := range results {
		if r.ctx != nil {
			merged = merged.Merge(r.ctx)
		}
		if r.err != nil {
			failures = append(failures, pipelineerr.SlotFailure{Index: r.index, Label: r.label, Err: r.err})
			continue
		}
		succeeded++
		named[r.label] = r.resp.PrimaryReturn
	}

	if len(failures) > 0 && succeeded == 0 {
		return e.handleStepError(merged, p, pipelineKey, step, pipelineerr.NewSplitStepError(step.ID, failures, true), sessionID, runID)
	}

	mergeResp := StepResponse{NamedReturns: named}
	if len(failures) > 0 {
		mergeResp.NamedReturns["splitFailures"] = failures
	}
	merged = merged.WithStepResult(splitKeyBase, mergeResp)
	merged.Audits().Open(splitKeyBase, AuditTypeSplit, e.Now())
	merged.Audits().Close(splitKeyBase, e.Now(), map[string]any{"branches": n, "failed": len(failures)})
	getForkLog().Info().Str("step", step.ID).Str("forkId", forkID).Int("branches", n).Int("failed", len(failures)).Msg("split branches finished")

	return merged, step.NextAfter, ExecutionResult{}, false
}
