// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/noldarim/pipelinecore/internal/pipelineerr"
)

// RunStatus classifies how an ExecutionResult's run ended.
type RunStatus string

const (
	RunStatusRun  RunStatus = "RUN"
	RunStatusSkip RunStatus = "SKIP"
	RunStatusStop RunStatus = "STOP"
)

// ExecutionResult is returned by Execute.
type ExecutionResult struct {
	Context   *ExecutionContext
	Success   bool
	Paused    bool
	Error     error
	RunStatus RunStatus
}

// Clock returns the current time in epoch milliseconds. Tests substitute a
// fixed clock; cmd/pipelinecored passes a wall-clock function (the core
// takes it as a plain function to stay free of a time-source dependency).
type Clock func() int64

// Executor is the pipeline state machine. It is stateless and safe for
// concurrent use across independent Execute calls; all mutable state lives
// in the ExecutionContext snapshots it produces.
type Executor struct {
	Invoker         *StepInvoker
	Retry           RetryPolicy
	ForkParallelism int // spark.forkJoin.parallelism; 0 means one worker per slot
	Now             Clock
}

// NewExecutor builds an Executor with the default retry policy and an
// unbounded fork parallelism (one worker per slot).
func NewExecutor(invoker *StepInvoker, now Clock) *Executor {
	if now == nil {
		now = func() int64 { return 0 }
	}
	return &Executor{Invoker: invoker, Retry: DefaultRetryPolicy(), Now: now}
}

// Execute drives pipeline p to completion starting from ctx, under the
// given state key (the root key for a top-level run, or a step-group's
// child key for nested execution). sessionID/runID may be empty to run
// without session persistence.
func (e *Executor) Execute(ctx context.Context, p *Pipeline, execCtx *ExecutionContext, pipelineKey StateKey, sessionID, runID string) ExecutionResult {
	if err := p.Validate(); err != nil {
		return ExecutionResult{Context: execCtx, Success: false, Error: err, RunStatus: RunStatusStop}
	}

	getExecutorLog().Debug().Str("pipeline", p.ID).Str("key", pipelineKey.Canonical()).Msg("pipeline execution starting")

	current := execCtx
	if current.Listener != nil {
		next, err := current.Listener.PipelineStarted(current, p)
		if err != nil {
			return ExecutionResult{Context: current, Success: false, Error: err, RunStatus: RunStatusStop}
		}
		if next != nil {
			current = next
		}
	}
	current.Audits().Open(pipelineKey, AuditTypePipeline, e.Now())

	if err := e.checkRequiredInputs(current, p, pipelineKey); err != nil {
		getExecutorLog().Error().Err(err).Str("pipeline", p.ID).Msg("required input missing")
		return e.fail(current, p, pipelineKey, err)
	}

	steps := stepIndex(p.Steps)
	startID, err := e.computeStartStep(current, p, sessionID)
	if err != nil {
		return e.fail(current, p, pipelineKey, err)
	}

	for startID != "" {
		step, ok := steps[startID]
		if !ok {
			return e.fail(current, p, pipelineKey, fmt.Errorf("pipeline %s: step %q not found", p.ID, startID))
		}
		nextCtx, nextID, result, terminal := e.runOne(ctx, p, current, pipelineKey, step, sessionID, runID)
		current = nextCtx
		if terminal {
			return result
		}
		startID = nextID
	}

	if current.Listener != nil {
		_ = current.Listener.PipelineFinished(current, p, ExecutionResult{Context: current, Success: true, RunStatus: RunStatusRun})
	}
	now := e.Now()
	current.Audits().Close(pipelineKey, now, nil)
	getExecutorLog().Info().Str("pipeline", p.ID).Str("key", pipelineKey.Canonical()).Msg("pipeline execution finished")
	return ExecutionResult{Context: current, Success: true, RunStatus: RunStatusRun}
}

func (e *Executor) fail(ctx *ExecutionContext, p *Pipeline, key StateKey, err error) ExecutionResult {
	now := e.Now()
	ctx.Audits().Close(key, now, nil)
	getExecutorLog().Error().Err(err).Str("pipeline", p.ID).Str("key", key.Canonical()).Msg("pipeline execution failed")
	if ctx.Listener != nil {
		ctx.Listener.RegisterStepException(ctx, p, nil, err)
	}
	return ExecutionResult{Context: ctx, Success: false, Error: err, RunStatus: RunStatusStop}
}

func stepIndex(steps []FlowStep) map[string]*FlowStep {
	idx := make(map[string]*FlowStep, len(steps))
	for i := range steps {
		idx[steps[i].ID] = &steps[i]
	}
	return idx
}

// checkRequiredInputs verifies a pipeline's declared required inputs are bound.
func (e *Executor) checkRequiredInputs(ctx *ExecutionContext, p *Pipeline, pipelineKey StateKey) error {
	if p.Parameters == nil {
		return nil
	}
	for _, in := range p.Parameters.Inputs {
		if !in.Required {
			continue
		}
		if e.inputPresent(ctx, pipelineKey, in.Name) {
			continue
		}
		found := false
		for _, alt := range in.Alternates {
			if e.inputPresent(ctx, pipelineKey, alt) {
				found = true
				break
			}
		}
		if !found {
			return pipelineerr.NewRequiredParameterMissingError(p.ID, in.Name)
		}
	}
	return nil
}

func (e *Executor) inputPresent(ctx *ExecutionContext, pipelineKey StateKey, name string) bool {
	if _, ok := ctx.Globals()[name]; ok {
		return true
	}
	_, ok := ctx.PipelineParameterValue(rootPipelineKey(pipelineKey), name)
	return ok
}

// computeStartStep resolves a session restart: resume at the first
// restartable step whose recorded status is not COMPLETE after the latest
// (last in step order) COMPLETE step; re-execute RUNNING/ERROR steps rather
// than skipping them.
func (e *Executor) computeStartStep(ctx *ExecutionContext, p *Pipeline, sessionID string) (string, error) {
	if sessionID == "" || ctx.Session == nil || p.Parameters == nil || len(p.Parameters.RestartableSteps) == 0 {
		if len(p.Steps) == 0 {
			return "", nil
		}
		return p.Steps[0].ID, nil
	}
	records, err := ctx.Session.LoadStatus(sessionID)
	if err != nil {
		return "", err
	}
	completed := map[string]bool{}
	for _, r := range records {
		if r.Status == SessionComplete {
			completed[canonicalStepID(r.ResultKey)] = true
		}
	}
	start := 0
	for i, s := range p.Steps {
		if completed[s.ID] {
			start = i + 1
		}
	}
	for _, s := range p.Steps[start:] {
		if completed[s.ID] {
			continue
		}
		if !p.Parameters.RestartableSteps[s.ID] {
			continue
		}
		getExecutorLog().Info().Str("pipeline", p.ID).Str("session", sessionID).Str("step", s.ID).Msg("resuming session at restartable step")
		return s.ID, nil
	}
	if len(p.Steps) == 0 {
		return "", nil
	}
	return p.Steps[0].ID, nil
}

// canonicalStepID extracts the innermost step id from a canonical state key
// string, tolerating malformed input by returning it unchanged.
func canonicalStepID(canon string) string {
	key, err := ParseCanonical(canon)
	if err != nil {
		return canon
	}
	return key.StepID
}

// runOne executes a single step's dispatch/invoke/route lifecycle and
// reports either the next step id to continue at, or a terminal
// ExecutionResult.
func (e *Executor) runOne(ctx context.Context, p *Pipeline, execCtx *ExecutionContext, pipelineKey StateKey, step *FlowStep, sessionID, runID string) (*ExecutionContext, string, ExecutionResult, bool) {
	current := execCtx
	key := pipelineKey.WithStep(step.ID)
	current = current.WithCurrentState(key)

	if current.Listener != nil {
		next, err := current.Listener.PipelineStepStarted(current, p, step)
		if err != nil {
			return current, "", e.fail(current, p, pipelineKey, err), true
		}
		if next != nil {
			current = next
		}
	}
	current.Audits().Open(key, AuditTypeStep, e.Now())

	if step.ExecuteIfEmpty != "" {
		v, err := current.Mapper.Resolve(pipelineKey, Parameter{Name: "executeIfEmpty", Type: ParamTypeString, Value: step.ExecuteIfEmpty})
		if err == nil && !isEmptyValue(v) {
			if prior, ok := current.StepResult(key); ok {
				current.Audits().Close(key, e.Now(), nil)
				return e.afterSuccess(current, p, pipelineKey, step, prior, sessionID, runID)
			}
		}
	}

	switch step.Type {
	case StepTypeFork:
		return e.dispatchFork(ctx, p, current, pipelineKey, step, sessionID, runID)
	case StepTypeSplit:
		return e.dispatchSplit(ctx, p, current, pipelineKey, step, sessionID, runID)
	case StepTypeStepGroup:
		return e.dispatchStepGroup(ctx, p, current, pipelineKey, step, sessionID, runID)
	}

	args, err := current.Mapper.ResolveParameters(pipelineKey, step)
	if err != nil {
		return e.handleStepError(current, p, pipelineKey, step, err, sessionID, runID)
	}

	resp, err := e.Invoker.InvokeWithRetry(ctx, step, args, current, key, e.stepRetryPolicy(step))
	if err != nil {
		return e.handleStepError(current, p, pipelineKey, step, err, sessionID, runID)
	}
	return e.afterSuccess(current, p, pipelineKey, step, resp, sessionID, runID)
}

func (e *Executor) stepRetryPolicy(step *FlowStep) RetryPolicy {
	return e.Retry
}

// afterSuccess records a step's result, persists it, and routes to the next step.
func (e *Executor) afterSuccess(execCtx *ExecutionContext, p *Pipeline, pipelineKey StateKey, step *FlowStep, resp StepResponse, sessionID, runID string) (*ExecutionContext, string, ExecutionResult, bool) {
	current := execCtx.WithStepResult(pipelineKey.WithStep(step.ID), resp)
	key := pipelineKey.WithStep(step.ID)
	current.Audits().Close(key, e.Now(), nil)

	if current.Listener != nil {
		next, err := current.Listener.PipelineStepFinished(current, p, step, resp)
		if err != nil {
			return current, "", e.fail(current, p, pipelineKey, err), true
		}
		if next != nil {
			current = next
		}
	}

	if sessionID != "" && current.Session != nil {
		_ = current.Session.SetStatus(StatusRecord{SessionID: sessionID, Date: e.Now(), RunID: runID, ResultKey: key.Canonical(), Status: SessionComplete})
	}

	nextID, err := e.route(step, resp)
	if err != nil {
		return current, "", e.fail(current, p, pipelineKey, err), true
	}
	return current, nextID, ExecutionResult{}, false
}

// route resolves the next step id for non-fork/split/step-group steps.
func (e *Executor) route(step *FlowStep, resp StepResponse) (string, error) {
	if step.Type != StepTypeBranch {
		return step.Next, nil
	}
	val := fmt.Sprintf("%v", resp.PrimaryReturn)
	for _, param := range step.Params {
		if param.Type != ParamTypeResult {
			continue
		}
		if strings.EqualFold(param.Name, val) {
			return fmt.Sprintf("%v", param.Value), nil
		}
	}
	return "", pipelineerr.NewBranchNoMatchError(step.ID, val)
}

// handleStepError applies pause/skip/nextOnError handling for a step's invocation error.
func (e *Executor) handleStepError(execCtx *ExecutionContext, p *Pipeline, pipelineKey StateKey, step *FlowStep, err error, sessionID, runID string) (*ExecutionContext, string, ExecutionResult, bool) {
	current := execCtx
	key := pipelineKey.WithStep(step.ID)

	if pipelineerr.IsPause(err) {
		if current.Listener != nil {
			current.Listener.RegisterStepException(current, p, step, err)
		}
		current.Audits().Close(pipelineKey, e.Now(), nil)
		return current, "", ExecutionResult{Context: current, Success: true, Paused: true, RunStatus: RunStatusRun}, true
	}

	if pipelineerr.IsSkip(err) {
		if sessionID != "" && current.Session != nil {
			_ = current.Session.SetStatus(StatusRecord{SessionID: sessionID, Date: e.Now(), RunID: runID, ResultKey: key.Canonical(), Status: SessionUnknown})
		}
		return current, step.Next, ExecutionResult{}, false
	}

	if step.NextOnError != "" {
		getExecutorLog().Warn().Err(err).Str("step", step.ID).Str("nextOnError", step.NextOnError).Msg("step failed, redirecting via nextOnError")
		current = current.WithGlobal("LastStepId", step.ID)
		msg := err.Error()
		var inv *pipelineerr.StepInvocationError
		if errors.As(err, &inv) && inv.Err != nil {
			msg = inv.Err.Error()
		}
		current = current.WithGlobal("LastStepError", msg)
		current.Audits().Close(key, e.Now(), map[string]any{"error": err.Error()})
		return current, step.NextOnError, ExecutionResult{}, false
	}

	getExecutorLog().Error().Err(err).Str("step", step.ID).Msg("step failed, no recovery route")
	current.Audits().Close(key, e.Now(), map[string]any{"error": err.Error()})
	current.Audits().Close(pipelineKey, e.Now(), nil)
	if current.Listener != nil {
		current.Listener.RegisterStepException(current, p, step, err)
	}
	return current, "", ExecutionResult{Context: current, Success: false, Error: err, RunStatus: RunStatusStop}, true
}

// dispatchStepGroup runs a nested pipeline and merges its results back into the parent context.
func (e *Executor) dispatchStepGroup(ctx context.Context, p *Pipeline, execCtx *ExecutionContext, pipelineKey StateKey, step *FlowStep, sessionID, runID string) (*ExecutionContext, string, ExecutionResult, bool) {
	child, ok := execCtx.Registry.Get(step.PipelineID)
	if !ok {
		return execCtx, "", e.fail(execCtx, p, pipelineKey, pipelineerr.NewPipelineNotFoundError(step.PipelineID)), true
	}
	groupKey := pipelineKey.WithStep(step.ID)
	childKey := NewPipelineKey(child.ID, &groupKey)

	args, err := execCtx.Mapper.ResolveParameters(pipelineKey, step)
	if err != nil {
		return e.handleStepError(execCtx, p, pipelineKey, step, err, sessionID, runID)
	}
	childParams := map[string]any{}
	for i, param := range step.Params {
		if i < len(args) {
			childParams[param.Name] = args[i]
		}
	}
	childCtx := execCtx.WithPipelineParameters(childKey, childParams)

	result := e.Execute(ctx, child, childCtx, childKey, sessionID, runID)
	merged := execCtx.Merge(result.Context)
	if !result.Success {
		return e.handleStepError(merged, p, pipelineKey, step, result.Error, sessionID, runID)
	}
	if result.Paused {
		return merged, "", ExecutionResult{Context: merged, Success: true, Paused: true, RunStatus: RunStatusRun}, true
	}
	return e.afterSuccess(merged, p, pipelineKey, step, StepResponse{PrimaryReturn: true}, sessionID, runID)
}
