// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/noldarim/pipelinecore/internal/pipelineerr"
)

// NativeFunc is a step implementation addressed by (package, object,
// function). The context is appended by the
// invoker whenever the step declares a need for it; native funcs in this
// module always receive it for simplicity.
type NativeFunc func(args []any, ctx *ExecutionContext) (any, error)

// ScriptEngine executes a scripted step's source against a binding map
// (script/scalascript, one registry entry per language).
type ScriptEngine interface {
	Execute(source string, bindings map[string]any, ctx *ExecutionContext) (any, error)
}

// StepInvoker adapts the uniform (package, object, function) contract over
// native functions and scripted engines.
type StepInvoker struct {
	native  map[string]NativeFunc
	engines map[ParameterType]ScriptEngine
}

// NewStepInvoker builds an invoker with no registrations.
func NewStepInvoker() *StepInvoker {
	return &StepInvoker{native: map[string]NativeFunc{}, engines: map[ParameterType]ScriptEngine{}}
}

// RegisterNative registers a step implementation under its (package,
// object, function) address.
func (i *StepInvoker) RegisterNative(pkg, object, function string, fn NativeFunc) {
	i.native[nativeKey(pkg, object, function)] = fn
}

// RegisterScriptEngine registers the engine invoked for parameters of the
// given script type (ParamTypeScript or ParamTypeScalaScript).
func (i *StepInvoker) RegisterScriptEngine(t ParameterType, engine ScriptEngine) {
	i.engines[t] = engine
}

func nativeKey(pkg, object, function string) string {
	return pkg + "/" + object + "/" + function
}

// invoke dispatches a single attempt: scripted if any resolved argument is
// a ScriptExpression, native by (package, object, function) otherwise.
// The raw result is wrapped into a StepResponse per its wrapping rules.
func (i *StepInvoker) invoke(step *FlowStep, args []any, ctx *ExecutionContext) (StepResponse, error) {
	for idx, a := range args {
		if script, ok := a.(ScriptExpression); ok {
			t := ParamTypeScript
			if idx < len(step.Params) {
				t = step.Params[idx].Type
			}
			engine, ok := i.engines[t]
			if !ok {
				return StepResponse{}, fmt.Errorf("no script engine registered for type %s", t)
			}
			raw, err := engine.Execute(script.Source, script.Bindings, ctx)
			if err != nil {
				return StepResponse{}, err
			}
			return wrapResult(raw), nil
		}
	}

	fn, ok := i.native[nativeKey(step.Package, step.Object, step.Function)]
	if !ok {
		return StepResponse{}, fmt.Errorf("no native step registered for %s/%s/%s", step.Package, step.Object, step.Function)
	}
	raw, err := fn(args, ctx)
	if err != nil {
		return StepResponse{}, err
	}
	return wrapResult(raw), nil
}

// wrapResult applies the result-wrapping rules.
func wrapResult(raw any) StepResponse {
	switch v := raw.(type) {
	case StepResponse:
		return v
	case Optional:
		return StepResponse{PrimaryReturn: unwrapOptional(v)}
	default:
		return StepResponse{PrimaryReturn: raw}
	}
}

// RetryPolicy controls a step's retry backoff: starting at Initial, doubling,
// capped at Max, stopping after step.RetryLimit retries.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultRetryPolicy returns the default backoff parameters.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: 100 * time.Millisecond, Max: 10 * time.Second}
}

// InvokeWithRetry invokes step, retrying on any error except PauseError and
// SkipStepError, up to step.RetryLimit additional attempts with capped
// exponential backoff. All invocation errors that are not already
// a recognized control-flow error are wrapped as StepInvocationError.
func (i *StepInvoker) InvokeWithRetry(ctx context.Context, step *FlowStep, args []any, execCtx *ExecutionContext, key StateKey, policy RetryPolicy) (StepResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.Initial
	b.MaxInterval = policy.Max
	b.Multiplier = 2

	maxTries := uint(step.RetryLimit) + 1

	operation := func() (StepResponse, error) {
		resp, err := i.invoke(step, args, execCtx)
		if err == nil {
			return resp, nil
		}
		if pipelineerr.IsPause(err) || pipelineerr.IsSkip(err) {
			return StepResponse{}, backoff.Permanent(err)
		}
		return StepResponse{}, asStepInvocationError(key, err)
	}

	resp, err := backoff.Retry(ctx, operation, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
	return resp, err
}

// asStepInvocationError wraps err as a StepInvocationError unless it is
// already one of the recognized control-flow / aggregate error kinds that
// the executor inspects by type.
func asStepInvocationError(key StateKey, err error) error {
	switch err.(type) {
	case *pipelineerr.StepInvocationError, *pipelineerr.PauseError, *pipelineerr.SkipStepError,
		*pipelineerr.ForkedStepError, *pipelineerr.SplitStepError, *pipelineerr.BranchNoMatchError,
		*pipelineerr.PipelineNotFoundError, *pipelineerr.ParameterMissingError, *pipelineerr.ParameterTypeError,
		*pipelineerr.RequiredParameterMissingError:
		return err
	default:
		return pipelineerr.NewStepInvocationError(key.Canonical(), err)
	}
}
