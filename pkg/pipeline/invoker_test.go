// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/noldarim/pipelinecore/internal/pipelineerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestStepInvoker_NativeSuccess(t *testing.T) {
	inv := NewStepInvoker()
	inv.RegisterNative("pkg", "obj", "fn", func(args []any, ctx *ExecutionContext) (any, error) {
		return args[0], nil
	})
	step := &FlowStep{ID: "s1", Package: "pkg", Object: "obj", Function: "fn"}

	resp, err := inv.InvokeWithRetry(context.Background(), step, []any{"hello"}, newTestContext(), NewPipelineKey("p1", nil).WithStep("s1"), fastRetryPolicy())
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.PrimaryReturn)
}

func TestStepInvoker_UnregisteredNativeIsWrapped(t *testing.T) {
	inv := NewStepInvoker()
	step := &FlowStep{ID: "s1", Package: "pkg", Object: "obj", Function: "missing"}

	_, err := inv.InvokeWithRetry(context.Background(), step, nil, newTestContext(), NewPipelineKey("p1", nil).WithStep("s1"), fastRetryPolicy())
	require.Error(t, err)
	var invErr *pipelineerr.StepInvocationError
	assert.ErrorAs(t, err, &invErr)
}

func TestStepInvoker_RetriesUpToRetryLimit(t *testing.T) {
	inv := NewStepInvoker()
	attempts := 0
	inv.RegisterNative("pkg", "obj", "flaky", func(args []any, ctx *ExecutionContext) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	step := &FlowStep{ID: "s1", Package: "pkg", Object: "obj", Function: "flaky", RetryLimit: 5}

	resp, err := inv.InvokeWithRetry(context.Background(), step, nil, newTestContext(), NewPipelineKey("p1", nil).WithStep("s1"), fastRetryPolicy())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.PrimaryReturn)
	assert.Equal(t, 3, attempts)
}

func TestStepInvoker_ExhaustsRetryLimit(t *testing.T) {
	inv := NewStepInvoker()
	attempts := 0
	inv.RegisterNative("pkg", "obj", "alwaysFails", func(args []any, ctx *ExecutionContext) (any, error) {
		attempts++
		return nil, errors.New("permanent")
	})
	step := &FlowStep{ID: "s1", Package: "pkg", Object: "obj", Function: "alwaysFails", RetryLimit: 2}

	_, err := inv.InvokeWithRetry(context.Background(), step, nil, newTestContext(), NewPipelineKey("p1", nil).WithStep("s1"), fastRetryPolicy())
	require.Error(t, err)
	assert.Equal(t, 3, attempts) // one initial attempt plus RetryLimit retries
}

func TestStepInvoker_PauseErrorStopsRetryingImmediately(t *testing.T) {
	inv := NewStepInvoker()
	attempts := 0
	inv.RegisterNative("pkg", "obj", "pausing", func(args []any, ctx *ExecutionContext) (any, error) {
		attempts++
		return nil, pipelineerr.NewPauseError("waiting on approval")
	})
	step := &FlowStep{ID: "s1", Package: "pkg", Object: "obj", Function: "pausing", RetryLimit: 5}

	_, err := inv.InvokeWithRetry(context.Background(), step, nil, newTestContext(), NewPipelineKey("p1", nil).WithStep("s1"), fastRetryPolicy())
	require.Error(t, err)
	assert.True(t, pipelineerr.IsPause(err))
	assert.Equal(t, 1, attempts)
}

func TestStepInvoker_SkipErrorStopsRetryingImmediately(t *testing.T) {
	inv := NewStepInvoker()
	attempts := 0
	inv.RegisterNative("pkg", "obj", "skipping", func(args []any, ctx *ExecutionContext) (any, error) {
		attempts++
		return nil, pipelineerr.NewSkipStepError("condition not met")
	})
	step := &FlowStep{ID: "s1", Package: "pkg", Object: "obj", Function: "skipping", RetryLimit: 5}

	_, err := inv.InvokeWithRetry(context.Background(), step, nil, newTestContext(), NewPipelineKey("p1", nil).WithStep("s1"), fastRetryPolicy())
	require.Error(t, err)
	assert.True(t, pipelineerr.IsSkip(err))
	assert.Equal(t, 1, attempts)
}

func TestStepInvoker_WrapResultUnwrapsOptional(t *testing.T) {
	inv := NewStepInvoker()
	inv.RegisterNative("pkg", "obj", "opt", func(args []any, ctx *ExecutionContext) (any, error) {
		return Some("value"), nil
	})
	step := &FlowStep{ID: "s1", Package: "pkg", Object: "obj", Function: "opt"}

	resp, err := inv.InvokeWithRetry(context.Background(), step, nil, newTestContext(), NewPipelineKey("p1", nil).WithStep("s1"), fastRetryPolicy())
	require.NoError(t, err)
	assert.Equal(t, "value", resp.PrimaryReturn)
}

type stubScriptEngine struct{}

func (stubScriptEngine) Execute(source string, bindings map[string]any, ctx *ExecutionContext) (any, error) {
	return source + "-executed", nil
}

func TestStepInvoker_ScriptDispatch(t *testing.T) {
	inv := NewStepInvoker()
	inv.RegisterScriptEngine(ParamTypeScript, stubScriptEngine{})
	step := &FlowStep{ID: "s1", Params: []Parameter{{Name: "body", Type: ParamTypeScript}}}

	resp, err := inv.InvokeWithRetry(context.Background(), step,
		[]any{ScriptExpression{Source: "1+1", Bindings: map[string]any{}}},
		newTestContext(), NewPipelineKey("p1", nil).WithStep("s1"), fastRetryPolicy())
	require.NoError(t, err)
	assert.Equal(t, "1+1-executed", resp.PrimaryReturn)
}
