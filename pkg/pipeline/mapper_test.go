// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"testing"

	"github.com/noldarim/pipelinecore/internal/pipelineerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapper_ResolveStepReference(t *testing.T) {
	ctx := newTestContext()
	key := NewPipelineKey("p1", nil).WithStep("s1")
	ctx = ctx.WithStepResult(key, StepResponse{
		PrimaryReturn: map[string]any{"name": "alice"},
		NamedReturns:  map[string]any{"total": 3},
	})

	v, err := ctx.Mapper.Resolve(NewPipelineKey("p1", nil), Parameter{Name: "n", Type: ParamTypeString, Value: "$s1.name"})
	require.NoError(t, err)
	assert.Equal(t, "alice", v)

	v, err = ctx.Mapper.Resolve(NewPipelineKey("p1", nil), Parameter{Name: "n", Type: ParamTypeInteger, Value: "$s1.total"})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestMapper_ResolveGlobalAndCredential(t *testing.T) {
	ctx := newTestContext().WithGlobal("env", "staging")
	ctx.Credential = NewStaticCredentialProvider(map[string]any{"apiKey": "secret-123"})

	v, err := ctx.Mapper.Resolve(NewPipelineKey("p1", nil), Parameter{Name: "n", Type: ParamTypeString, Value: "!env"})
	require.NoError(t, err)
	assert.Equal(t, "staging", v)

	v, err = ctx.Mapper.Resolve(NewPipelineKey("p1", nil), Parameter{Name: "n", Type: ParamTypeString, Value: "%apiKey"})
	require.NoError(t, err)
	assert.Equal(t, "secret-123", v)
}

func TestMapper_ResolveMissingGlobalReturnsParameterMissingError(t *testing.T) {
	ctx := newTestContext()
	_, err := ctx.Mapper.Resolve(NewPipelineKey("p1", nil), Parameter{Name: "n", Type: ParamTypeString, Value: "!missing"})
	require.Error(t, err)
	var missing *pipelineerr.ParameterMissingError
	assert.ErrorAs(t, err, &missing)
}

func TestMapper_AlternativesFallThroughOnEmpty(t *testing.T) {
	ctx := newTestContext().WithGlobal("override", "")
	ctx = ctx.WithGlobal("fallback", "default-value")

	v, err := ctx.Mapper.Resolve(NewPipelineKey("p1", nil), Parameter{
		Name: "n", Type: ParamTypeString, Value: "!override||!fallback",
	})
	require.NoError(t, err)
	assert.Equal(t, "default-value", v)
}

func TestMapper_PipelineRegistryLookup(t *testing.T) {
	child := &Pipeline{ID: "child", Steps: []FlowStep{{ID: "only", Type: StepTypePipeline}}}
	ctx := NewExecutionContext(nil, NewMapRegistry(child), NewStaticCredentialProvider(nil), NewMemorySessionStore())

	// ParamTypeResult is the one scalar type coerce() passes through
	// unchanged, needed here since &child resolves to a *Pipeline rather
	// than a string/int/bool/double.
	v, err := ctx.Mapper.Resolve(NewPipelineKey("p1", nil), Parameter{Name: "n", Type: ParamTypeResult, Value: "&child"})
	require.NoError(t, err)
	p, ok := v.(*Pipeline)
	require.True(t, ok)
	assert.Equal(t, "child", p.ID)

	_, err = ctx.Mapper.Resolve(NewPipelineKey("p1", nil), Parameter{Name: "n", Type: ParamTypeResult, Value: "&nope"})
	require.Error(t, err)
	var notFound *pipelineerr.PipelineNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestMapper_ResolveListElementWise(t *testing.T) {
	ctx := newTestContext().WithGlobal("a", "1").WithGlobal("b", "2")

	v, err := ctx.Mapper.Resolve(NewPipelineKey("p1", nil), Parameter{
		Name: "items", Type: ParamTypeList, Value: []any{"!a", "!b", "literal"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"1", "2", "literal"}, v)
}

func TestMapper_ResolveObjectElementWise(t *testing.T) {
	ctx := newTestContext().WithGlobal("host", "db.internal")

	v, err := ctx.Mapper.Resolve(NewPipelineKey("p1", nil), Parameter{
		Name: "conn", Type: ParamTypeObject, Value: map[string]any{"host": "!host", "port": "5432"},
	})
	require.NoError(t, err)
	obj, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "db.internal", obj["host"])
	assert.Equal(t, "5432", obj["port"])
}

func TestMapper_OptionalUnwrapping(t *testing.T) {
	ctx := newTestContext().WithGlobal("maybe", Some("present-value"))

	v, err := ctx.Mapper.Resolve(NewPipelineKey("p1", nil), Parameter{Name: "n", Type: ParamTypeString, Value: "!maybe"})
	require.NoError(t, err)
	assert.Equal(t, "present-value", v)
}

func TestMapper_CoerceInteger(t *testing.T) {
	ctx := newTestContext().WithGlobal("count", "42")
	v, err := ctx.Mapper.Resolve(NewPipelineKey("p1", nil), Parameter{Name: "n", Type: ParamTypeInteger, Value: "!count"})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestMapper_CoerceIntegerFailureWrapsParameterTypeError(t *testing.T) {
	ctx := newTestContext().WithGlobal("count", "not-a-number")
	_, err := ctx.Mapper.Resolve(NewPipelineKey("p1", nil), Parameter{Name: "n", Type: ParamTypeInteger, Value: "!count"})
	require.Error(t, err)
	var typeErr *pipelineerr.ParameterTypeError
	assert.ErrorAs(t, err, &typeErr)
}

func TestMapper_ForkedStepFanOut(t *testing.T) {
	ctx := newTestContext()
	forkBase := NewPipelineKey("p1", nil).WithStep("fanned")
	for i := 0; i < 2; i++ {
		key := forkBase.WithFork("fork-a", i, nil)
		ctx = ctx.WithStepResult(key, StepResponse{PrimaryReturn: i * 10})
	}

	v, err := ctx.Mapper.Resolve(NewPipelineKey("p1", nil), Parameter{Name: "n", Type: ParamTypeList, Value: "$fanned"})
	require.NoError(t, err)
	assert.Equal(t, []any{0, 10}, v)
}
