// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/noldarim/pipelinecore/internal/pipelineerr"
	"github.com/samber/lo"
)

// Optional is the lightweight "one level of optionality" container the
// mapper's unwrapping rule operates on.
// Globals and step responses may store a value wrapped in Optional to mean
// "this may be absent"; the mapper unwraps exactly one such layer before
// handing a value to a step.
type Optional struct {
	Value   any
	Present bool
}

// Some wraps a present value.
func Some(v any) Optional { return Optional{Value: v, Present: true} }

// None is the canonical empty Optional.
var None = Optional{}

func unwrapOptional(v any) any {
	if opt, ok := v.(Optional); ok {
		if !opt.Present {
			return nil
		}
		return opt.Value
	}
	return v
}

// Mapper resolves a step's declared Parameter values against an
// ExecutionContext using the mapper's expression grammar.
type Mapper struct {
	ctx *ExecutionContext
}

// NewMapper builds a Mapper bound to ctx. The executor rebinds a fresh
// Mapper to each new ExecutionContext snapshot (see context.go).
func NewMapper(ctx *ExecutionContext) *Mapper {
	return &Mapper{ctx: ctx}
}

// ResolveParameters resolves every parameter of step against the pipeline's
// current state key, returning an ordered positional argument list matching
// Params declaration order.
func (m *Mapper) ResolveParameters(pipelineKey StateKey, step *FlowStep) ([]any, error) {
	args := make([]any, len(step.Params))
	for i, p := range step.Params {
		v, err := m.Resolve(pipelineKey, p)
		if err != nil {
			getMapperLog().Warn().Err(err).Str("step", step.ID).Str("param", p.Name).Msg("parameter resolution failed")
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// Resolve evaluates a single Parameter's value string against the mapper
// grammar, applying `||` alternatives (lower precedence than any
// prefix/dot navigation), type coercion, and the optional-unwrapping rule.
func (m *Mapper) Resolve(pipelineKey StateKey, p Parameter) (any, error) {
	switch p.Type {
	case ParamTypeScript, ParamTypeScalaScript:
		src, _ := p.Value.(string)
		return ScriptExpression{Source: src, Bindings: map[string]any{}}, nil
	case ParamTypeList:
		items, ok := p.Value.([]any)
		if !ok {
			return m.resolveScalar(pipelineKey, p)
		}
		resolved := lo.Map(items, func(item any, _ int) any {
			v, err := m.resolveValueString(pipelineKey, p.Name, toExprString(item))
			if err != nil {
				return nil
			}
			return v
		})
		return resolved, nil
	case ParamTypeObject:
		nested, ok := p.Value.(map[string]any)
		if !ok {
			return m.resolveScalar(pipelineKey, p)
		}
		out := make(map[string]any, len(nested))
		for k, raw := range nested {
			v, err := m.resolveValueString(pipelineKey, p.Name+"."+k, toExprString(raw))
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return m.resolveScalar(pipelineKey, p)
	}
}

func toExprString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (m *Mapper) resolveScalar(pipelineKey StateKey, p Parameter) (any, error) {
	exprStr, isString := p.Value.(string)
	if !isString {
		return p.Value, nil // already a literal, non-string value (e.g. a bool/int set directly)
	}
	v, err := m.resolveValueString(pipelineKey, p.Name, exprStr)
	if err != nil {
		return nil, err
	}
	return coerce(p.Name, p.Type, v)
}

// resolveValueString applies `||` alternatives then a single mapper
// expression, returning the first alternative that resolves non-empty.
func (m *Mapper) resolveValueString(pipelineKey StateKey, paramName, expr string) (any, error) {
	alternatives := strings.Split(expr, "||")
	var lastErr error
	for _, alt := range alternatives {
		alt = strings.TrimSpace(alt)
		v, err := m.resolveToken(pipelineKey, alt)
		if err != nil {
			lastErr = err
			continue
		}
		v = unwrapOptional(v)
		if !isEmptyValue(v) {
			return v, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

// resolveToken dispatches on the expression's leading prefix character.
func (m *Mapper) resolveToken(pipelineKey StateKey, token string) (any, error) {
	if token == "" {
		return "", nil
	}
	prefix, rest := token[0], token[1:]
	switch prefix {
	case '!':
		return m.resolveGlobal(rest)
	case '$':
		return m.resolveStepReference(rest, selectAuto)
	case '@':
		return m.resolveStepReference(rest, selectPrimary)
	case '#':
		return m.resolveStepReference(rest, selectNamed)
	case '&':
		p, ok := m.ctx.Registry.Get(rest)
		if !ok {
			return nil, pipelineerr.NewPipelineNotFoundError(rest)
		}
		return p, nil
	case '?':
		v, ok := m.ctx.PipelineParameterValue(rootPipelineKey(pipelineKey), rest)
		if !ok {
			return nil, pipelineerr.NewParameterMissingError(rest, token)
		}
		return v, nil
	case '%':
		if m.ctx.Credential == nil {
			return nil, pipelineerr.NewParameterMissingError(rest, token)
		}
		v, ok := m.ctx.Credential.GetNamedCredential(rest)
		if !ok {
			return nil, pipelineerr.NewParameterMissingError(rest, token)
		}
		return v, nil
	default:
		return token, nil // literal
	}
}

// rootPipelineKey strips step/fork qualifiers, keeping only the pipeline
// identity a `?` lookup is namespaced by.
func rootPipelineKey(k StateKey) StateKey {
	return StateKey{PipelineID: k.PipelineID, ParentGroup: k.ParentGroup}
}

func (m *Mapper) resolveGlobal(name string) (any, error) {
	if link, ok := m.ctx.GlobalLinks()[name]; ok && link != "" {
		return m.resolveToken(StateKey{}, link)
	}
	v, ok := m.ctx.globals[name]
	if !ok {
		return nil, pipelineerr.NewParameterMissingError(name, "!"+name)
	}
	return unwrapOptional(v), nil
}

type selectMode int

const (
	selectAuto selectMode = iota
	selectPrimary
	selectNamed
)

// resolveStepReference implements the `$`/`@`/`#` family: `rest` is
// `stepId[.primary|.namedKey][.dotted.path]`.
func (m *Mapper) resolveStepReference(rest string, mode selectMode) (any, error) {
	segments := strings.Split(rest, ".")
	if len(segments) == 0 || segments[0] == "" {
		return nil, pipelineerr.NewParameterMissingError(rest, "$"+rest)
	}
	stepID := segments[0]
	remainder := segments[1:]

	var selector string
	var path []string
	switch mode {
	case selectPrimary:
		selector, path = "primary", remainder
	case selectNamed:
		selector, path = "namedReturns", remainder
	default:
		if len(remainder) > 0 {
			selector, path = remainder[0], remainder[1:]
		}
	}

	matches := m.ctx.StepResultsByStepID(stepID)
	if len(matches) == 0 {
		getMapperLog().Debug().Str("step", stepID).Str("reference", rest).Msg("step reference resolved to no results")
		return nil, pipelineerr.NewParameterMissingError(stepID, "$"+rest)
	}
	if len(matches) == 1 {
		return selectAndWalk(matches[0].Response, selector, path)
	}
	// Forked step id: fan the selection out across slots, ordered by index.
	return lo.Map(matches, func(ir IndexedResponse, _ int) any {
		v, err := selectAndWalk(ir.Response, selector, path)
		if err != nil {
			return nil
		}
		return v
	}), nil
}

func selectAndWalk(resp StepResponse, selector string, path []string) (any, error) {
	var v any
	switch selector {
	case "", "primary":
		v = resp.PrimaryReturn
	case "namedReturns":
		v = resp.NamedReturns
	default:
		if resp.NamedReturns != nil {
			if nv, ok := resp.NamedReturns[selector]; ok {
				v = nv
				break
			}
		}
		// Not a recognized selector keyword and not a named-return key:
		// treat it as the first segment of the dotted path into primary.
		path = append([]string{selector}, path...)
		v = resp.PrimaryReturn
	}
	return walkPath(unwrapOptional(v), path)
}

// walkPath descends through maps (by key) and lists (by numeric index).
func walkPath(v any, path []string) (any, error) {
	for _, seg := range path {
		switch container := v.(type) {
		case map[string]any:
			next, ok := container[seg]
			if !ok {
				return nil, pipelineerr.NewParameterMissingError(seg, seg)
			}
			v = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(container) {
				return nil, pipelineerr.NewParameterMissingError(seg, seg)
			}
			v = container[idx]
		default:
			return nil, pipelineerr.NewParameterMissingError(seg, seg)
		}
	}
	return v, nil
}

// ScriptExpression is the value presented to a step whose Parameter.Type is
// script/scalascript: the embedded program source plus a bindings map.
// Mapper.Resolve fills in Source and leaves Bindings empty; it does not
// resolve any bindings.
type ScriptExpression struct {
	Source   string
	Bindings map[string]any
}

// coerce applies the mapper's type coercion table. Unknown types pass through
// unchanged; integer/boolean/string/double use a conservative parse that
// fails with ParameterTypeError.
func coerce(paramName string, t ParameterType, v any) (any, error) {
	switch t {
	case ParamTypeString:
		if v == nil {
			return "", nil
		}
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	case ParamTypeInteger:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			return int(n), nil
		case string:
			i, err := strconv.Atoi(strings.TrimSpace(n))
			if err != nil {
				return nil, pipelineerr.NewParameterTypeError(paramName, string(t), v, err)
			}
			return i, nil
		default:
			return nil, pipelineerr.NewParameterTypeError(paramName, string(t), v, fmt.Errorf("unsupported value %T", v))
		}
	case ParamTypeDouble:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, pipelineerr.NewParameterTypeError(paramName, string(t), v, err)
			}
			return f, nil
		default:
			return nil, pipelineerr.NewParameterTypeError(paramName, string(t), v, fmt.Errorf("unsupported value %T", v))
		}
	case ParamTypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, pipelineerr.NewParameterTypeError(paramName, string(t), v, err)
			}
			return parsed, nil
		default:
			return nil, pipelineerr.NewParameterTypeError(paramName, string(t), v, fmt.Errorf("unsupported value %T", v))
		}
	default:
		return v, nil
	}
}
