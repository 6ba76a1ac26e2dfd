// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import "github.com/samber/lo"

// PipelineParameter binds the parameter values passed to one pipeline
// invocation (its `?name` namespace) to the StateKey that invocation runs
// under — distinct pipeline keys see distinct `?` namespaces, which is how
// a step-group's parent and child pipelines stay independent.
type PipelineParameter struct {
	PipelineKey StateKey
	Values      map[string]any
}

// ExecutionContext is an immutable snapshot of everything the executor,
// mapper, and invoker need to advance a pipeline by one step. Every
// mutating operation returns a new snapshot; the receiver is left untouched
// and remains a valid, usable context.
type ExecutionContext struct {
	globals     map[string]any
	parameters  []PipelineParameter
	stepResults map[string]StepResponse // keyed by StateKey.Canonical()
	audits      *AuditLedger
	current     *StateKey

	Listener   Listener
	Mapper     *Mapper
	Registry   PipelineRegistry
	Credential CredentialProvider
	Session    SessionStore
}

// NewExecutionContext builds an empty context with the given collaborators.
func NewExecutionContext(listener Listener, registry PipelineRegistry, cred CredentialProvider, session SessionStore) *ExecutionContext {
	ctx := &ExecutionContext{
		globals:     map[string]any{"GlobalLinks": map[string]string{}},
		stepResults: map[string]StepResponse{},
		audits:      NewAuditLedger(),
		Listener:    listener,
		Registry:    registry,
		Credential:  cred,
		Session:     session,
	}
	ctx.Mapper = NewMapper(ctx)
	return ctx
}

// clone makes a shallow copy of c with its own top-level maps/slices so
// mutations to the copy never affect c (copy-on-write snapshotting).
func (c *ExecutionContext) clone() *ExecutionContext {
	next := &ExecutionContext{
		globals:     make(map[string]any, len(c.globals)),
		parameters:  append([]PipelineParameter(nil), c.parameters...),
		stepResults: make(map[string]StepResponse, len(c.stepResults)),
		audits:      c.audits.Clone(),
		current:     c.current,
		Listener:    c.Listener,
		Registry:    c.Registry,
		Credential:  c.Credential,
		Session:     c.Session,
	}
	for k, v := range c.globals {
		next.globals[k] = v
	}
	for k, v := range c.stepResults {
		next.stepResults[k] = v
	}
	next.Mapper = NewMapper(next)
	return next
}

// Globals returns the live (unmodifiable-by-convention) globals map.
func (c *ExecutionContext) Globals() map[string]any { return c.globals }

// GlobalLinks returns the reserved GlobalLinks submap.
func (c *ExecutionContext) GlobalLinks() map[string]string {
	if links, ok := c.globals["GlobalLinks"].(map[string]string); ok {
		return links
	}
	return map[string]string{}
}

// WithGlobal returns a new context with globals[name] = value.
func (c *ExecutionContext) WithGlobal(name string, value any) *ExecutionContext {
	next := c.clone()
	next.globals[name] = value
	return next
}

// WithGlobalLink returns a new context with GlobalLinks[name] = path.
func (c *ExecutionContext) WithGlobalLink(name, path string) *ExecutionContext {
	next := c.clone()
	links := make(map[string]string)
	for k, v := range next.GlobalLinks() {
		links[k] = v
	}
	links[name] = path
	next.globals["GlobalLinks"] = links
	return next
}

// WithPipelineParameters returns a new context with the `?name` namespace
// for pipelineKey set to values.
func (c *ExecutionContext) WithPipelineParameters(pipelineKey StateKey, values map[string]any) *ExecutionContext {
	next := c.clone()
	next.parameters = append(next.parameters, PipelineParameter{PipelineKey: pipelineKey, Values: values})
	return next
}

// PipelineParameterValue looks up `?name` within pipelineKey's namespace.
func (c *ExecutionContext) PipelineParameterValue(pipelineKey StateKey, name string) (any, bool) {
	for i := len(c.parameters) - 1; i >= 0; i-- {
		if c.parameters[i].PipelineKey.Equal(pipelineKey) {
			v, ok := c.parameters[i].Values[name]
			return v, ok
		}
	}
	return nil, false
}

// CurrentState returns the state key the context is currently positioned
// at, if any.
func (c *ExecutionContext) CurrentState() (StateKey, bool) {
	if c.current == nil {
		return StateKey{}, false
	}
	return *c.current, true
}

// WithCurrentState returns a new context positioned at key.
func (c *ExecutionContext) WithCurrentState(key StateKey) *ExecutionContext {
	next := c.clone()
	next.current = &key
	return next
}

// WithStepResult returns a new context with stepResults[key] = resp,
// applying any `$globals.*` / `$globalLink.*` mutations carried in resp's
// named returns.
func (c *ExecutionContext) WithStepResult(key StateKey, resp StepResponse) *ExecutionContext {
	next := c.clone()
	next.stepResults[key.Canonical()] = resp
	globals, links := resp.GlobalMutations()
	for k, v := range globals {
		next.globals[k] = v
	}
	if len(links) > 0 {
		merged := make(map[string]string)
		for k, v := range next.GlobalLinks() {
			merged[k] = v
		}
		for k, v := range links {
			merged[k] = v
		}
		next.globals["GlobalLinks"] = merged
	}
	return next
}

// StepResult returns the response stored at the exact key, if any.
func (c *ExecutionContext) StepResult(key StateKey) (StepResponse, bool) {
	r, ok := c.stepResults[key.Canonical()]
	return r, ok
}

// IndexedResponse pairs a fork slot index with its response, used when a
// step id is scanned across a fork group (the mapper's `$stepId` resolution).
type IndexedResponse struct {
	Index    int
	Response StepResponse
}

// StepResultsByStepID scans for every stored result whose key's StepID
// matches stepID (SameStep-equal) regardless of pipeline/fork nesting,
// returning them ordered by fork index. A non-forked match has Index 0.
func (c *ExecutionContext) StepResultsByStepID(stepID string) []IndexedResponse {
	type entry struct {
		canon string
		key   StateKey
		resp  StepResponse
	}
	var matches []entry
	for canon, resp := range c.stepResults {
		key, err := ParseCanonical(canon)
		if err != nil {
			continue
		}
		if stepIDOf(key) == stepID {
			matches = append(matches, entry{canon: canon, key: key, resp: resp})
		}
	}
	indexed := lo.Map(matches, func(e entry, _ int) IndexedResponse {
		idx := 0
		if e.key.ForkData != nil {
			idx = e.key.ForkData.Index
		}
		return IndexedResponse{Index: idx, Response: e.resp}
	})
	return sortIndexed(indexed)
}

// stepIDOf returns the step id a key denotes, looking past fork/parent
// nesting to the innermost step segment actually stored at this key.
func stepIDOf(k StateKey) string { return k.StepID }

func sortIndexed(in []IndexedResponse) []IndexedResponse {
	out := append([]IndexedResponse(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Index < out[j-1].Index; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// AllStepResults returns a copy of every stored (canonical key, response)
// pair.
func (c *ExecutionContext) AllStepResults() map[string]StepResponse {
	out := make(map[string]StepResponse, len(c.stepResults))
	for k, v := range c.stepResults {
		out[k] = v
	}
	return out
}

// Audits returns the context's audit ledger.
func (c *ExecutionContext) Audits() *AuditLedger { return c.audits }

// WithAudits returns a new context whose ledger is ledger (used after
// opening/closing an audit, since AuditLedger mutates in place for
// convenience but the context wrapping it is still treated as a snapshot).
func (c *ExecutionContext) WithAudits(ledger *AuditLedger) *ExecutionContext {
	next := c.clone()
	next.audits = ledger
	return next
}

// Merge combines incoming into c:
//  1. stepResults not already present in c are added; their $globals./
//     $globalLink. named returns are applied to the merged globals.
//  2. incoming's audits are upserted into c's ledger by canonical key.
//  3. all other fields of c (mapper, listener, ...) are preserved.
func (c *ExecutionContext) Merge(incoming *ExecutionContext) *ExecutionContext {
	if incoming == nil {
		return c
	}
	next := c.clone()
	for canon, resp := range incoming.stepResults {
		if _, exists := next.stepResults[canon]; exists {
			continue
		}
		next.stepResults[canon] = resp
		globals, links := resp.GlobalMutations()
		for k, v := range globals {
			next.globals[k] = v
		}
		if len(links) > 0 {
			merged := make(map[string]string)
			for k, v := range next.GlobalLinks() {
				merged[k] = v
			}
			for k, v := range links {
				merged[k] = v
			}
			next.globals["GlobalLinks"] = merged
		}
	}
	next.audits.Merge(incoming.audits)
	return next
}
