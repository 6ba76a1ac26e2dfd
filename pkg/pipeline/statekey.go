// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"fmt"
	"strings"
)

// ForkData identifies one slot of a fork: the fork group id, the zero-based
// index of this slot within the group, and the original value the slot was
// constructed from.
type ForkData struct {
	ID    string
	Index int
	Value any
}

// StateKey is the canonical identity of any executable position: a pipeline,
// optionally a step within it, optionally a fork slot of that step, and
// optionally a parent step-group key when nested. Two keys are equal iff
// their canonical encodings are equal.
type StateKey struct {
	PipelineID  string
	StepID      string
	ForkData    *ForkData
	ParentGroup *StateKey
}

// NewPipelineKey builds the root state key for a pipeline execution,
// nested under parent when this pipeline is invoked as a step-group.
func NewPipelineKey(pipelineID string, parent *StateKey) StateKey {
	return StateKey{PipelineID: pipelineID, ParentGroup: parent}
}

// WithStep returns a copy of k scoped to the given step.
func (k StateKey) WithStep(stepID string) StateKey {
	k.StepID = stepID
	k.ForkData = nil
	return k
}

// WithFork returns a copy of k scoped to one slot of a fork group.
func (k StateKey) WithFork(forkID string, index int, value any) StateKey {
	k.ForkData = &ForkData{ID: forkID, Index: index, Value: value}
	return k
}

// Canonical renders the stable string encoding used as a persistence key and
// for equality/prefix comparisons:
//
//	<parent-key?>.<pipelineId>[.s(<stepId>)][.f(<forkId>_<index>)]
//
// The step segment carries its own "s(...)" marker (mirroring the fork
// segment's "f(...)" marker) so a step id is never confused with a nested
// pipeline id on decode, regardless of nesting depth or whether a fork is
// present.
func (k StateKey) Canonical() string {
	var b strings.Builder
	if k.ParentGroup != nil {
		b.WriteString(k.ParentGroup.Canonical())
		b.WriteByte('.')
	}
	b.WriteString(k.PipelineID)
	if k.StepID != "" {
		fmt.Fprintf(&b, ".s(%s)", k.StepID)
	}
	if k.ForkData != nil {
		fmt.Fprintf(&b, ".f(%s_%d)", k.ForkData.ID, k.ForkData.Index)
	}
	return b.String()
}

func (k StateKey) String() string { return k.Canonical() }

// Equal compares two keys by canonical encoding.
func (k StateKey) Equal(other StateKey) bool {
	return k.Canonical() == other.Canonical()
}

// SameStep compares two keys ignoring fork slot data — used to find "the"
// step result of a forked step regardless of which slot produced it.
func SameStep(a, b StateKey) bool {
	a.ForkData = nil
	b.ForkData = nil
	return a.Canonical() == b.Canonical()
}

// ChildOf reports whether k is nested under parent, i.e. parent's canonical
// encoding is a proper dotted prefix of k's.
func ChildOf(parent, k StateKey) bool {
	p := parent.Canonical()
	c := k.Canonical()
	return strings.HasPrefix(c, p+".") && c != p
}

// ParseCanonical decodes a canonical string back into a StateKey. It is the
// inverse of Canonical for any key produced by this package (property P3),
// unconditionally: the "s(...)" and "f(...)" markers make each segment
// self-describing, so decoding never has to guess whether a bare segment is
// a step id or a nested pipeline id.
func ParseCanonical(s string) (StateKey, error) {
	if s == "" {
		return StateKey{}, fmt.Errorf("pipeline: empty state key")
	}
	segments := strings.Split(s, ".")

	// A fork segment looks like f(id_index) and is only ever the last
	// component, already attached during Canonical(). Re-split it out here.
	var forkData *ForkData
	if last := segments[len(segments)-1]; strings.HasPrefix(last, "f(") && strings.HasSuffix(last, ")") {
		inner := strings.TrimSuffix(strings.TrimPrefix(last, "f("), ")")
		idx := strings.LastIndex(inner, "_")
		if idx < 0 {
			return StateKey{}, fmt.Errorf("pipeline: malformed fork segment %q", last)
		}
		forkID := inner[:idx]
		var index int
		if _, err := fmt.Sscanf(inner[idx+1:], "%d", &index); err != nil {
			return StateKey{}, fmt.Errorf("pipeline: malformed fork index in %q: %w", last, err)
		}
		forkData = &ForkData{ID: forkID, Index: index}
		segments = segments[:len(segments)-1]
	}

	// A step segment looks like s(stepId) and, once any fork marker is
	// removed, is always the new last component if this key was built
	// WithStep.
	var stepID string
	if len(segments) > 0 {
		if last := segments[len(segments)-1]; strings.HasPrefix(last, "s(") && strings.HasSuffix(last, ")") {
			stepID = strings.TrimSuffix(strings.TrimPrefix(last, "s("), ")")
			segments = segments[:len(segments)-1]
		}
	}

	if len(segments) == 0 {
		return StateKey{}, fmt.Errorf("pipeline: malformed state key %q", s)
	}

	n := len(segments)
	pipelineID := segments[n-1]
	parentSegs := segments[:n-1]

	key := StateKey{PipelineID: pipelineID, StepID: stepID, ForkData: forkData}
	if len(parentSegs) > 0 {
		parent, err := ParseCanonical(strings.Join(parentSegs, "."))
		if err != nil {
			return StateKey{}, err
		}
		key.ParentGroup = &parent
	}
	return key, nil
}
