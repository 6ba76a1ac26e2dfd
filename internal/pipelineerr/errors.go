// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipelineerr collects the typed error kinds the executor, mapper,
// and invoker use to drive control flow: PauseError and SkipStepError are
// recognized by the retry loop and the executor's step dispatch, the rest
// carry enough context to report a failure without losing its origin.
package pipelineerr

import (
	"errors"
	"fmt"
)

// ValidationError reports a structural problem found while validating a
// pipeline definition, before any execution is attempted.
type ValidationError struct {
	PipelineID string
	Message    string
}

func NewValidationError(pipelineID, message string) *ValidationError {
	return &ValidationError{PipelineID: pipelineID, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline %q: %s", e.PipelineID, e.Message)
}

// PauseError signals that a step wants execution to suspend at its key
// rather than fail or continue. Steps return this directly; the executor
// never constructs one itself.
type PauseError struct {
	Reason string
}

func NewPauseError(reason string) *PauseError {
	return &PauseError{Reason: reason}
}

func (e *PauseError) Error() string {
	if e.Reason == "" {
		return "pipeline paused"
	}
	return fmt.Sprintf("pipeline paused: %s", e.Reason)
}

// IsPause reports whether err is (or wraps) a PauseError.
func IsPause(err error) bool {
	var pe *PauseError
	return errors.As(err, &pe)
}

// SkipStepError signals that a step elected not to run; steps return it
// directly, and the executor proceeds past the step without recording a
// failure.
type SkipStepError struct {
	Reason string
}

func NewSkipStepError(reason string) *SkipStepError {
	return &SkipStepError{Reason: reason}
}

func (e *SkipStepError) Error() string {
	if e.Reason == "" {
		return "step skipped"
	}
	return fmt.Sprintf("step skipped: %s", e.Reason)
}

// IsSkip reports whether err is (or wraps) a SkipStepError.
func IsSkip(err error) bool {
	var se *SkipStepError
	return errors.As(err, &se)
}

// StepInvocationError wraps an arbitrary step-implementation error with the
// canonical state key it occurred at, for callers that only ever want to
// inspect one error shape regardless of what the underlying step returned.
type StepInvocationError struct {
	Key string
	Err error
}

func NewStepInvocationError(key string, err error) *StepInvocationError {
	return &StepInvocationError{Key: key, Err: err}
}

func (e *StepInvocationError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Key, e.Err)
}

func (e *StepInvocationError) Unwrap() error { return e.Err }

// SlotFailure pairs a fork/split slot's index (and, for splits, its branch
// label) with the error that slot produced.
type SlotFailure struct {
	Index int
	Label string
	Err   error
}

// ForkedStepError aggregates the failures from a fork's parallel slots.
// AllFailed distinguishes "every slot failed" from "some slots failed" for
// callers applying a partial-failure policy.
type ForkedStepError struct {
	StepID    string
	Failures  []SlotFailure
	AllFailed bool
}

func NewForkedStepError(stepID string, failures []SlotFailure, allFailed bool) *ForkedStepError {
	return &ForkedStepError{StepID: stepID, Failures: failures, AllFailed: allFailed}
}

func (e *ForkedStepError) Error() string {
	return fmt.Sprintf("fork %q: %d slot(s) failed", e.StepID, len(e.Failures))
}

// SplitStepError aggregates the failures from a split's named branches.
type SplitStepError struct {
	StepID    string
	Failures  []SlotFailure
	AllFailed bool
}

func NewSplitStepError(stepID string, failures []SlotFailure, allFailed bool) *SplitStepError {
	return &SplitStepError{StepID: stepID, Failures: failures, AllFailed: allFailed}
}

func (e *SplitStepError) Error() string {
	return fmt.Sprintf("split %q: %d branch(es) failed", e.StepID, len(e.Failures))
}

// BranchNoMatchError reports that a Branch step's resolved value matched
// none of its declared result edges.
type BranchNoMatchError struct {
	StepID string
	Value  any
}

func NewBranchNoMatchError(stepID string, value any) *BranchNoMatchError {
	return &BranchNoMatchError{StepID: stepID, Value: value}
}

func (e *BranchNoMatchError) Error() string {
	return fmt.Sprintf("branch %q: no edge matches value %v", e.StepID, e.Value)
}

// PipelineNotFoundError reports that a step-group or mapper `&pipelineId`
// reference resolved to no entry in the PipelineRegistry.
type PipelineNotFoundError struct {
	PipelineID string
}

func NewPipelineNotFoundError(pipelineID string) *PipelineNotFoundError {
	return &PipelineNotFoundError{PipelineID: pipelineID}
}

func (e *PipelineNotFoundError) Error() string {
	return fmt.Sprintf("pipeline %q not found", e.PipelineID)
}

// ParameterMissingError reports that a mapper expression referenced a name
// with no bound value (a global, step result, or pipeline parameter).
type ParameterMissingError struct {
	Name  string
	Token string
}

func NewParameterMissingError(name, token string) *ParameterMissingError {
	return &ParameterMissingError{Name: name, Token: token}
}

func (e *ParameterMissingError) Error() string {
	return fmt.Sprintf("parameter %q: no value bound for %q", e.Name, e.Token)
}

// RequiredParameterMissingError reports that a pipeline's declared required
// input was absent at invocation time.
type RequiredParameterMissingError struct {
	PipelineID string
	Name       string
}

func NewRequiredParameterMissingError(pipelineID, name string) *RequiredParameterMissingError {
	return &RequiredParameterMissingError{PipelineID: pipelineID, Name: name}
}

func (e *RequiredParameterMissingError) Error() string {
	return fmt.Sprintf("pipeline %q: required input %q missing", e.PipelineID, e.Name)
}

// ParameterTypeError reports that a resolved value could not be coerced to
// a Parameter's declared ParameterType.
type ParameterTypeError struct {
	Name  string
	Type  string
	Value any
	Err   error
}

func NewParameterTypeError(name, typ string, value any, err error) *ParameterTypeError {
	return &ParameterTypeError{Name: name, Type: typ, Value: value, Err: err}
}

func (e *ParameterTypeError) Error() string {
	return fmt.Sprintf("parameter %q: cannot coerce %v to %s: %v", e.Name, e.Value, e.Type, e.Err)
}

func (e *ParameterTypeError) Unwrap() error { return e.Err }
