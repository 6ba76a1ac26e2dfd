// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/noldarim/pipelinecore/internal/pipelineerr"
)

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInst = validator.New()
	})
	return validatorInst
}

// Validate checks a Pipeline's field-level constraints (struct tags) plus
// structural rules on its top-level steps: step ids are unique,
// next/nextOnError/nextAfter targets exist, every Fork declares a Join step
// id found among its sub-steps with type Join, and every Split has at least
// one branch, each declaring that Merge step id among its steps with type
// Merge. It does not follow next links to confirm that the Join/Merge is
// reachable, and it does not validate the steps inside fork sub-sequences or
// split branches.
func (p *Pipeline) Validate() error {
	if err := validatorInstance().Struct(p); err != nil {
		return pipelineerr.NewValidationError(p.ID, err.Error())
	}

	seen := map[string]bool{}
	for _, s := range p.Steps {
		if seen[s.ID] {
			return pipelineerr.NewValidationError(p.ID, fmt.Sprintf("duplicate step id %q", s.ID))
		}
		seen[s.ID] = true
	}

	ids := map[string]bool{}
	for _, s := range p.Steps {
		ids[s.ID] = true
	}
	for _, s := range p.Steps {
		if s.Next != "" && !ids[s.Next] {
			return pipelineerr.NewValidationError(p.ID, fmt.Sprintf("step %q: next %q does not exist", s.ID, s.Next))
		}
		if s.NextOnError != "" && !ids[s.NextOnError] {
			return pipelineerr.NewValidationError(p.ID, fmt.Sprintf("step %q: nextOnError %q does not exist", s.ID, s.NextOnError))
		}
		switch s.Type {
		case StepTypeFork:
			if err := validateTerminator(p.ID, s.ID, s.SubSteps, s.JoinStep, StepTypeJoin); err != nil {
				return err
			}
			if s.NextAfter != "" && !ids[s.NextAfter] {
				return pipelineerr.NewValidationError(p.ID, fmt.Sprintf("fork %q: nextAfter %q does not exist", s.ID, s.NextAfter))
			}
		case StepTypeSplit:
			if len(s.Branches) == 0 {
				return pipelineerr.NewValidationError(p.ID, fmt.Sprintf("split %q: no branches declared", s.ID))
			}
			for name, branch := range s.Branches {
				if err := validateTerminator(p.ID, s.ID+"/"+name, branch, s.JoinStep, StepTypeMerge); err != nil {
					return err
				}
			}
			if s.NextAfter != "" && !ids[s.NextAfter] {
				return pipelineerr.NewValidationError(p.ID, fmt.Sprintf("split %q: nextAfter %q does not exist", s.ID, s.NextAfter))
			}
		}
	}
	return nil
}

// validateTerminator checks that joinID is non-empty and names a step in
// the sub-sequence whose type is want. The walk over next links below has
// no effect on the result: reachability of joinID is not enforced.
func validateTerminator(pipelineID, context string, subSteps []FlowStep, joinID string, want StepType) error {
	if joinID == "" {
		return pipelineerr.NewValidationError(pipelineID, fmt.Sprintf("%s: no join/merge step id declared", context))
	}
	idx := stepIndex(subSteps)
	visited := map[string]bool{}
	for _, s := range subSteps {
		currentID := s.ID
		for currentID != "" && currentID != joinID {
			if visited[currentID] {
				break
			}
			visited[currentID] = true
			step, ok := idx[currentID]
			if !ok {
				break
			}
			if (step.Type == StepTypeFork || step.Type == StepTypeSplit) && step.ID != joinID {
				// Nested forks/splits are passed over; Pipeline.Validate
				// walks only top-level steps, so their own join/merge
				// declarations are not checked.
			}
			currentID = step.Next
		}
	}
	_, joinDeclared := idx[joinID]
	if !joinDeclared {
		return pipelineerr.NewValidationError(pipelineID, fmt.Sprintf("%s: declared join/merge step %q not found among sub-steps", context, joinID))
	}
	if idx[joinID].Type != want {
		return pipelineerr.NewValidationError(pipelineID, fmt.Sprintf("%s: step %q is not a %s", context, joinID, want))
	}
	return nil
}
