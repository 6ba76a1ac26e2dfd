// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
)

// PipelineIdentityHash is a stable structural hash of a Pipeline definition.
// The executor's restart logic does not consult it.
type PipelineIdentityHash uint64

func (PipelineIdentityHash) identityHashable() {}

// HashPipeline computes a Pipeline's identity hash over its steps and
// parameter declarations (not its id/name/description, which may change
// without altering behavior).
func HashPipeline(p *Pipeline) (PipelineIdentityHash, error) {
	type shape struct {
		Steps      []FlowStep
		Parameters *PipelineParameters
	}
	h, err := hashstructure.Hash(shape{Steps: p.Steps, Parameters: p.Parameters}, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, fmt.Errorf("pipeline %s: identity hash: %w", p.ID, err)
	}
	return PipelineIdentityHash(h), nil
}

// StepIdentityHash is the identity hash of a single FlowStep definition.
// The fork engine and the executor's restart logic do not consult it.
type StepIdentityHash uint64

func (StepIdentityHash) identityHashable() {}

// HashStep computes a FlowStep's identity hash.
func HashStep(s *FlowStep) (StepIdentityHash, error) {
	h, err := hashstructure.Hash(*s, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, fmt.Errorf("step %s: identity hash: %w", s.ID, err)
	}
	return StepIdentityHash(h), nil
}

// NewRunID formats a monotonically increasing run sequence number as a
// fixed-width decimal string so lexical and numeric ordering agree; the
// Session Store's "maximum runId wins" rule relies on that.
func NewRunID(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}
