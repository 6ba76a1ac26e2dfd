// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

// Listener receives pipeline lifecycle notifications. PipelineStarted,
// PipelineStepStarted and PipelineStepFinished may return a modified context;
// a nil context means "no change". PipelineFinished and RegisterStepException fan out
// without threading a context back (the run is already over, or the error
// is being reported, not recovered from).
type Listener interface {
	PipelineStarted(ctx *ExecutionContext, p *Pipeline) (*ExecutionContext, error)
	PipelineFinished(ctx *ExecutionContext, p *Pipeline, result ExecutionResult) error
	PipelineStepStarted(ctx *ExecutionContext, p *Pipeline, step *FlowStep) (*ExecutionContext, error)
	PipelineStepFinished(ctx *ExecutionContext, p *Pipeline, step *FlowStep, resp StepResponse) (*ExecutionContext, error)
	RegisterStepException(ctx *ExecutionContext, p *Pipeline, step *FlowStep, err error)
}

// CompositeListener fans an event out to member listeners in declaration
// order, threading the context forward so later listeners observe earlier
// listeners' edits.
type CompositeListener struct {
	members []Listener
}

// NewCompositeListener builds a CompositeListener over the given members,
// applied in the order given.
func NewCompositeListener(members ...Listener) *CompositeListener {
	return &CompositeListener{members: members}
}

// Add appends a listener to the composite, applied after existing members.
func (c *CompositeListener) Add(l Listener) {
	c.members = append(c.members, l)
}

func (c *CompositeListener) PipelineStarted(ctx *ExecutionContext, p *Pipeline) (*ExecutionContext, error) {
	current := ctx
	for i, m := range c.members {
		next, err := m.PipelineStarted(current, p)
		if err != nil {
			getListenerLog().Warn().Err(err).Str("pipeline", p.ID).Int("listener", i).Msg("listener rejected pipeline start")
			return current, err
		}
		if next != nil {
			current = next
		}
	}
	return current, nil
}

func (c *CompositeListener) PipelineFinished(ctx *ExecutionContext, p *Pipeline, result ExecutionResult) error {
	for i, m := range c.members {
		if err := m.PipelineFinished(ctx, p, result); err != nil {
			getListenerLog().Warn().Err(err).Str("pipeline", p.ID).Int("listener", i).Msg("listener failed on pipeline finish")
			return err
		}
	}
	return nil
}

func (c *CompositeListener) PipelineStepStarted(ctx *ExecutionContext, p *Pipeline, step *FlowStep) (*ExecutionContext, error) {
	current := ctx
	for i, m := range c.members {
		next, err := m.PipelineStepStarted(current, p, step)
		if err != nil {
			getListenerLog().Warn().Err(err).Str("pipeline", p.ID).Str("step", step.ID).Int("listener", i).Msg("listener rejected step start")
			return current, err
		}
		if next != nil {
			current = next
		}
	}
	return current, nil
}

func (c *CompositeListener) PipelineStepFinished(ctx *ExecutionContext, p *Pipeline, step *FlowStep, resp StepResponse) (*ExecutionContext, error) {
	current := ctx
	for i, m := range c.members {
		next, err := m.PipelineStepFinished(current, p, step, resp)
		if err != nil {
			getListenerLog().Warn().Err(err).Str("pipeline", p.ID).Str("step", step.ID).Int("listener", i).Msg("listener failed on step finish")
			return current, err
		}
		if next != nil {
			current = next
		}
	}
	return current, nil
}

func (c *CompositeListener) RegisterStepException(ctx *ExecutionContext, p *Pipeline, step *FlowStep, err error) {
	stepID := ""
	if step != nil {
		stepID = step.ID
	}
	getListenerLog().Debug().Err(err).Str("pipeline", p.ID).Str("step", stepID).Int("listeners", len(c.members)).Msg("dispatching step exception to listeners")
	for _, m := range c.members {
		m.RegisterStepException(ctx, p, step, err)
	}
}

// NoopListener implements Listener with no-op bodies; embed it to implement
// only the events a concrete listener cares about.
type NoopListener struct{}

func (NoopListener) PipelineStarted(ctx *ExecutionContext, p *Pipeline) (*ExecutionContext, error) {
	return nil, nil
}
func (NoopListener) PipelineFinished(ctx *ExecutionContext, p *Pipeline, result ExecutionResult) error {
	return nil
}
func (NoopListener) PipelineStepStarted(ctx *ExecutionContext, p *Pipeline, step *FlowStep) (*ExecutionContext, error) {
	return nil, nil
}
func (NoopListener) PipelineStepFinished(ctx *ExecutionContext, p *Pipeline, step *FlowStep, resp StepResponse) (*ExecutionContext, error) {
	return nil, nil
}
func (NoopListener) RegisterStepException(ctx *ExecutionContext, p *Pipeline, step *FlowStep, err error) {
}
