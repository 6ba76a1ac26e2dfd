// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

// StepType identifies the variant of a FlowStep.
type StepType string

const (
	StepTypePipeline   StepType = "pipeline"
	StepTypeBranch     StepType = "branch"
	StepTypeFork       StepType = "fork"
	StepTypeJoin       StepType = "join"
	StepTypeSplit      StepType = "split"
	StepTypeMerge      StepType = "merge"
	StepTypeStepGroup  StepType = "step-group"
)

// ForkMethod controls whether a Fork's slots run concurrently or one after
// another.
type ForkMethod string

const (
	ForkMethodParallel ForkMethod = "parallel"
	ForkMethodSerial   ForkMethod = "serial"
)

// ParameterType is the declared type of a Parameter's resolved value,
// driving the mapper's coercion rules.
type ParameterType string

const (
	ParamTypeString      ParameterType = "string"
	ParamTypeInteger     ParameterType = "integer"
	ParamTypeBoolean     ParameterType = "boolean"
	ParamTypeDouble      ParameterType = "double"
	ParamTypeScript      ParameterType = "script"
	ParamTypeScalaScript ParameterType = "scalascript"
	ParamTypeList        ParameterType = "list"
	ParamTypeObject      ParameterType = "object"
	ParamTypeResult      ParameterType = "result" // branch edge name -> next step id
)

// Parameter is a single named input to a step: a literal or an expression
// string in the mapper's expression grammar.
type Parameter struct {
	Name          string        `json:"name" validate:"required"`
	Type          ParameterType `json:"type" validate:"required"`
	Value         any           `json:"value"`
	ClassName     string        `json:"className,omitempty"`
	ParameterType string        `json:"parameterType,omitempty"`
}

// FlowStep is a single step in a pipeline's ordered sequence. Only the
// fields relevant to Type are expected to be populated; the executor
// dispatches on Type: a tagged variant over {Pipeline, Branch, Fork, Join,
// Split, Merge, StepGroup}.
type FlowStep struct {
	ID             string      `json:"id" validate:"required"`
	DisplayName    string      `json:"displayName,omitempty"`
	StepTemplateID string      `json:"stepTemplateId,omitempty"`
	Type           StepType    `json:"type" validate:"required"`
	Params         []Parameter `json:"params,omitempty"`
	Next           string      `json:"next,omitempty"`
	NextOnError    string      `json:"nextOnError,omitempty"`
	ExecuteIfEmpty string      `json:"executeIfEmpty,omitempty"`
	RetryLimit     int         `json:"retryLimit,omitempty"`

	// Pipeline step
	Package  string `json:"package,omitempty"`
	Object   string `json:"object,omitempty"`
	Function string `json:"function,omitempty"`

	// Fork step
	ForkByValue string     `json:"forkByValue,omitempty"` // mapper expression resolving to a list
	ForkMethod  ForkMethod `json:"forkMethod,omitempty"`

	// Split step
	Branches map[string][]FlowStep `json:"branches,omitempty"` // name -> sub-sequence

	// Fork / Split shared sub-sequence and terminator
	SubSteps  []FlowStep `json:"subSteps,omitempty"`  // Fork's inner sub-sequence (terminates at a Join)
	JoinStep  string     `json:"joinStep,omitempty"`  // id of the Join/Merge step that terminates this Fork/Split
	NextAfter string     `json:"nextAfter,omitempty"` // step to continue at after Join/Merge

	// Step-group step
	PipelineID string `json:"pipelineId,omitempty"`
}

// InputParameter declares a required or optional named input a pipeline
// expects to find among globals or pipeline parameters before it runs.
type InputParameter struct {
	Name       string   `json:"name" validate:"required"`
	Global     bool     `json:"global"`
	Required   bool     `json:"required"`
	Alternates []string `json:"alternates,omitempty"`
}

// PipelineParameters groups a pipeline's declared inputs, output mapping,
// and the subset of its step ids eligible for restart.
type PipelineParameters struct {
	Inputs           []InputParameter `json:"inputs,omitempty"`
	Output           map[string]any   `json:"output,omitempty"`
	RestartableSteps map[string]bool  `json:"restartableSteps,omitempty"`
}

// Pipeline is an ordered collection of steps plus optional metadata and
// parameter declarations.
type Pipeline struct {
	ID          string               `json:"id" validate:"required"`
	Name        string               `json:"name,omitempty"`
	Description string               `json:"description,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
	Steps       []FlowStep           `json:"steps" validate:"required,dive"`
	Parameters  *PipelineParameters  `json:"parameters,omitempty"`
}

// StepByID returns the step with the given id, or false if absent.
func (p *Pipeline) StepByID(id string) (*FlowStep, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// StepResponse is the uniform result of invoking a step.
// Entries in NamedReturns whose key starts with "$globals." or
// "$globalLink." mutate the execution context's globals / GlobalLinks.
type StepResponse struct {
	PrimaryReturn any
	NamedReturns  map[string]any
}

// GlobalMutations extracts the ($globals.name -> value) and
// ($globalLink.name -> path) pairs carried in NamedReturns.
func (r StepResponse) GlobalMutations() (globals map[string]any, links map[string]string) {
	for k, v := range r.NamedReturns {
		switch {
		case len(k) > len(globalsPrefix) && k[:len(globalsPrefix)] == globalsPrefix:
			if globals == nil {
				globals = make(map[string]any)
			}
			globals[k[len(globalsPrefix):]] = v
		case len(k) > len(globalLinkPrefix) && k[:len(globalLinkPrefix)] == globalLinkPrefix:
			if links == nil {
				links = make(map[string]string)
			}
			if s, ok := v.(string); ok {
				links[k[len(globalLinkPrefix):]] = s
			}
		}
	}
	return globals, links
}

const (
	globalsPrefix    = "$globals."
	globalLinkPrefix = "$globalLink."
)

// PipelineRegistry resolves a pipeline id to its definition. It backs the
// mapper's `&pipelineId` prefix and the executor's step-group routing.
// Concrete storage of pipeline definitions is an external concern; the
// core only depends on this narrow interface.
type PipelineRegistry interface {
	Get(id string) (*Pipeline, bool)
}

// MapRegistry is an in-memory PipelineRegistry, sufficient for tests and for
// embedding applications that keep their pipeline catalog in memory.
type MapRegistry struct {
	pipelines map[string]*Pipeline
}

// NewMapRegistry builds a registry pre-populated with the given pipelines.
func NewMapRegistry(pipelines ...*Pipeline) *MapRegistry {
	r := &MapRegistry{pipelines: make(map[string]*Pipeline, len(pipelines))}
	for _, p := range pipelines {
		r.pipelines[p.ID] = p
	}
	return r
}

func (r *MapRegistry) Get(id string) (*Pipeline, bool) {
	p, ok := r.pipelines[id]
	return p, ok
}

// Register adds or replaces a pipeline definition.
func (r *MapRegistry) Register(p *Pipeline) {
	r.pipelines[p.ID] = p
}
