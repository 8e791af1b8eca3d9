package simple

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-omnipost/internal/domain"
	"github.com/goliatone/go-omnipost/internal/workflow"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
	"github.com/google/uuid"
)

var (
	// ErrUnknownEntityType indicates no workflow definition exists for the requested entity.
	ErrUnknownEntityType = errors.New("workflow: entity type not registered")
	// ErrInvalidTransition indicates the requested transition is not allowed.
	ErrInvalidTransition = errors.New("workflow: transition not allowed")
	// ErrMissingTransition indicates neither a transition name nor target state were supplied.
	ErrMissingTransition = errors.New("workflow: transition name or target state required")
	// ErrNilEntityID signals input validation failure.
	ErrNilEntityID = errors.New("workflow: entity id required")
)

// Engine is an in-memory workflow engine that validates deterministic state transitions.
// Same-state requests are never treated as no-ops: pending -> pending is rejected like any
// edge missing from the table.
type Engine struct {
	mu          sync.RWMutex
	definitions map[string]*workflowDefinition
	now         func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithClock overrides the clock used for transition timestamps (primarily for testing).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// New constructs a workflow engine seeded with the content approval and variant workflows.
func New(opts ...Option) *Engine {
	engine := &Engine{
		definitions: make(map[string]*workflowDefinition),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}

	_ = engine.RegisterWorkflow(context.Background(), ContentApprovalDefinition())
	_ = engine.RegisterWorkflow(context.Background(), VariantPublicationDefinition())

	return engine
}

// Transition validates a workflow transition for an entity.
func (e *Engine) Transition(ctx context.Context, input interfaces.TransitionInput) (*interfaces.TransitionResult, error) {
	if input.EntityID == uuid.Nil {
		return nil, ErrNilEntityID
	}

	definition, err := e.definitionFor(input.EntityType)
	if err != nil {
		return nil, err
	}

	current := toWorkflowState(input.CurrentState, definition.definition.InitialState)
	transitionName := strings.TrimSpace(strings.ToLower(input.Transition))
	var targetState interfaces.WorkflowState
	if strings.TrimSpace(string(input.TargetState)) != "" {
		targetState = workflow.NormalizeState(input.TargetState)
	}

	var transition interfaces.WorkflowTransition
	switch {
	case transitionName != "":
		transition, err = definition.lookupTransition(transitionName, current)
		if err != nil {
			return nil, err
		}
		if targetState != "" && workflow.NormalizeState(transition.To) != targetState {
			return nil, fmt.Errorf("%w: %s from %s does not lead to %s", ErrInvalidTransition, transitionName, current, targetState)
		}
	case targetState != "":
		transition, err = definition.lookupByStates(current, targetState)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrMissingTransition
	}

	return &interfaces.TransitionResult{
		EntityID:    input.EntityID,
		EntityType:  input.EntityType,
		Transition:  transition.Name,
		FromState:   current,
		ToState:     workflow.NormalizeState(transition.To),
		CompletedAt: e.now(),
		ActorID:     input.ActorID,
		Metadata:    cloneMetadata(input.Metadata),
	}, nil
}

// AvailableTransitions returns the transitions reachable from the supplied state.
func (e *Engine) AvailableTransitions(ctx context.Context, query interfaces.TransitionQuery) ([]interfaces.WorkflowTransition, error) {
	definition, err := e.definitionFor(query.EntityType)
	if err != nil {
		return nil, err
	}
	state := toWorkflowState(query.State, definition.definition.InitialState)
	transitions := definition.transitionsByState[state]
	result := make([]interfaces.WorkflowTransition, len(transitions))
	copy(result, transitions)
	return result, nil
}

// RegisterWorkflow installs a workflow definition for the supplied entity type.
func (e *Engine) RegisterWorkflow(ctx context.Context, definition interfaces.WorkflowDefinition) error {
	if err := workflow.ValidateDefinition(definition); err != nil {
		return err
	}
	normalized := compileDefinition(definition)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions[definition.EntityType] = normalized
	return nil
}

func (e *Engine) definitionFor(entityType string) (*workflowDefinition, error) {
	e.mu.RLock()
	definition, ok := e.definitions[entityType]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return definition, nil
}

type workflowDefinition struct {
	definition         interfaces.WorkflowDefinition
	transitions        map[string]interfaces.WorkflowTransition
	transitionsByState map[interfaces.WorkflowState][]interfaces.WorkflowTransition
}

func compileDefinition(definition interfaces.WorkflowDefinition) *workflowDefinition {
	compiled := &workflowDefinition{
		definition:         definition,
		transitions:        make(map[string]interfaces.WorkflowTransition),
		transitionsByState: make(map[interfaces.WorkflowState][]interfaces.WorkflowTransition),
	}
	for _, transition := range definition.Transitions {
		from := workflow.NormalizeState(transition.From)
		to := workflow.NormalizeState(transition.To)
		transition.From = from
		transition.To = to
		key := workflow.TransitionKey(transition.Name, from)
		compiled.transitions[key] = transition
		compiled.transitionsByState[from] = append(compiled.transitionsByState[from], transition)
	}
	return compiled
}

func (d *workflowDefinition) lookupTransition(name string, state interfaces.WorkflowState) (interfaces.WorkflowTransition, error) {
	key := workflow.TransitionKey(name, workflow.NormalizeState(state))
	transition, ok := d.transitions[key]
	if !ok {
		return interfaces.WorkflowTransition{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, name, state)
	}
	return transition, nil
}

func (d *workflowDefinition) lookupByStates(from, to interfaces.WorkflowState) (interfaces.WorkflowTransition, error) {
	transitions := d.transitionsByState[workflow.NormalizeState(from)]
	target := workflow.NormalizeState(to)
	for _, candidate := range transitions {
		if workflow.NormalizeState(candidate.To) == target {
			return candidate, nil
		}
	}
	return interfaces.WorkflowTransition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func toWorkflowState(state interfaces.WorkflowState, fallback interfaces.WorkflowState) interfaces.WorkflowState {
	if strings.TrimSpace(string(state)) == "" {
		return workflow.NormalizeState(fallback)
	}
	return workflow.NormalizeState(state)
}

func cloneMetadata(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}
	clone := make(map[string]any, len(input))
	for k, v := range input {
		clone[k] = v
	}
	return clone
}

func state(s domain.WorkflowState) interfaces.WorkflowState {
	return interfaces.WorkflowState(s)
}

// ContentApprovalDefinition is the approval table for content items.
func ContentApprovalDefinition() interfaces.WorkflowDefinition {
	return interfaces.WorkflowDefinition{
		EntityType:   domain.EntityTypeContent,
		InitialState: state(domain.WorkflowStateDraft),
		States: []interfaces.WorkflowStateDefinition{
			{Name: state(domain.WorkflowStateDraft), Description: "Draft content being edited"},
			{Name: state(domain.WorkflowStatePending), Description: "Submitted and waiting for an approver"},
			{Name: state(domain.WorkflowStateApproved), Description: "Approved and ready to schedule"},
			{Name: state(domain.WorkflowStateScheduled), Description: "Variants scheduled for publication"},
			{Name: state(domain.WorkflowStatePublishing), Description: "Publication in progress"},
			{Name: state(domain.WorkflowStatePublished), Description: "Every variant published", Terminal: true},
			{Name: state(domain.WorkflowStateFailed), Description: "At least one variant failed"},
		},
		Transitions: []interfaces.WorkflowTransition{
			{Name: "submit", From: state(domain.WorkflowStateDraft), To: state(domain.WorkflowStatePending)},
			{Name: "approve", From: state(domain.WorkflowStatePending), To: state(domain.WorkflowStateApproved)},
			{Name: "reject", From: state(domain.WorkflowStatePending), To: state(domain.WorkflowStateDraft)},
			{Name: "schedule", From: state(domain.WorkflowStateApproved), To: state(domain.WorkflowStateScheduled), System: true},
			{Name: "start_publishing", From: state(domain.WorkflowStateScheduled), To: state(domain.WorkflowStatePublishing), System: true},
			{Name: "complete", From: state(domain.WorkflowStatePublishing), To: state(domain.WorkflowStatePublished), System: true},
			{Name: "fail", From: state(domain.WorkflowStatePublishing), To: state(domain.WorkflowStateFailed), System: true},
			{Name: "reschedule", From: state(domain.WorkflowStateFailed), To: state(domain.WorkflowStateScheduled), System: true},
			{Name: "return_to_draft", From: state(domain.WorkflowStateFailed), To: state(domain.WorkflowStateDraft), System: true},
		},
	}
}

// VariantPublicationDefinition is the lifecycle of a platform variant. failed -> scheduled
// is the only backward edge.
func VariantPublicationDefinition() interfaces.WorkflowDefinition {
	return interfaces.WorkflowDefinition{
		EntityType:   domain.EntityTypeVariant,
		InitialState: state(domain.WorkflowStateDraft),
		States: []interfaces.WorkflowStateDefinition{
			{Name: state(domain.WorkflowStateDraft), Description: "Not scheduled yet"},
			{Name: state(domain.WorkflowStateScheduled), Description: "Waiting for its publish time"},
			{Name: state(domain.WorkflowStatePublishing), Description: "Attempt in flight or awaiting retry"},
			{Name: state(domain.WorkflowStatePublished), Description: "Live on the platform", Terminal: true},
			{Name: state(domain.WorkflowStateFailed), Description: "Publication given up"},
		},
		Transitions: []interfaces.WorkflowTransition{
			{Name: "schedule", From: state(domain.WorkflowStateDraft), To: state(domain.WorkflowStateScheduled)},
			{Name: "start", From: state(domain.WorkflowStateScheduled), To: state(domain.WorkflowStatePublishing), System: true},
			{Name: "succeed", From: state(domain.WorkflowStatePublishing), To: state(domain.WorkflowStatePublished), System: true},
			{Name: "fail", From: state(domain.WorkflowStatePublishing), To: state(domain.WorkflowStateFailed), System: true},
			{Name: "reschedule", From: state(domain.WorkflowStateFailed), To: state(domain.WorkflowStateScheduled)},
		},
	}
}
