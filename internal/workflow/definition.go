package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-omnipost/internal/domain"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

var (
	// ErrDefinitionEntityRequired indicates the workflow definition lacks an entity identifier.
	ErrDefinitionEntityRequired = errors.New("workflow: definition entity required")
	// ErrDefinitionStatesRequired indicates the workflow definition does not declare any states.
	ErrDefinitionStatesRequired = errors.New("workflow: definition requires at least one state")
	// ErrStateNameRequired indicates a workflow state is missing its name.
	ErrStateNameRequired = errors.New("workflow: state name required")
	// ErrDuplicateState indicates duplicate workflow state names were declared.
	ErrDuplicateState = errors.New("workflow: duplicate state")
	// ErrDuplicateDefinition indicates multiple definitions were provided for the same entity.
	ErrDuplicateDefinition = errors.New("workflow: duplicate entity definition")
	// ErrTransitionNameRequired indicates a transition lacks a name.
	ErrTransitionNameRequired = errors.New("workflow: transition name required")
	// ErrTransitionStateUnknown indicates a transition references a state that was not declared.
	ErrTransitionStateUnknown = errors.New("workflow: transition references unknown state")
	// ErrDuplicateTransition indicates the same transition name is declared multiple times for a state.
	ErrDuplicateTransition = errors.New("workflow: duplicate transition for state")
	// ErrSelfTransition indicates a transition whose source and target are the same state.
	ErrSelfTransition = errors.New("workflow: transition must change state")
	// ErrTerminalStateExit indicates a transition leaving a state declared terminal.
	ErrTerminalStateExit = errors.New("workflow: transition leaves terminal state")
	// ErrInitialStateInvalid indicates the supplied initial state is unknown.
	ErrInitialStateInvalid = errors.New("workflow: invalid initial state")
)

// ValidateDefinitions checks every definition and rejects two tables for the same entity.
func ValidateDefinitions(definitions ...interfaces.WorkflowDefinition) error {
	seen := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		if err := ValidateDefinition(definition); err != nil {
			return err
		}
		key := strings.ToLower(strings.TrimSpace(definition.EntityType))
		if _, exists := seen[key]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateDefinition, definition.EntityType)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ValidateDefinition checks state and transition integrity before a table is registered.
// State names are compared after normalization so "Pending" and "pending" collide.
func ValidateDefinition(definition interfaces.WorkflowDefinition) error {
	entity := strings.TrimSpace(definition.EntityType)
	if entity == "" {
		return ErrDefinitionEntityRequired
	}

	states, err := indexStates(entity, definition.States)
	if err != nil {
		return err
	}

	if initial := strings.TrimSpace(string(definition.InitialState)); initial != "" {
		if _, ok := states[NormalizeState(definition.InitialState)]; !ok {
			return fmt.Errorf("%w: %s (%s)", ErrInitialStateInvalid, initial, entity)
		}
	}

	return checkTransitions(entity, definition.Transitions, states)
}

// NormalizeState lowercases and trims a state name the way the rest of the module stores it.
func NormalizeState(state interfaces.WorkflowState) interfaces.WorkflowState {
	return interfaces.WorkflowState(domain.NormalizeWorkflowState(string(state)))
}

func indexStates(entity string, definitions []interfaces.WorkflowStateDefinition) (map[interfaces.WorkflowState]bool, error) {
	if len(definitions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionStatesRequired, entity)
	}
	states := make(map[interfaces.WorkflowState]bool, len(definitions))
	for _, state := range definitions {
		if strings.TrimSpace(string(state.Name)) == "" {
			return nil, fmt.Errorf("%w: %s", ErrStateNameRequired, entity)
		}
		name := NormalizeState(state.Name)
		if _, exists := states[name]; exists {
			return nil, fmt.Errorf("%w: %s (%s)", ErrDuplicateState, name, entity)
		}
		states[name] = state.Terminal
	}
	return states, nil
}

func checkTransitions(entity string, transitions []interfaces.WorkflowTransition, states map[interfaces.WorkflowState]bool) error {
	seen := make(map[string]struct{}, len(transitions))
	for _, transition := range transitions {
		name := strings.TrimSpace(transition.Name)
		if name == "" {
			return fmt.Errorf("%w: %s", ErrTransitionNameRequired, entity)
		}
		from := NormalizeState(transition.From)
		to := NormalizeState(transition.To)

		terminal, ok := states[from]
		if !ok {
			return fmt.Errorf("%w: %s from %q (%s)", ErrTransitionStateUnknown, name, transition.From, entity)
		}
		if _, ok := states[to]; !ok {
			return fmt.Errorf("%w: %s to %q (%s)", ErrTransitionStateUnknown, name, transition.To, entity)
		}
		if terminal {
			return fmt.Errorf("%w: %s from %s (%s)", ErrTerminalStateExit, name, from, entity)
		}
		if from == to {
			return fmt.Errorf("%w: %s on %s (%s)", ErrSelfTransition, name, from, entity)
		}

		key := TransitionKey(name, from)
		if _, exists := seen[key]; exists {
			return fmt.Errorf("%w: %s from %s (%s)", ErrDuplicateTransition, name, from, entity)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// TransitionKey identifies a transition by its name and source state.
func TransitionKey(name string, from interfaces.WorkflowState) string {
	return strings.TrimSpace(strings.ToLower(name)) + "::" + string(NormalizeState(from))
}
