package workflow_test

import (
	"errors"
	"testing"

	"github.com/goliatone/go-omnipost/internal/workflow"
	"github.com/goliatone/go-omnipost/internal/workflow/simple"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

func baseDefinition() interfaces.WorkflowDefinition {
	return interfaces.WorkflowDefinition{
		EntityType:   "content",
		InitialState: "draft",
		States: []interfaces.WorkflowStateDefinition{
			{Name: "draft"},
			{Name: "pending"},
			{Name: "published", Terminal: true},
		},
		Transitions: []interfaces.WorkflowTransition{
			{Name: "submit", From: "draft", To: "pending"},
			{Name: "publish", From: "pending", To: "published"},
		},
	}
}

func TestValidateDefinition_BuiltInTables(t *testing.T) {
	if err := workflow.ValidateDefinitions(simple.ContentApprovalDefinition(), simple.VariantPublicationDefinition()); err != nil {
		t.Fatalf("built-in tables should validate: %v", err)
	}
}

func TestValidateDefinition_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*interfaces.WorkflowDefinition)
		want   error
	}{
		{"entity", func(d *interfaces.WorkflowDefinition) { d.EntityType = " " }, workflow.ErrDefinitionEntityRequired},
		{"no states", func(d *interfaces.WorkflowDefinition) { d.States = nil }, workflow.ErrDefinitionStatesRequired},
		{"blank state", func(d *interfaces.WorkflowDefinition) {
			d.States = append(d.States, interfaces.WorkflowStateDefinition{Name: ""})
		}, workflow.ErrStateNameRequired},
		{"duplicate state", func(d *interfaces.WorkflowDefinition) {
			d.States = append(d.States, interfaces.WorkflowStateDefinition{Name: "Pending"})
		}, workflow.ErrDuplicateState},
		{"initial", func(d *interfaces.WorkflowDefinition) { d.InitialState = "archived" }, workflow.ErrInitialStateInvalid},
		{"unnamed transition", func(d *interfaces.WorkflowDefinition) {
			d.Transitions = append(d.Transitions, interfaces.WorkflowTransition{From: "draft", To: "pending"})
		}, workflow.ErrTransitionNameRequired},
		{"unknown target", func(d *interfaces.WorkflowDefinition) {
			d.Transitions = append(d.Transitions, interfaces.WorkflowTransition{Name: "archive", From: "draft", To: "archived"})
		}, workflow.ErrTransitionStateUnknown},
		{"self loop", func(d *interfaces.WorkflowDefinition) {
			d.Transitions = append(d.Transitions, interfaces.WorkflowTransition{Name: "touch", From: "pending", To: "pending"})
		}, workflow.ErrSelfTransition},
		{"terminal exit", func(d *interfaces.WorkflowDefinition) {
			d.Transitions = append(d.Transitions, interfaces.WorkflowTransition{Name: "unpublish", From: "published", To: "draft"})
		}, workflow.ErrTerminalStateExit},
		{"duplicate transition", func(d *interfaces.WorkflowDefinition) {
			d.Transitions = append(d.Transitions, interfaces.WorkflowTransition{Name: "SUBMIT", From: "draft", To: "published"})
		}, workflow.ErrDuplicateTransition},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			definition := baseDefinition()
			tc.mutate(&definition)
			if err := workflow.ValidateDefinition(definition); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateDefinitions_DuplicateEntity(t *testing.T) {
	second := baseDefinition()
	second.EntityType = "CONTENT"
	if err := workflow.ValidateDefinitions(baseDefinition(), second); !errors.Is(err, workflow.ErrDuplicateDefinition) {
		t.Fatalf("expected ErrDuplicateDefinition, got %v", err)
	}
}

func TestTransitionKey_Normalizes(t *testing.T) {
	if workflow.TransitionKey(" Submit ", "Draft") != workflow.TransitionKey("submit", "draft") {
		t.Fatal("expected keys to normalize case and whitespace")
	}
}
