package domain

import "strings"

// WorkflowState represents lifecycle states understood by workflow engines.
type WorkflowState string

const (
	WorkflowStateDraft      WorkflowState = WorkflowState(StatusDraft)
	WorkflowStatePending    WorkflowState = WorkflowState(StatusPending)
	WorkflowStateApproved   WorkflowState = WorkflowState(StatusApproved)
	WorkflowStateScheduled  WorkflowState = WorkflowState(StatusScheduled)
	WorkflowStatePublishing WorkflowState = WorkflowState(StatusPublishing)
	WorkflowStatePublished  WorkflowState = WorkflowState(StatusPublished)
	WorkflowStateFailed     WorkflowState = WorkflowState(StatusFailed)
)

// WorkflowStateFromStatus maps a persisted Status into a workflow state.
func WorkflowStateFromStatus(status Status) WorkflowState {
	return NormalizeWorkflowState(string(status))
}

// StatusFromWorkflowState maps a workflow state back to the persisted Status value.
func StatusFromWorkflowState(state WorkflowState) Status {
	return Status(strings.TrimSpace(string(state)))
}

// NormalizeWorkflowState coerces arbitrary state strings into a lower-case representation.
func NormalizeWorkflowState(input string) WorkflowState {
	if strings.TrimSpace(input) == "" {
		return WorkflowStateDraft
	}
	return WorkflowState(strings.ToLower(strings.TrimSpace(input)))
}
