// Package approvals drives content items through the approval table:
// submission, approval, rejection, system transitions and SLA escalation.
package approvals

import (
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-omnipost/internal/domain"
)

// ContentItem is the approval record of a piece of content.
type ContentItem struct {
	bun.BaseModel `bun:"table:content_items,alias:ci"`

	ID                  uuid.UUID     `bun:",pk,type:uuid" json:"id"`
	BrandID             uuid.UUID     `bun:"brand_id,notnull,type:uuid" json:"brand_id"`
	Title               string        `bun:"title,notnull" json:"title"`
	Body                string        `bun:"body" json:"body,omitempty"`
	Status              domain.Status `bun:"status,notnull" json:"status"`
	SubmittedBy         *uuid.UUID    `bun:"submitted_by,type:uuid,nullzero" json:"submitted_by,omitempty"`
	ApprovalDueAt       *time.Time    `bun:"approval_due_at,nullzero" json:"approval_due_at,omitempty"`
	ApprovalEscalatedAt *time.Time    `bun:"approval_escalated_at,nullzero" json:"approval_escalated_at,omitempty"`
	ApprovedBy          *uuid.UUID    `bun:"approved_by,type:uuid,nullzero" json:"approved_by,omitempty"`
	ApprovedAt          *time.Time    `bun:"approved_at,nullzero" json:"approved_at,omitempty"`
	RejectionReason     string        `bun:"rejection_reason,nullzero" json:"rejection_reason,omitempty"`
	CreatedAt           time.Time     `bun:"created_at,nullzero,default:current_timestamp" json:"created_at"`
	UpdatedAt           time.Time     `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at"`
}

// StatusTransition is an immutable history row.
type StatusTransition struct {
	bun.BaseModel `bun:"table:content_status_transitions,alias:cst"`

	ID         uuid.UUID     `bun:",pk,type:uuid" json:"id"`
	ContentID  uuid.UUID     `bun:"content_id,notnull,type:uuid" json:"content_id"`
	FromStatus domain.Status `bun:"from_status,notnull" json:"from_status"`
	ToStatus   domain.Status `bun:"to_status,notnull" json:"to_status"`
	ChangedBy  *uuid.UUID    `bun:"changed_by,type:uuid,nullzero" json:"changed_by,omitempty"`
	Reason     string        `bun:"reason,nullzero" json:"reason,omitempty"`
	ChangedAt  time.Time     `bun:"changed_at,notnull" json:"changed_at"`
}

var (
	ErrBrandRequired = goerrors.New("approvals: brand id required", goerrors.CategoryValidation).
				WithTextCode("APPROVAL_BRAND_REQUIRED")
	ErrTitleRequired = goerrors.New("approvals: title required", goerrors.CategoryValidation).
				WithTextCode("APPROVAL_TITLE_REQUIRED")
	ErrContentIDRequired = goerrors.New("approvals: content id required", goerrors.CategoryValidation).
				WithTextCode("APPROVAL_CONTENT_ID_REQUIRED")
	ErrRejectReasonRequired = goerrors.New("approvals: rejection reason required", goerrors.CategoryValidation).
				WithTextCode("APPROVAL_REASON_REQUIRED")
	// ErrInvalidTransition wraps edges missing from the approval table.
	ErrInvalidTransition = goerrors.New("approvals: transition not allowed", goerrors.CategoryConflict).
				WithTextCode("APPROVAL_INVALID_TRANSITION")
	// ErrConcurrentTransition reports that the status changed between read and write.
	ErrConcurrentTransition = goerrors.New("approvals: status changed concurrently", goerrors.CategoryConflict).
				WithTextCode("APPROVAL_CONCURRENT_TRANSITION")
)

// NotFoundError is returned when a content item does not exist.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

func cloneItem(item *ContentItem) *ContentItem {
	if item == nil {
		return nil
	}
	clone := *item
	clone.SubmittedBy = cloneUUID(item.SubmittedBy)
	clone.ApprovedBy = cloneUUID(item.ApprovedBy)
	clone.ApprovalDueAt = cloneTime(item.ApprovalDueAt)
	clone.ApprovalEscalatedAt = cloneTime(item.ApprovalEscalatedAt)
	clone.ApprovedAt = cloneTime(item.ApprovedAt)
	return &clone
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
