package approvalscmd

import (
	"context"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/approvals"
	"github.com/goliatone/go-omnipost/internal/commands"
	"github.com/goliatone/go-omnipost/internal/metrics"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

const (
	submitContentMessageType  = "omnipost.approvals.submit"
	approveContentMessageType = "omnipost.approvals.approve"
	rejectContentMessageType  = "omnipost.approvals.reject"
)

// Service is the slice of the approval state machine driven by commands.
type Service interface {
	Submit(ctx context.Context, req approvals.SubmitRequest) (*approvals.ContentItem, error)
	Approve(ctx context.Context, req approvals.ApproveRequest) (*approvals.ContentItem, error)
	Reject(ctx context.Context, req approvals.RejectRequest) (*approvals.ContentItem, error)
	EscalateOverdue(ctx context.Context) (approvals.EscalationReport, error)
}

// SubmitContentCommand sends a draft for approval.
type SubmitContentCommand struct {
	ContentID uuid.UUID `json:"content_id"`
	ActorID   uuid.UUID `json:"actor_id"`
}

// Type implements command.Message.
func (SubmitContentCommand) Type() string { return submitContentMessageType }

// Validate requires the content item and the acting user.
func (m SubmitContentCommand) Validate() error {
	return validateActor("omnipost.approvals.submit", m.ContentID, m.ActorID, nil)
}

// ApproveContentCommand approves a pending item.
type ApproveContentCommand struct {
	ContentID uuid.UUID `json:"content_id"`
	ActorID   uuid.UUID `json:"actor_id"`
}

// Type implements command.Message.
func (ApproveContentCommand) Type() string { return approveContentMessageType }

// Validate requires the content item and the approver.
func (m ApproveContentCommand) Validate() error {
	return validateActor("omnipost.approvals.approve", m.ContentID, m.ActorID, nil)
}

// RejectContentCommand returns a pending item to draft with a reason.
type RejectContentCommand struct {
	ContentID uuid.UUID `json:"content_id"`
	ActorID   uuid.UUID `json:"actor_id"`
	Reason    string    `json:"reason"`
}

// Type implements command.Message.
func (RejectContentCommand) Type() string { return rejectContentMessageType }

// Validate requires a non-blank reason in addition to the item and actor.
func (m RejectContentCommand) Validate() error {
	errs := validation.Errors{}
	if strings.TrimSpace(m.Reason) == "" {
		errs["reason"] = validation.NewError("omnipost.approvals.reject.reason_required", "reason is required")
	}
	return validateActor("omnipost.approvals.reject", m.ContentID, m.ActorID, errs)
}

func validateActor(prefix string, contentID, actorID uuid.UUID, errs validation.Errors) error {
	if errs == nil {
		errs = validation.Errors{}
	}
	if contentID == uuid.Nil {
		errs["content_id"] = validation.NewError(prefix+".content_id_required", "content_id is required")
	}
	if actorID == uuid.Nil {
		errs["actor_id"] = validation.NewError(prefix+".actor_id_required", "actor_id is required")
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SubmitContentHandler submits drafts for approval.
type SubmitContentHandler struct {
	inner *commands.Handler[SubmitContentCommand]
}

func NewSubmitContentHandler(service Service, logger interfaces.Logger, recorder metrics.Recorder, opts ...commands.HandlerOption[SubmitContentCommand]) *SubmitContentHandler {
	exec := func(ctx context.Context, msg SubmitContentCommand) error {
		_, err := service.Submit(ctx, approvals.SubmitRequest{ContentID: msg.ContentID, ActorID: msg.ActorID})
		return err
	}
	handlerOpts := commands.Instrument[SubmitContentCommand](logger, recorder, "approvals.submit")
	handlerOpts = append(handlerOpts, opts...)
	return &SubmitContentHandler{inner: commands.NewHandler(exec, handlerOpts...)}
}

// Execute satisfies command.Commander[SubmitContentCommand].
func (h *SubmitContentHandler) Execute(ctx context.Context, msg SubmitContentCommand) error {
	return h.inner.Execute(ctx, msg)
}

// ApproveContentHandler approves pending items.
type ApproveContentHandler struct {
	inner *commands.Handler[ApproveContentCommand]
}

func NewApproveContentHandler(service Service, logger interfaces.Logger, recorder metrics.Recorder, opts ...commands.HandlerOption[ApproveContentCommand]) *ApproveContentHandler {
	exec := func(ctx context.Context, msg ApproveContentCommand) error {
		_, err := service.Approve(ctx, approvals.ApproveRequest{ContentID: msg.ContentID, ActorID: msg.ActorID})
		return err
	}
	handlerOpts := commands.Instrument[ApproveContentCommand](logger, recorder, "approvals.approve")
	handlerOpts = append(handlerOpts, opts...)
	return &ApproveContentHandler{inner: commands.NewHandler(exec, handlerOpts...)}
}

// Execute satisfies command.Commander[ApproveContentCommand].
func (h *ApproveContentHandler) Execute(ctx context.Context, msg ApproveContentCommand) error {
	return h.inner.Execute(ctx, msg)
}

// RejectContentHandler rejects pending items.
type RejectContentHandler struct {
	inner *commands.Handler[RejectContentCommand]
}

func NewRejectContentHandler(service Service, logger interfaces.Logger, recorder metrics.Recorder, opts ...commands.HandlerOption[RejectContentCommand]) *RejectContentHandler {
	exec := func(ctx context.Context, msg RejectContentCommand) error {
		_, err := service.Reject(ctx, approvals.RejectRequest{
			ContentID: msg.ContentID,
			ActorID:   msg.ActorID,
			Reason:    strings.TrimSpace(msg.Reason),
		})
		return err
	}
	handlerOpts := commands.Instrument[RejectContentCommand](logger, recorder, "approvals.reject")
	handlerOpts = append(handlerOpts, opts...)
	return &RejectContentHandler{inner: commands.NewHandler(exec, handlerOpts...)}
}

// Execute satisfies command.Commander[RejectContentCommand].
func (h *RejectContentHandler) Execute(ctx context.Context, msg RejectContentCommand) error {
	return h.inner.Execute(ctx, msg)
}
