package approvals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/audit"
	"github.com/goliatone/go-omnipost/internal/domain"
	"github.com/goliatone/go-omnipost/internal/identity"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/workflow/simple"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

const (
	DefaultSLA             = 4 * time.Hour
	DefaultEscalationBatch = 200
)

// CreateRequest registers a new draft content item.
type CreateRequest struct {
	BrandID uuid.UUID
	Title   string
	Body    string
	ActorID uuid.UUID
}

// SubmitRequest moves a draft to pending.
type SubmitRequest struct {
	ContentID uuid.UUID
	ActorID   uuid.UUID
}

// ApproveRequest moves a pending item to approved.
type ApproveRequest struct {
	ContentID uuid.UUID
	ActorID   uuid.UUID
}

// RejectRequest moves a pending item back to draft. Reason is required.
type RejectRequest struct {
	ContentID uuid.UUID
	ActorID   uuid.UUID
	Reason    string
}

// TransitionRequest drives a system transition to an explicit target state.
// A nil actor records the system as the author.
type TransitionRequest struct {
	ContentID uuid.UUID
	To        domain.Status
	ActorID   uuid.UUID
	Reason    string
}

// EscalationReport summarises one escalation sweep.
type EscalationReport struct {
	Scanned   int
	Escalated int
}

// Service applies approval transitions through the workflow engine.
type Service struct {
	repo     Repository
	engine   interfaces.WorkflowEngine
	audit    audit.Recorder
	notifier interfaces.Notifier
	logger   interfaces.Logger
	sla      time.Duration
	batch    int
	now      func() time.Time
}

// Option configures the service.
type Option func(*Service)

func WithWorkflowEngine(engine interfaces.WorkflowEngine) Option {
	return func(s *Service) {
		if engine != nil {
			s.engine = engine
		}
	}
}

func WithAuditRecorder(recorder audit.Recorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

func WithNotifier(notifier interfaces.Notifier) Option {
	return func(s *Service) {
		s.notifier = notifier
	}
}

func WithLogger(logger interfaces.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSLA sets how long a submission may wait before escalation.
func WithSLA(sla time.Duration) Option {
	return func(s *Service) {
		if sla > 0 {
			s.sla = sla
		}
	}
}

// WithEscalationBatch caps the items handled by one sweep.
func WithEscalationBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batch = n
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewService constructs the approval service. Without an engine the simple
// workflow engine seeded with the content approval table is used.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		audit:  audit.Noop{},
		logger: logging.NoOp(),
		sla:    DefaultSLA,
		batch:  DefaultEscalationBatch,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = simple.New(simple.WithClock(s.now))
	}
	return s
}

// Create stores a new draft.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*ContentItem, error) {
	if req.BrandID == uuid.Nil {
		return nil, ErrBrandRequired
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, ErrTitleRequired
	}
	now := s.now().UTC()
	item, err := s.repo.Create(ctx, &ContentItem{
		ID:        uuid.New(),
		BrandID:   req.BrandID,
		Title:     title,
		Body:      req.Body,
		Status:    domain.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("approvals.content.created", "content_id", item.ID.String(), "brand_id", item.BrandID.String())
	return item, nil
}

// Get loads a content item.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*ContentItem, error) {
	if id == uuid.Nil {
		return nil, ErrContentIDRequired
	}
	return s.repo.GetByID(ctx, id)
}

// Submit moves draft to pending and starts the approval SLA.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*ContentItem, error) {
	return s.apply(ctx, req.ContentID, "submit", "", req.ActorID, "")
}

// Approve records the approver and clears the SLA deadline.
func (s *Service) Approve(ctx context.Context, req ApproveRequest) (*ContentItem, error) {
	return s.apply(ctx, req.ContentID, "approve", "", req.ActorID, "")
}

// Reject returns the item to draft with a mandatory reason.
func (s *Service) Reject(ctx context.Context, req RejectRequest) (*ContentItem, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, ErrRejectReasonRequired
	}
	return s.apply(ctx, req.ContentID, "reject", "", req.ActorID, reason)
}

// Transition drives the item to an explicit target state. Used by the
// orchestrator for the scheduling and publication roll-up edges.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*ContentItem, error) {
	if strings.TrimSpace(string(req.To)) == "" {
		return nil, fmt.Errorf("%w: target state required", ErrInvalidTransition)
	}
	return s.apply(ctx, req.ContentID, "", req.To, req.ActorID, strings.TrimSpace(req.Reason))
}

// History lists the transitions of an item, oldest first.
func (s *Service) History(ctx context.Context, contentID uuid.UUID) ([]*StatusTransition, error) {
	if contentID == uuid.Nil {
		return nil, ErrContentIDRequired
	}
	return s.repo.History(ctx, contentID)
}

func (s *Service) apply(ctx context.Context, contentID uuid.UUID, transition string, target domain.Status, actorID uuid.UUID, reason string) (*ContentItem, error) {
	if contentID == uuid.Nil {
		return nil, ErrContentIDRequired
	}
	item, err := s.repo.GetByID(ctx, contentID)
	if err != nil {
		return nil, err
	}

	result, err := s.engine.Transition(ctx, interfaces.TransitionInput{
		EntityID:     item.ID,
		EntityType:   domain.EntityTypeContent,
		CurrentState: interfaces.WorkflowState(item.Status),
		Transition:   transition,
		TargetState:  interfaces.WorkflowState(target),
		ActorID:      actorID,
	})
	if err != nil {
		if errors.Is(err, simple.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		return nil, err
	}

	now := s.now().UTC()
	from := item.Status
	next := cloneItem(item)
	next.Status = domain.StatusFromWorkflowState(domain.WorkflowState(result.ToState))
	next.UpdatedAt = now

	switch result.Transition {
	case "submit":
		due := now.Add(s.sla)
		next.ApprovalDueAt = &due
		next.ApprovalEscalatedAt = nil
		next.SubmittedBy = uuidPtr(actorID)
		next.ApprovedBy = nil
		next.ApprovedAt = nil
		next.RejectionReason = ""
	case "approve":
		next.ApprovalDueAt = nil
		next.ApprovedBy = uuidPtr(actorID)
		approvedAt := now
		next.ApprovedAt = &approvedAt
	case "reject":
		if reason == "" {
			return nil, ErrRejectReasonRequired
		}
		next.ApprovalDueAt = nil
		next.RejectionReason = reason
	}

	record := &StatusTransition{
		ID:         uuid.New(),
		ContentID:  item.ID,
		FromStatus: from,
		ToStatus:   next.Status,
		ChangedBy:  uuidPtr(actorID),
		Reason:     reason,
		ChangedAt:  now,
	}
	updated, err := s.repo.ApplyTransition(ctx, next, from, record)
	if err != nil {
		return nil, err
	}
	s.logger.Info("approvals.transition.applied",
		"content_id", item.ID.String(),
		"transition", result.Transition,
		"from", string(from),
		"to", string(updated.Status),
	)
	return updated, nil
}

// EscalateOverdue stamps pending items past their deadline and notifies
// administrators, approvers and managers. The conditional stamp guarantees a
// single escalation per pending period even with concurrent sweeps.
func (s *Service) EscalateOverdue(ctx context.Context) (EscalationReport, error) {
	now := s.now().UTC()
	items, err := s.repo.ListOverdue(ctx, now, s.batch)
	if err != nil {
		return EscalationReport{}, err
	}
	report := EscalationReport{Scanned: len(items)}
	for _, item := range items {
		won, err := s.repo.MarkEscalated(ctx, item.ID, now)
		if err != nil {
			return report, err
		}
		if !won {
			continue
		}
		report.Escalated++
		s.logger.Warn("approvals.escalated", "content_id", item.ID.String(), "brand_id", item.BrandID.String())
		s.recordEscalation(ctx, item, now)
		s.notifyEscalation(ctx, item)
	}
	return report, nil
}

func (s *Service) recordEscalation(ctx context.Context, item *ContentItem, at time.Time) {
	metadata := map[string]any{"brand_id": item.BrandID.String()}
	eventID := uuid.New()
	if item.ApprovalDueAt != nil {
		metadata["approval_due_at"] = item.ApprovalDueAt.UTC().Format(time.RFC3339)
		eventID = identity.EscalationUUID(item.ID, *item.ApprovalDueAt)
	}
	err := s.audit.Record(ctx, audit.Event{
		ID:         eventID,
		EntityType: domain.EntityTypeContent,
		EntityID:   item.ID.String(),
		Action:     audit.ActionApprovalEscalated,
		OccurredAt: at,
		Metadata:   metadata,
	})
	if err != nil {
		s.logger.Error("approvals.audit.failed", "content_id", item.ID.String(), "error", err)
	}
}

func (s *Service) notifyEscalation(ctx context.Context, item *ContentItem) {
	if s.notifier == nil {
		return
	}
	details := map[string]any{
		"content_id": item.ID.String(),
		"title":      item.Title,
	}
	if item.ApprovalDueAt != nil {
		details["approval_due_at"] = item.ApprovalDueAt.UTC().Format(time.RFC3339)
	}
	err := s.notifier.Notify(ctx, interfaces.Alert{
		Audience: []interfaces.Audience{
			interfaces.AudienceAdministrators,
			interfaces.AudienceApprovers,
			interfaces.AudienceManagers,
		},
		Kind:    interfaces.AlertApprovalEscalated,
		BrandID: item.BrandID.String(),
		Subject: fmt.Sprintf("Approval overdue: %s", item.Title),
		Context: details,
	})
	if err != nil {
		s.logger.Warn("approvals.notify.failed", "content_id", item.ID.String(), "error", err)
	}
}
