package publishing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/approvals"
	"github.com/goliatone/go-omnipost/internal/audit"
	"github.com/goliatone/go-omnipost/internal/domain"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/scheduler"
	"github.com/goliatone/go-omnipost/internal/workflow/simple"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// CreateVariantRequest registers a draft variant of a content item.
type CreateVariantRequest struct {
	ContentID uuid.UUID
	Platform  string
	AccountID uuid.UUID
	Text      string
	Link      string
}

// ConnectAccountRequest stores a connected social account.
type ConnectAccountRequest struct {
	BrandID           uuid.UUID
	Platform          string
	ExternalAccountID string
	DisplayName       string
	AccessToken       string
	RefreshToken      string
	TokenExpiresAt    *time.Time
	Meta              map[string]any
}

// ScheduleRequest moves a draft variant to scheduled.
type ScheduleRequest struct {
	VariantID   uuid.UUID
	ScheduledAt time.Time
	ActorID     uuid.UUID
}

// PublishNowRequest starts a fresh cycle that runs immediately.
type PublishNowRequest struct {
	VariantID uuid.UUID
	ActorID   uuid.UUID
}

// RescheduleRequest starts a fresh cycle at a new time.
type RescheduleRequest struct {
	VariantID   uuid.UUID
	ScheduledAt time.Time
	ActorID     uuid.UUID
}

// ServiceDeps lists the collaborators of the publishing service.
type ServiceDeps struct {
	Stores    Stores
	Content   ContentWorkflow
	Scheduler interfaces.Scheduler
	Engine    interfaces.WorkflowEngine
	Audit     audit.Recorder
	Logger    interfaces.Logger
	Now       func() time.Time
}

// Service exposes the human facing variant operations.
type Service struct {
	stores    Stores
	content   ContentWorkflow
	scheduler interfaces.Scheduler
	engine    interfaces.WorkflowEngine
	audit     audit.Recorder
	logger    interfaces.Logger
	now       func() time.Time
}

func NewService(deps ServiceDeps) *Service {
	s := &Service{
		stores:    deps.Stores,
		content:   deps.Content,
		scheduler: deps.Scheduler,
		engine:    deps.Engine,
		audit:     deps.Audit,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.engine == nil {
		s.engine = simple.New(simple.WithClock(s.now))
	}
	if s.audit == nil {
		s.audit = audit.Noop{}
	}
	if s.logger == nil {
		s.logger = logging.NoOp()
	}
	if s.scheduler == nil {
		s.scheduler = scheduler.NewInMemory(scheduler.WithClock(s.now))
	}
	return s
}

// ConnectAccount stores a connected account.
func (s *Service) ConnectAccount(ctx context.Context, req ConnectAccountRequest) (*Account, error) {
	platform := string(domain.NormalizePlatform(req.Platform))
	if req.BrandID == uuid.Nil || platform == "" || strings.TrimSpace(req.ExternalAccountID) == "" || req.AccessToken == "" {
		return nil, ErrInvalidAccount
	}
	now := s.now().UTC()
	return s.stores.Accounts.Create(ctx, &Account{
		ID:                uuid.New(),
		BrandID:           req.BrandID,
		Platform:          platform,
		ExternalAccountID: strings.TrimSpace(req.ExternalAccountID),
		DisplayName:       strings.TrimSpace(req.DisplayName),
		AccessToken:       req.AccessToken,
		RefreshToken:      req.RefreshToken,
		TokenExpiresAt:    cloneTime(req.TokenExpiresAt),
		Meta:              req.Meta,
		Status:            domain.AccountStatusConnected,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

// CreateVariant stores a draft variant. The brand is copied from the content
// item so the crisis gate never needs the content table.
func (s *Service) CreateVariant(ctx context.Context, req CreateVariantRequest) (*Variant, error) {
	platform := string(domain.NormalizePlatform(req.Platform))
	if req.ContentID == uuid.Nil || req.AccountID == uuid.Nil || platform == "" || strings.TrimSpace(req.Text) == "" {
		return nil, ErrInvalidVariant
	}
	item, err := s.content.Get(ctx, req.ContentID)
	if err != nil {
		return nil, err
	}
	account, err := s.stores.Accounts.GetByID(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if account.BrandID != item.BrandID || account.Platform != platform {
		return nil, fmt.Errorf("%w: account does not belong to the brand platform", ErrInvalidVariant)
	}
	now := s.now().UTC()
	return s.stores.Variants.Create(ctx, &Variant{
		ID:           uuid.New(),
		ContentID:    item.ID,
		BrandID:      item.BrandID,
		Platform:     platform,
		AccountID:    account.ID,
		Text:         req.Text,
		Link:         strings.TrimSpace(req.Link),
		Status:       domain.StatusDraft,
		PublishCycle: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// GetVariant returns a variant by id.
func (s *Service) GetVariant(ctx context.Context, id uuid.UUID) (*Variant, error) {
	if id == uuid.Nil {
		return nil, ErrVariantIDRequired
	}
	return s.stores.Variants.GetByID(ctx, id)
}

// ScheduleVariant moves a draft variant of an approved item to scheduled.
func (s *Service) ScheduleVariant(ctx context.Context, req ScheduleRequest) (*Variant, error) {
	if req.VariantID == uuid.Nil {
		return nil, ErrVariantIDRequired
	}
	if req.ScheduledAt.IsZero() {
		return nil, ErrScheduleTimeRequired
	}
	variant, err := s.stores.Variants.GetByID(ctx, req.VariantID)
	if err != nil {
		return nil, err
	}
	item, err := s.content.Get(ctx, variant.ContentID)
	if err != nil {
		return nil, err
	}
	if !schedulable(item.Status) {
		return nil, fmt.Errorf("%w: content is %s", ErrContentNotApproved, item.Status)
	}

	next, err := s.move(ctx, variant, domain.StatusScheduled, req.ActorID)
	if err != nil {
		return nil, err
	}
	at := req.ScheduledAt.UTC()
	next.ScheduledAt = &at
	updated, err := s.stores.Variants.UpdateSchedule(ctx, next, variant.Status)
	if err != nil {
		return nil, err
	}
	s.rollUp(ctx, item, req.ActorID)
	s.logger.Info("publishing.variant.scheduled",
		"variant_id", updated.ID.String(),
		"scheduled_at", at.Format(time.RFC3339),
	)
	return updated, nil
}

// PublishNow starts a new cycle due immediately and enqueues its first
// attempt. It is refused once the variant is published or while an attempt
// is in flight.
func (s *Service) PublishNow(ctx context.Context, req PublishNowRequest) (*Variant, error) {
	if req.VariantID == uuid.Nil {
		return nil, ErrVariantIDRequired
	}
	variant, err := s.stores.Variants.GetByID(ctx, req.VariantID)
	if err != nil {
		return nil, err
	}
	if err := s.refuseWhenPublished(ctx, variant); err != nil {
		return nil, err
	}
	if variant.Status == domain.StatusPublishing {
		return nil, fmt.Errorf("%w: variant is publishing", ErrPublishNowRefused)
	}
	item, err := s.content.Get(ctx, variant.ContentID)
	if err != nil {
		return nil, err
	}
	if !schedulable(item.Status) {
		return nil, fmt.Errorf("%w: content is %s", ErrContentNotApproved, item.Status)
	}

	now := s.now().UTC()
	updated, err := s.startCycle(ctx, variant, now, req.ActorID)
	if err != nil {
		return nil, err
	}
	s.rollUp(ctx, item, req.ActorID)
	s.record(ctx, audit.ActionPublishNow, updated, req.ActorID, nil)

	if _, err := s.scheduler.Enqueue(ctx, scheduler.VariantPublishJob(scheduler.VariantPublishPayload{
		VariantID:   updated.ID,
		Cycle:       updated.PublishCycle,
		Attempt:     1,
		RequestedBy: req.ActorID,
	}, now)); err != nil {
		// The dispatcher picks the due variant up on its next pass.
		s.logger.Warn("publishing.publish_now.enqueue_failed", "variant_id", updated.ID.String(), "error", err)
	}
	s.logger.Info("publishing.publish_now",
		"variant_id", updated.ID.String(),
		"cycle", updated.PublishCycle,
	)
	return updated, nil
}

// Reschedule starts a new cycle at a new time from draft, scheduled or failed.
func (s *Service) Reschedule(ctx context.Context, req RescheduleRequest) (*Variant, error) {
	if req.VariantID == uuid.Nil {
		return nil, ErrVariantIDRequired
	}
	if req.ScheduledAt.IsZero() {
		return nil, ErrScheduleTimeRequired
	}
	variant, err := s.stores.Variants.GetByID(ctx, req.VariantID)
	if err != nil {
		return nil, err
	}
	if err := s.refuseWhenPublished(ctx, variant); err != nil {
		return nil, err
	}
	switch variant.Status {
	case domain.StatusDraft, domain.StatusScheduled, domain.StatusFailed:
	default:
		return nil, fmt.Errorf("%w: cannot reschedule a %s variant", ErrInvalidTransition, variant.Status)
	}
	item, err := s.content.Get(ctx, variant.ContentID)
	if err != nil {
		return nil, err
	}
	if !schedulable(item.Status) {
		return nil, fmt.Errorf("%w: content is %s", ErrContentNotApproved, item.Status)
	}

	updated, err := s.startCycle(ctx, variant, req.ScheduledAt.UTC(), req.ActorID)
	if err != nil {
		return nil, err
	}
	s.rollUp(ctx, item, req.ActorID)
	s.record(ctx, audit.ActionRescheduled, updated, req.ActorID, map[string]any{
		"scheduled_at": req.ScheduledAt.UTC().Format(time.RFC3339),
	})
	return updated, nil
}

// Attempts lists the attempt history of a variant.
func (s *Service) Attempts(ctx context.Context, variantID uuid.UUID) ([]*Attempt, error) {
	if variantID == uuid.Nil {
		return nil, ErrVariantIDRequired
	}
	return s.stores.Ledger.ListAttempts(ctx, variantID)
}

// Variants lists the variants of a content item.
func (s *Service) Variants(ctx context.Context, contentID uuid.UUID) ([]*Variant, error) {
	return s.stores.Variants.ListByContent(ctx, contentID)
}

func (s *Service) startCycle(ctx context.Context, variant *Variant, at time.Time, actorID uuid.UUID) (*Variant, error) {
	next := cloneVariant(variant)
	if variant.Status != domain.StatusScheduled {
		moved, err := s.move(ctx, variant, domain.StatusScheduled, actorID)
		if err != nil {
			return nil, err
		}
		next = moved
	}
	next.PublishCycle = variant.PublishCycle + 1
	next.ScheduledAt = &at
	next.LastError = ""
	next.UpdatedAt = s.now().UTC()
	updated, err := s.stores.Variants.UpdateSchedule(ctx, next, variant.Status)
	if err != nil {
		return nil, err
	}
	// Drop the pending job of the superseded cycle.
	if err := s.scheduler.CancelByKey(ctx, scheduler.VariantPublishJobKey(variant.ID, variant.PublishCycle)); err != nil && !errors.Is(err, interfaces.ErrJobNotFound) {
		s.logger.Warn("publishing.cycle.cancel_failed", "variant_id", variant.ID.String(), "error", err)
	}
	return updated, nil
}

func (s *Service) move(ctx context.Context, variant *Variant, to domain.Status, actorID uuid.UUID) (*Variant, error) {
	if _, err := s.engine.Transition(ctx, interfaces.TransitionInput{
		EntityID:     variant.ID,
		EntityType:   domain.EntityTypeVariant,
		CurrentState: interfaces.WorkflowState(variant.Status),
		TargetState:  interfaces.WorkflowState(to),
		ActorID:      actorID,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	next := cloneVariant(variant)
	next.Status = to
	next.UpdatedAt = s.now().UTC()
	return next, nil
}

func (s *Service) refuseWhenPublished(ctx context.Context, variant *Variant) error {
	if variant.Status == domain.StatusPublished {
		return fmt.Errorf("%w: variant is already published", ErrPublishNowRefused)
	}
	published, err := s.stores.Ledger.HasSuccess(ctx, variant.ID)
	if err != nil {
		return err
	}
	if published {
		return fmt.Errorf("%w: a successful attempt exists", ErrPublishNowRefused)
	}
	return nil
}

// rollUp moves the content item to scheduled when it is approved or failed.
func (s *Service) rollUp(ctx context.Context, item *approvals.ContentItem, actorID uuid.UUID) {
	switch item.Status {
	case domain.StatusApproved, domain.StatusFailed:
	default:
		return
	}
	if _, err := s.content.Transition(ctx, approvals.TransitionRequest{
		ContentID: item.ID,
		To:        domain.StatusScheduled,
		ActorID:   actorID,
		Reason:    "variant scheduled",
	}); err != nil && !errors.Is(err, approvals.ErrConcurrentTransition) {
		s.logger.Warn("publishing.content.rollup_failed", "content_id", item.ID.String(), "error", err)
	}
}

func (s *Service) record(ctx context.Context, action string, variant *Variant, actorID uuid.UUID, extra map[string]any) {
	metadata := map[string]any{
		"platform":      variant.Platform,
		"brand_id":      variant.BrandID.String(),
		"publish_cycle": variant.PublishCycle,
	}
	for k, v := range extra {
		metadata[k] = v
	}
	err := s.audit.Record(ctx, audit.Event{
		ID:         uuid.New(),
		EntityType: domain.EntityTypeVariant,
		EntityID:   variant.ID.String(),
		Action:     action,
		ActorID:    actorID,
		OccurredAt: s.now().UTC(),
		Metadata:   metadata,
	})
	if err != nil {
		s.logger.Error("publishing.audit.failed", "action", action, "error", err)
	}
}

// schedulable reports whether variants of an item in status may be queued.
func schedulable(status domain.Status) bool {
	switch status {
	case domain.StatusApproved, domain.StatusScheduled, domain.StatusPublishing, domain.StatusPublished, domain.StatusFailed:
		return true
	default:
		return false
	}
}
