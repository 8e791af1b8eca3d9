package approvals

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/domain"
	"github.com/goliatone/go-omnipost/pkg/testsupport"
)

func newBunRepository(t *testing.T) *BunRepository {
	t.Helper()
	db := testsupport.NewBunDB(t, (*ContentItem)(nil), (*StatusTransition)(nil))
	return NewBunRepository(db)
}

func TestBunRepositoryApprovalFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newBunRepository(t))
	item := f.draft(t)

	if _, err := f.svc.Submit(ctx, SubmitRequest{ContentID: item.ID, ActorID: uuid.New()}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	approved, err := f.svc.Approve(ctx, ApproveRequest{ContentID: item.ID, ActorID: uuid.New()})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	stored, err := f.svc.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.StatusApproved || stored.ApprovalDueAt != nil || stored.ApprovedBy == nil {
		t.Fatalf("unexpected stored item %+v", stored)
	}
	if *stored.ApprovedBy != *approved.ApprovedBy {
		t.Fatalf("approver mismatch")
	}
	history, err := f.svc.History(ctx, item.ID)
	if err != nil || len(history) != 2 {
		t.Fatalf("expected two history rows, got %d (%v)", len(history), err)
	}
}

func TestBunRepositoryApplyTransitionChecksExpectedStatus(t *testing.T) {
	ctx := context.Background()
	repo := newBunRepository(t)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	item, err := repo.Create(ctx, &ContentItem{
		ID:        uuid.New(),
		BrandID:   uuid.New(),
		Title:     "t",
		Status:    domain.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	next := cloneItem(item)
	next.Status = domain.StatusApproved
	_, err = repo.ApplyTransition(ctx, next, domain.StatusPending, &StatusTransition{
		ID: uuid.New(), ContentID: item.ID, FromStatus: domain.StatusPending, ToStatus: domain.StatusApproved, ChangedAt: now,
	})
	if !errors.Is(err, ErrConcurrentTransition) {
		t.Fatalf("expected ErrConcurrentTransition, got %v", err)
	}
	history, _ := repo.History(ctx, item.ID)
	if len(history) != 0 {
		t.Fatalf("expected no history rows after a lost race, got %d", len(history))
	}

	missing := cloneItem(item)
	missing.ID = uuid.New()
	var notFound *NotFoundError
	if _, err := repo.ApplyTransition(ctx, missing, domain.StatusDraft, nil); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestBunRepositoryOverdueAndConditionalEscalation(t *testing.T) {
	ctx := context.Background()
	repo := newBunRepository(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	overdue, _ := repo.Create(ctx, &ContentItem{ID: uuid.New(), BrandID: uuid.New(), Title: "late", Status: domain.StatusPending, ApprovalDueAt: &due, CreatedAt: now, UpdatedAt: now})
	_, _ = repo.Create(ctx, &ContentItem{ID: uuid.New(), BrandID: uuid.New(), Title: "fresh", Status: domain.StatusPending, ApprovalDueAt: &future, CreatedAt: now, UpdatedAt: now})

	items, err := repo.ListOverdue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	if len(items) != 1 || items[0].ID != overdue.ID {
		t.Fatalf("expected only the overdue item, got %+v", items)
	}

	won, err := repo.MarkEscalated(ctx, overdue.ID, now)
	if err != nil || !won {
		t.Fatalf("expected first stamp to win, got %v %v", won, err)
	}
	won, err = repo.MarkEscalated(ctx, overdue.ID, now.Add(time.Second))
	if err != nil || won {
		t.Fatalf("expected second stamp to lose, got %v %v", won, err)
	}
	items, _ = repo.ListOverdue(ctx, now, 10)
	if len(items) != 0 {
		t.Fatalf("expected escalated item to leave the overdue list, got %d", len(items))
	}
}
