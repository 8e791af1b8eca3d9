package publishing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-omnipost/internal/domain"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
	"github.com/goliatone/go-omnipost/pkg/testsupport"
)

func newBunStores(t *testing.T) (Stores, *bun.DB) {
	t.Helper()
	db := testsupport.NewBunDB(t, (*Variant)(nil), (*Account)(nil), (*Attempt)(nil))
	if _, err := db.NewCreateIndex().
		Model((*Attempt)(nil)).
		Index("ux_publication_attempts_active").
		Unique().
		Column("variant_id").
		Where("result IS NULL").
		Exec(context.Background()); err != nil {
		t.Fatalf("create partial index: %v", err)
	}
	return NewBunStore(db).Stores(), db
}

func TestBunStorePublishFlow(t *testing.T) {
	ctx := context.Background()
	stores, _ := newBunStores(t)
	h := newHarness(t, harnessConfig{stores: stores})
	h.client.results = []publishResult{
		{err: platformError(interfaces.ErrorClassTransient, "2")},
		{id: "urn:li:share:1"},
	}
	variant := h.scheduledVariant(t, nil)

	due, err := stores.Variants.ListDue(ctx, h.clock.Now(), 10)
	if err != nil || len(due) != 1 || due[0].ID != variant.ID {
		t.Fatalf("expected variant to be due, got %+v err=%v", due, err)
	}

	first := h.attempt(t, variant.ID, 1)
	if first.Kind != OutcomeRetry {
		t.Fatalf("expected retry, got %+v", first)
	}
	h.clock.Advance(first.RetryAfter)
	second := h.attempt(t, variant.ID, first.NextAttempt)
	if second.Kind != OutcomePublished {
		t.Fatalf("expected published, got %+v", second)
	}

	stored := h.variant(t, variant.ID)
	if stored.Status != domain.StatusPublished || stored.ExternalPostID != "urn:li:share:1" {
		t.Fatalf("unexpected stored variant %+v", stored)
	}
	rows := h.attempts(t, variant.ID)
	if len(rows) != 2 || rows[0].Result != domain.AttemptResultFail || rows[1].Result != domain.AttemptResultSuccess {
		t.Fatalf("unexpected attempts %+v", rows)
	}
	published, err := stores.Ledger.HasSuccess(ctx, variant.ID)
	if err != nil || !published {
		t.Fatalf("expected success to be recorded, got %v err=%v", published, err)
	}
	failures, err := stores.Ledger.CountFailuresSince(ctx, h.clock.Now().Add(-time.Hour))
	if err != nil || failures != 1 {
		t.Fatalf("expected one failure in window, got %d err=%v", failures, err)
	}
}

func TestBunStoreBeginAttemptGuards(t *testing.T) {
	ctx := context.Background()
	stores, _ := newBunStores(t)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	at := now
	variant, err := stores.Variants.Create(ctx, &Variant{
		ID:           uuid.New(),
		ContentID:    uuid.New(),
		BrandID:      uuid.New(),
		Platform:     "facebook",
		AccountID:    uuid.New(),
		Text:         "hi",
		ScheduledAt:  &at,
		Status:       domain.StatusScheduled,
		PublishCycle: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatalf("create variant: %v", err)
	}

	open := func(n int, started time.Time) *Attempt {
		return &Attempt{
			ID:             uuid.New(),
			VariantID:      variant.ID,
			PublishCycle:   1,
			AttemptNo:      n,
			IdempotencyKey: IdempotencyKey(variant.ID, 1, n, uuid.NewString()),
			StartedAt:      started,
		}
	}
	moved := cloneVariant(variant)
	moved.Status = domain.StatusPublishing

	if _, err := stores.Ledger.BeginAttempt(ctx, BeginAttemptInput{
		Attempt:        open(1, now),
		Variant:        moved,
		ExpectedStatus: domain.StatusDraft,
		StaleBefore:    now.Add(-10 * time.Minute),
		AbandonedAt:    now,
	}); !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate for status mismatch, got %v", err)
	}

	if _, err := stores.Ledger.BeginAttempt(ctx, BeginAttemptInput{
		Attempt:        open(1, now),
		Variant:        moved,
		ExpectedStatus: domain.StatusScheduled,
		StaleBefore:    now.Add(-10 * time.Minute),
		AbandonedAt:    now,
	}); err != nil {
		t.Fatalf("begin attempt: %v", err)
	}

	if _, err := stores.Ledger.BeginAttempt(ctx, BeginAttemptInput{
		Attempt:        open(2, now.Add(time.Minute)),
		Variant:        moved,
		ExpectedStatus: domain.StatusPublishing,
		StaleBefore:    now.Add(-9 * time.Minute),
		AbandonedAt:    now.Add(time.Minute),
	}); !errors.Is(err, ErrActiveAttemptExists) {
		t.Fatalf("expected ErrActiveAttemptExists, got %v", err)
	}

	later := now.Add(15 * time.Minute)
	result, err := stores.Ledger.BeginAttempt(ctx, BeginAttemptInput{
		Attempt:        open(1, later),
		Variant:        moved,
		ExpectedStatus: domain.StatusPublishing,
		StaleBefore:    later.Add(-10 * time.Minute),
		AbandonedAt:    later,
	})
	if err != nil {
		t.Fatalf("begin after stale: %v", err)
	}
	if len(result.Abandoned) != 1 || result.Abandoned[0].ErrorClass != ErrorClassAbandoned {
		t.Fatalf("expected one abandoned attempt, got %+v", result.Abandoned)
	}
	failures, err := stores.Ledger.CountFailuresSince(ctx, now)
	if err != nil || failures != 0 {
		t.Fatalf("abandoned attempts must not count as failures, got %d err=%v", failures, err)
	}

	sealed := cloneAttempt(result.Attempt)
	sealed.Result = domain.AttemptResultFail
	sealed.ErrorClass = string(interfaces.ErrorClassRejected)
	sealed.FinishedAt = timePtr(later)
	if err := stores.Ledger.SealAttempt(ctx, SealAttemptInput{Attempt: sealed}); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := stores.Ledger.SealAttempt(ctx, SealAttemptInput{Attempt: sealed}); !errors.Is(err, ErrAttemptSealed) {
		t.Fatalf("expected ErrAttemptSealed on second seal, got %v", err)
	}
}

func TestBunStoreAccounts(t *testing.T) {
	ctx := context.Background()
	stores, _ := newBunStores(t)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	soon := now.Add(24 * time.Hour)
	account, err := stores.Accounts.Create(ctx, &Account{
		ID:                uuid.New(),
		BrandID:           uuid.New(),
		Platform:          "linkedin",
		ExternalAccountID: "12345",
		AccessToken:       "a",
		TokenExpiresAt:    &soon,
		Meta:              map[string]any{"author_urn": "urn:li:organization:12345"},
		Status:            domain.AccountStatusConnected,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	expiring, err := stores.Accounts.ListExpiring(ctx, now.Add(7*24*time.Hour), 10)
	if err != nil || len(expiring) != 1 {
		t.Fatalf("expected expiring account, got %d err=%v", len(expiring), err)
	}

	changed, err := stores.Accounts.TransitionStatus(ctx, account.ID, domain.AccountStatusConnected, domain.AccountStatusExpired, now)
	if err != nil || !changed {
		t.Fatalf("transition status: changed=%v err=%v", changed, err)
	}
	changed, err = stores.Accounts.TransitionStatus(ctx, account.ID, domain.AccountStatusConnected, domain.AccountStatusRevoked, now)
	if err != nil || changed {
		t.Fatalf("stale transition should not apply: changed=%v err=%v", changed, err)
	}
	stored, err := stores.Accounts.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if stored.Status != domain.AccountStatusExpired || stored.Credential().MetaString("author_urn") != "urn:li:organization:12345" {
		t.Fatalf("unexpected account %+v", stored)
	}
	expiring, _ = stores.Accounts.ListExpiring(ctx, now.Add(7*24*time.Hour), 10)
	if len(expiring) != 0 {
		t.Fatalf("expired accounts are not watched")
	}

	var notFound *NotFoundError
	if _, err := stores.Accounts.GetByID(ctx, uuid.New()); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
