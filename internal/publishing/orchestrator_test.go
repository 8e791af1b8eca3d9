package publishing

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/approvals"
	"github.com/goliatone/go-omnipost/internal/audit"
	"github.com/goliatone/go-omnipost/internal/crisis"
	"github.com/goliatone/go-omnipost/internal/domain"
	"github.com/goliatone/go-omnipost/internal/kvstore"
	"github.com/goliatone/go-omnipost/internal/notify"
	"github.com/goliatone/go-omnipost/internal/platforms"
	"github.com/goliatone/go-omnipost/internal/ratelimit"
	"github.com/goliatone/go-omnipost/internal/scheduler"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishResult struct {
	id  string
	err error
}

type stubClient struct {
	mu           sync.Mutex
	platform     string
	results      []publishResult
	requests     []interfaces.PublishRequest
	refreshErr   error
	refreshed    *interfaces.Credential
	refreshCalls int
	// onPublish runs before each publish result is returned.
	onPublish func()
}

func (c *stubClient) Platform() string { return c.platform }

func (c *stubClient) RefreshIfNeeded(_ context.Context, cred interfaces.Credential) (interfaces.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshCalls++
	if c.refreshErr != nil {
		return interfaces.Credential{}, c.refreshErr
	}
	if c.refreshed != nil {
		return *c.refreshed, nil
	}
	return cred, nil
}

func (c *stubClient) Publish(_ context.Context, req interfaces.PublishRequest) (*interfaces.PublishResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.onPublish != nil {
		c.onPublish()
	}
	if len(c.results) == 0 {
		return &interfaces.PublishResult{ExternalPostID: "post-" + strconv.Itoa(len(c.requests))}, nil
	}
	next := c.results[0]
	c.results = c.results[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &interfaces.PublishResult{ExternalPostID: next.id, RawResponse: `{"id":"` + next.id + `"}`}, nil
}

func (c *stubClient) ListPublishTargets(context.Context, interfaces.Credential) ([]interfaces.PublishTarget, error) {
	return nil, nil
}

func (c *stubClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type harness struct {
	clock     *testClock
	kv        *kvstore.Memory
	stores    Stores
	limiter   *ratelimit.Limiter
	crisis    *crisis.Switch
	content   *approvals.Service
	client    *stubClient
	audit     *audit.InMemoryRecorder
	notifier  *notify.Recording
	scheduler interfaces.Scheduler
	orch      *Orchestrator
	svc       *Service
	brandID   uuid.UUID
}

type harnessConfig struct {
	quota     int
	threshold int
	stores    Stores
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	if cfg.quota == 0 {
		cfg.quota = 50
	}
	if cfg.threshold == 0 {
		cfg.threshold = 5
	}
	if cfg.stores.Variants == nil {
		cfg.stores = NewMemoryStore().Stores()
	}
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	kv := kvstore.NewMemory(kvstore.WithClock(clock.Now))
	recorder := audit.NewInMemoryRecorder()
	notifier := notify.NewRecording()
	limiter := ratelimit.New(kv, ratelimit.Config{
		Default:          ratelimit.Limit{Quota: cfg.quota, Window: time.Hour},
		FailureThreshold: 5,
		FailureTTL:       time.Hour,
		Cooldown:         5 * time.Minute,
	}, ratelimit.WithClock(clock.Now))
	switcher := crisis.New(kv, crisis.WithClock(clock.Now))
	content := approvals.NewService(approvals.NewMemoryRepository(), approvals.WithClock(clock.Now))
	client := &stubClient{platform: "facebook"}
	sched := scheduler.NewInMemory(scheduler.WithClock(clock.Now))

	orch := NewOrchestrator(OrchestratorDeps{
		Stores:  cfg.stores,
		Limiter: limiter,
		Crisis:  switcher,
		Clients: platforms.NewRegistry(client),
		Content: content,
		Locks:   kv,
	}, OrchestratorConfig{
		MaxAttempts:    3,
		Backoff:        []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
		AlertThreshold: cfg.threshold,
		AlertWindow:    time.Hour,
	},
		WithClock(clock.Now),
		WithAuditRecorder(recorder),
		WithNotifier(notifier),
	)
	svc := NewService(ServiceDeps{
		Stores:    cfg.stores,
		Content:   content,
		Scheduler: sched,
		Audit:     recorder,
		Now:       clock.Now,
	})
	return &harness{
		clock:     clock,
		kv:        kv,
		stores:    cfg.stores,
		limiter:   limiter,
		crisis:    switcher,
		content:   content,
		client:    client,
		audit:     recorder,
		notifier:  notifier,
		scheduler: sched,
		orch:      orch,
		svc:       svc,
		brandID:   uuid.New(),
	}
}

func (h *harness) approvedContent(t *testing.T) *approvals.ContentItem {
	t.Helper()
	ctx := context.Background()
	item, err := h.content.Create(ctx, approvals.CreateRequest{BrandID: h.brandID, Title: "Launch", Body: "We are live"})
	if err != nil {
		t.Fatalf("create content: %v", err)
	}
	if _, err := h.content.Submit(ctx, approvals.SubmitRequest{ContentID: item.ID, ActorID: uuid.New()}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	item, err = h.content.Approve(ctx, approvals.ApproveRequest{ContentID: item.ID, ActorID: uuid.New()})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return item
}

func (h *harness) account(t *testing.T, expiresIn time.Duration) *Account {
	t.Helper()
	req := ConnectAccountRequest{
		BrandID:           h.brandID,
		Platform:          "facebook",
		ExternalAccountID: "page-" + uuid.NewString()[:8],
		DisplayName:       "Acme Page",
		AccessToken:       "token-1",
		RefreshToken:      "refresh-1",
	}
	if expiresIn > 0 {
		at := h.clock.Now().Add(expiresIn)
		req.TokenExpiresAt = &at
	}
	account, err := h.svc.ConnectAccount(context.Background(), req)
	if err != nil {
		t.Fatalf("connect account: %v", err)
	}
	return account
}

// scheduledVariant creates an approved item with one variant due now.
func (h *harness) scheduledVariant(t *testing.T, account *Account) *Variant {
	t.Helper()
	ctx := context.Background()
	if account == nil {
		account = h.account(t, 60*24*time.Hour)
	}
	item := h.approvedContent(t)
	variant, err := h.svc.CreateVariant(ctx, CreateVariantRequest{
		ContentID: item.ID,
		Platform:  "facebook",
		AccountID: account.ID,
		Text:      "Hello world",
		Link:      "https://example.com/launch",
	})
	if err != nil {
		t.Fatalf("create variant: %v", err)
	}
	variant, err = h.svc.ScheduleVariant(ctx, ScheduleRequest{VariantID: variant.ID, ScheduledAt: h.clock.Now()})
	if err != nil {
		t.Fatalf("schedule variant: %v", err)
	}
	return variant
}

func (h *harness) attempt(t *testing.T, variantID uuid.UUID, attempt int) *Outcome {
	t.Helper()
	outcome, err := h.orch.AttemptPublish(context.Background(), AttemptRequest{
		VariantID:     variantID,
		AttemptNumber: attempt,
		QueuedAt:      h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("attempt publish: %v", err)
	}
	return outcome
}

func (h *harness) variant(t *testing.T, id uuid.UUID) *Variant {
	t.Helper()
	variant, err := h.stores.Variants.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get variant: %v", err)
	}
	return variant
}

func (h *harness) attempts(t *testing.T, id uuid.UUID) []*Attempt {
	t.Helper()
	rows, err := h.stores.Ledger.ListAttempts(context.Background(), id)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	return rows
}

func platformError(class interfaces.ErrorClass, code string) error {
	return &interfaces.PlatformError{Platform: "facebook", Class: class, Code: code, Message: string(class) + " failure"}
}

func TestAttemptPublishSuccessPublishesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	h.client.results = []publishResult{{id: "123_456"}}
	variant := h.scheduledVariant(t, nil)

	outcome := h.attempt(t, variant.ID, 1)
	if outcome.Kind != OutcomePublished || outcome.ExternalPostID != "123_456" {
		t.Fatalf("expected published outcome, got %+v", outcome)
	}

	stored := h.variant(t, variant.ID)
	if stored.Status != domain.StatusPublished || stored.ExternalPostID != "123_456" || stored.PublishedAt == nil {
		t.Fatalf("variant not published: %+v", stored)
	}
	rows := h.attempts(t, variant.ID)
	if len(rows) != 1 || rows[0].Result != domain.AttemptResultSuccess || rows[0].ExternalPostID != "123_456" {
		t.Fatalf("expected one success attempt, got %+v", rows)
	}
	if len(rows[0].IdempotencyKey) != 64 {
		t.Fatalf("expected 64 char idempotency key, got %q", rows[0].IdempotencyKey)
	}
	if req := h.client.requests[0]; req.Options.Link != "https://example.com/launch" || req.Text != "Hello world" {
		t.Fatalf("unexpected publish request: %+v", req)
	}

	item, err := h.content.Get(ctx, variant.ContentID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if item.Status != domain.StatusPublished {
		t.Fatalf("expected content roll-up to published, got %s", item.Status)
	}
	events, _ := h.audit.List(ctx, audit.Filter{Action: audit.ActionVariantPublished})
	if len(events) != 1 {
		t.Fatalf("expected one variant_published audit event, got %d", len(events))
	}

	again := h.attempt(t, variant.ID, 1)
	if again.Kind != OutcomeGateAbort || again.Reason != ReasonAlreadyPublished {
		t.Fatalf("expected already_published abort, got %+v", again)
	}
	if h.client.calls() != 1 {
		t.Fatalf("expected a single platform call, got %d", h.client.calls())
	}
}

func TestAuthFailureExpiresAccountWithSingleAlert(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	h.client.results = []publishResult{{err: platformError(interfaces.ErrorClassAuth, "190")}}
	account := h.account(t, 60*24*time.Hour)
	variant := h.scheduledVariant(t, account)

	outcome := h.attempt(t, variant.ID, 1)
	if outcome.Kind != OutcomeFailed || outcome.ErrorClass != interfaces.ErrorClassAuth {
		t.Fatalf("expected terminal auth failure, got %+v", outcome)
	}
	rows := h.attempts(t, variant.ID)
	if len(rows) != 1 || rows[0].Result != domain.AttemptResultFail || rows[0].ErrorClass != string(interfaces.ErrorClassAuth) || rows[0].ErrorCode != "190" {
		t.Fatalf("expected one auth attempt, got %+v", rows)
	}
	if stored := h.variant(t, variant.ID); stored.Status != domain.StatusFailed || stored.LastError == "" {
		t.Fatalf("expected failed variant with last error, got %+v", stored)
	}
	stored, err := h.stores.Accounts.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if stored.Status != domain.AccountStatusExpired {
		t.Fatalf("expected expired account, got %s", stored.Status)
	}
	if got := h.notifier.OfKind(interfaces.AlertAuthFailure); len(got) != 1 {
		t.Fatalf("expected one auth_failure alert, got %d", len(got))
	}
	if got := h.notifier.OfKind(interfaces.AlertPublishFailed); len(got) != 0 {
		t.Fatalf("auth failure must not raise publish_failed, got %d", len(got))
	}
	if h.client.calls() != 1 {
		t.Fatalf("expected no retry, got %d calls", h.client.calls())
	}
	item, _ := h.content.Get(ctx, variant.ContentID)
	if item.Status != domain.StatusFailed {
		t.Fatalf("expected content roll-up to failed, got %s", item.Status)
	}
}

func TestAuthFailureLeavesRevokedAccountRevoked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	h.client.results = []publishResult{{err: platformError(interfaces.ErrorClassAuth, "190")}}
	account := h.account(t, 60*24*time.Hour)
	variant := h.scheduledVariant(t, account)
	// The account is revoked while the publish call is in flight.
	h.client.onPublish = func() {
		if _, err := h.stores.Accounts.TransitionStatus(ctx, account.ID, domain.AccountStatusConnected, domain.AccountStatusRevoked, h.clock.Now()); err != nil {
			t.Errorf("revoke account: %v", err)
		}
	}

	if outcome := h.attempt(t, variant.ID, 1); outcome.Kind != OutcomeFailed || outcome.ErrorClass != interfaces.ErrorClassAuth {
		t.Fatalf("expected terminal auth failure, got %+v", outcome)
	}
	stored, err := h.stores.Accounts.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if stored.Status != domain.AccountStatusRevoked {
		t.Fatalf("revoked account must stay revoked, got %s", stored.Status)
	}
	events, _ := h.audit.List(ctx, audit.Filter{Action: audit.ActionAccountExpired})
	if len(events) != 0 {
		t.Fatalf("expected no account_expired audit, got %d", len(events))
	}
	if h.client.calls() != 1 {
		t.Fatalf("expected one publish call, got %d", h.client.calls())
	}
}

func TestFailureClassDecidesRetry(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		want  OutcomeKind
		class interfaces.ErrorClass
	}{
		{
			name:  "unclassified status retries",
			err:   &interfaces.PlatformError{Platform: "facebook", Class: platforms.ClassifyStatus(409), Code: "409", Message: "conflict"},
			want:  OutcomeRetry,
			class: interfaces.ErrorClassTransient,
		},
		{
			name:  "unknown graph code retries",
			err:   platformError(interfaces.ErrorClassTransient, "368"),
			want:  OutcomeRetry,
			class: interfaces.ErrorClassTransient,
		},
		{
			name:  "transport retries",
			err:   platformError(interfaces.ErrorClassTransport, ""),
			want:  OutcomeRetry,
			class: interfaces.ErrorClassTransport,
		},
		{
			name:  "validation rejection is terminal",
			err:   &interfaces.PlatformError{Platform: "facebook", Class: platforms.ClassifyStatus(422), Code: "422", Message: "invalid"},
			want:  OutcomeFailed,
			class: interfaces.ErrorClassRejected,
		},
		{
			name:  "plain error is transport",
			err:   errors.New("connection reset"),
			want:  OutcomeRetry,
			class: interfaces.ErrorClassTransport,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, harnessConfig{})
			h.client.results = []publishResult{{err: tc.err}}
			variant := h.scheduledVariant(t, nil)

			outcome := h.attempt(t, variant.ID, 1)
			if outcome.Kind != tc.want || outcome.ErrorClass != tc.class {
				t.Fatalf("expected %s/%s, got %+v", tc.want, tc.class, outcome)
			}
		})
	}
}

func TestLongMultibyteErrorIsStoredAsValidUTF8(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.client.results = []publishResult{{err: &interfaces.PlatformError{
		Platform: "facebook",
		Class:    interfaces.ErrorClassRejected,
		Code:     "10",
		Message:  strings.Repeat("é", 1500),
	}}}
	variant := h.scheduledVariant(t, nil)

	if outcome := h.attempt(t, variant.ID, 1); outcome.Kind != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %+v", outcome)
	}
	stored := h.variant(t, variant.ID)
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected sealed failure, got %s", stored.Status)
	}
	if len(stored.LastError) > 500 || !utf8.ValidString(stored.LastError) {
		t.Fatalf("last error not cut on a rune boundary: %d bytes", len(stored.LastError))
	}
	rows := h.attempts(t, variant.ID)
	if len(rows) != 1 || rows[0].FinishedAt == nil {
		t.Fatalf("expected one sealed attempt, got %+v", rows)
	}
	if len(rows[0].ErrorMessage) > 2000 || !utf8.ValidString(rows[0].ErrorMessage) {
		t.Fatalf("error message not cut on a rune boundary: %d bytes", len(rows[0].ErrorMessage))
	}
}

func TestMissingClientFailsAsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	account, err := h.svc.ConnectAccount(ctx, ConnectAccountRequest{
		BrandID:           h.brandID,
		Platform:          "linkedin",
		ExternalAccountID: "urn:li:organization:1",
		AccessToken:       "token-1",
	})
	if err != nil {
		t.Fatalf("connect account: %v", err)
	}
	item := h.approvedContent(t)
	variant, err := h.svc.CreateVariant(ctx, CreateVariantRequest{ContentID: item.ID, Platform: "linkedin", AccountID: account.ID, Text: "Hello"})
	if err != nil {
		t.Fatalf("create variant: %v", err)
	}
	if _, err := h.svc.ScheduleVariant(ctx, ScheduleRequest{VariantID: variant.ID, ScheduledAt: h.clock.Now()}); err != nil {
		t.Fatalf("schedule variant: %v", err)
	}

	outcome := h.attempt(t, variant.ID, 1)
	if outcome.Kind != OutcomeFailed || outcome.Reason != ReasonMissingClient || outcome.ErrorClass != interfaces.ErrorClassRejected {
		t.Fatalf("expected rejected client_missing failure, got %+v", outcome)
	}
	rows := h.attempts(t, variant.ID)
	if len(rows) != 1 || rows[0].ErrorClass != string(interfaces.ErrorClassRejected) {
		t.Fatalf("expected one rejected attempt, got %+v", rows)
	}
	if stored := h.variant(t, variant.ID); stored.Status != domain.StatusFailed {
		t.Fatalf("expected failed variant, got %s", stored.Status)
	}
	if h.client.calls() != 0 {
		t.Fatalf("no platform call expected, got %d", h.client.calls())
	}
}

func TestStatusGateAbortsUnschedulableVariants(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})

	account := h.account(t, 60*24*time.Hour)
	item := h.approvedContent(t)
	draft, err := h.svc.CreateVariant(ctx, CreateVariantRequest{ContentID: item.ID, Platform: "facebook", AccountID: account.ID, Text: "Draft"})
	if err != nil {
		t.Fatalf("create variant: %v", err)
	}

	h.client.results = []publishResult{{err: platformError(interfaces.ErrorClassRejected, "100")}}
	failed := h.scheduledVariant(t, account)
	if outcome := h.attempt(t, failed.ID, 1); outcome.Kind != OutcomeFailed {
		t.Fatalf("seed failed variant: %+v", outcome)
	}

	for name, id := range map[string]uuid.UUID{"draft": draft.ID, "failed": failed.ID} {
		t.Run(name, func(t *testing.T) {
			before := len(h.attempts(t, id))
			outcome := h.attempt(t, id, 1)
			if outcome.Kind != OutcomeGateAbort || outcome.Reason != ReasonStatus {
				t.Fatalf("expected status abort, got %+v", outcome)
			}
			if after := len(h.attempts(t, id)); after != before {
				t.Fatalf("status abort must not create attempts, %d -> %d", before, after)
			}
		})
	}
	if h.client.calls() != 1 {
		t.Fatalf("expected only the seeding call, got %d", h.client.calls())
	}
}

func TestPublishFailedAlertReachesSubmitter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	h.client.results = []publishResult{{err: platformError(interfaces.ErrorClassRejected, "100")}}
	variant := h.scheduledVariant(t, nil)
	item, err := h.content.Get(ctx, variant.ContentID)
	if err != nil || item.SubmittedBy == nil {
		t.Fatalf("expected submitted content, got %+v err=%v", item, err)
	}

	if outcome := h.attempt(t, variant.ID, 1); outcome.Kind != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %+v", outcome)
	}
	alerts := h.notifier.OfKind(interfaces.AlertPublishFailed)
	if len(alerts) != 1 {
		t.Fatalf("expected one publish_failed alert, got %d", len(alerts))
	}
	alert := alerts[0]
	if len(alert.Audience) != 2 || alert.Audience[0] != interfaces.AudienceAdministrators || alert.Audience[1] != interfaces.AudienceSubmitter {
		t.Fatalf("unexpected audience %v", alert.Audience)
	}
	if len(alert.Recipients) != 1 || alert.Recipients[0] != item.SubmittedBy.String() {
		t.Fatalf("expected submitter %s, got %v", item.SubmittedBy, alert.Recipients)
	}
}

func TestRefreshFailureFailsBeforePublishing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	h.client.refreshErr = platformError(interfaces.ErrorClassRejected, "invalid_grant")
	account := h.account(t, 2*24*time.Hour)
	variant := h.scheduledVariant(t, account)

	outcome := h.attempt(t, variant.ID, 1)
	if outcome.Kind != OutcomeFailed || outcome.ErrorClass != interfaces.ErrorClassAuth {
		t.Fatalf("expected auth failure, got %+v", outcome)
	}
	if h.client.refreshCalls != 1 || h.client.calls() != 0 {
		t.Fatalf("expected one refresh and no publish, got refresh=%d publish=%d", h.client.refreshCalls, h.client.calls())
	}
	remaining, err := h.limiter.Remaining(ctx, "facebook", account.ID.String())
	if err != nil || remaining != 50 {
		t.Fatalf("limiter must be untouched, remaining=%d err=%v", remaining, err)
	}
	if got := h.notifier.OfKind(interfaces.AlertAuthFailure); len(got) != 1 {
		t.Fatalf("expected one auth_failure alert, got %d", len(got))
	}
}

func TestRefreshRotatesCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	expires := h.clock.Now().Add(60 * 24 * time.Hour)
	h.client.refreshed = &interfaces.Credential{AccessToken: "token-2", RefreshToken: "refresh-2", ExpiresAt: &expires}
	account := h.account(t, 24*time.Hour)
	variant := h.scheduledVariant(t, account)

	if outcome := h.attempt(t, variant.ID, 1); outcome.Kind != OutcomePublished {
		t.Fatalf("expected published, got %+v", outcome)
	}
	if got := h.client.requests[0].Credential.AccessToken; got != "token-2" {
		t.Fatalf("publish used stale token %q", got)
	}
	stored, _ := h.stores.Accounts.GetByID(ctx, account.ID)
	if stored.AccessToken != "token-2" || stored.TokenExpiresAt == nil || !stored.TokenExpiresAt.Equal(expires) {
		t.Fatalf("rotated credential not persisted: %+v", stored)
	}
}

func TestTransientFailuresRetryWithBackoff(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.client.results = []publishResult{
		{err: platformError(interfaces.ErrorClassTransient, "2")},
		{err: platformError(interfaces.ErrorClassTransport, "")},
		{id: "post-3"},
	}
	variant := h.scheduledVariant(t, nil)

	first := h.attempt(t, variant.ID, 1)
	if first.Kind != OutcomeRetry || first.NextAttempt != 2 || first.RetryAfter != time.Minute {
		t.Fatalf("expected retry after 1m, got %+v", first)
	}
	if stored := h.variant(t, variant.ID); stored.Status != domain.StatusPublishing || stored.LastError == "" {
		t.Fatalf("expected publishing variant with last error, got %+v", stored)
	}

	h.clock.Advance(first.RetryAfter)
	second := h.attempt(t, variant.ID, first.NextAttempt)
	if second.Kind != OutcomeRetry || second.NextAttempt != 3 || second.RetryAfter != 5*time.Minute {
		t.Fatalf("expected retry after 5m, got %+v", second)
	}

	h.clock.Advance(second.RetryAfter)
	third := h.attempt(t, variant.ID, second.NextAttempt)
	if third.Kind != OutcomePublished {
		t.Fatalf("expected published on third attempt, got %+v", third)
	}

	rows := h.attempts(t, variant.ID)
	if len(rows) != 3 {
		t.Fatalf("expected three attempts, got %d", len(rows))
	}
	for i, want := range []domain.AttemptResult{domain.AttemptResultFail, domain.AttemptResultFail, domain.AttemptResultSuccess} {
		if rows[i].Result != want || rows[i].AttemptNo != i+1 {
			t.Fatalf("attempt %d: want %s/%d got %s/%d", i, want, i+1, rows[i].Result, rows[i].AttemptNo)
		}
	}
	if len(h.notifier.Alerts()) != 0 {
		t.Fatalf("retries must not alert, got %+v", h.notifier.Alerts())
	}
}

func TestRetryableFailureTurnsTerminalAtMaxAttempts(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	transient := publishResult{err: platformError(interfaces.ErrorClassTransient, "1")}
	h.client.results = []publishResult{transient, transient, transient}
	variant := h.scheduledVariant(t, nil)

	attempt := 1
	var outcome *Outcome
	for i := 0; i < 3; i++ {
		outcome = h.attempt(t, variant.ID, attempt)
		attempt = outcome.NextAttempt
		h.clock.Advance(outcome.RetryAfter)
	}
	if outcome.Kind != OutcomeFailed {
		t.Fatalf("expected terminal failure after max attempts, got %+v", outcome)
	}
	if got := h.notifier.OfKind(interfaces.AlertPublishFailed); len(got) != 1 {
		t.Fatalf("expected one publish_failed alert, got %d", len(got))
	}
	if stored := h.variant(t, variant.ID); stored.Status != domain.StatusFailed {
		t.Fatalf("expected failed variant, got %s", stored.Status)
	}
}

func TestRateLimitedFailureWaitsAtLeastLimiterWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{quota: 1})
	h.client.results = []publishResult{{err: platformError(interfaces.ErrorClassRateLimited, "4")}}
	variant := h.scheduledVariant(t, nil)

	outcome := h.attempt(t, variant.ID, 1)
	if outcome.Kind != OutcomeRetry {
		t.Fatalf("expected retry, got %+v", outcome)
	}
	wait, _ := h.limiter.WaitTime(ctx, "facebook", variant.AccountID.String())
	if wait <= time.Minute || outcome.RetryAfter != wait {
		t.Fatalf("expected retry after limiter wait %s, got %s", wait, outcome.RetryAfter)
	}
}

func TestCrisisAbortsWithoutAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	variant := h.scheduledVariant(t, nil)
	if err := h.crisis.Enable(ctx, crisis.EnableRequest{BrandID: h.brandID}); err != nil {
		t.Fatalf("enable crisis: %v", err)
	}

	outcome := h.attempt(t, variant.ID, 1)
	if outcome.Kind != OutcomeGateAbort || outcome.Reason != ReasonCrisis {
		t.Fatalf("expected crisis abort, got %+v", outcome)
	}
	if rows := h.attempts(t, variant.ID); len(rows) != 0 {
		t.Fatalf("crisis must not create attempts, got %d", len(rows))
	}
	if stored := h.variant(t, variant.ID); stored.Status != domain.StatusScheduled {
		t.Fatalf("crisis must not change status, got %s", stored.Status)
	}
	if h.client.calls() != 0 {
		t.Fatalf("crisis must not call the platform")
	}

	if err := h.crisis.Disable(ctx, crisis.DisableRequest{BrandID: h.brandID}); err != nil {
		t.Fatalf("disable crisis: %v", err)
	}
	if outcome := h.attempt(t, variant.ID, 1); outcome.Kind != OutcomePublished {
		t.Fatalf("expected publish after crisis lifted, got %+v", outcome)
	}
}

func TestRateGateDefersWithoutAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{quota: 1})
	variant := h.scheduledVariant(t, nil)
	if err := h.limiter.RecordAttempt(ctx, "facebook", variant.AccountID.String()); err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	outcome := h.attempt(t, variant.ID, 2)
	if outcome.Kind != OutcomeRateDeferred || outcome.NextAttempt != 2 {
		t.Fatalf("expected rate_deferred keeping attempt number, got %+v", outcome)
	}
	if outcome.RetryAfter <= 0 || outcome.RetryAfter > time.Hour {
		t.Fatalf("unexpected retry after %s", outcome.RetryAfter)
	}
	if rows := h.attempts(t, variant.ID); len(rows) != 0 {
		t.Fatalf("rate deferral must not create attempts")
	}
}

func TestHeldLockDefers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	variant := h.scheduledVariant(t, nil)
	if _, err := h.kv.SetNX(ctx, "publish_lock:variant:"+variant.ID.String(), "other-worker", time.Minute); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	outcome := h.attempt(t, variant.ID, 1)
	if outcome.Kind != OutcomeDeferred || outcome.Reason != ReasonLockHeld {
		t.Fatalf("expected lock_held deferral, got %+v", outcome)
	}
	if value, ok, _ := h.kv.Get(ctx, "publish_lock:variant:"+variant.ID.String()); !ok || value != "other-worker" {
		t.Fatalf("foreign lock must survive, got %q", value)
	}
}

func TestStaleCycleAborts(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	variant := h.scheduledVariant(t, nil)

	outcome, err := h.orch.AttemptPublish(context.Background(), AttemptRequest{VariantID: variant.ID, Cycle: variant.PublishCycle + 1, AttemptNumber: 1})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if outcome.Kind != OutcomeGateAbort || outcome.Reason != ReasonStaleCycle {
		t.Fatalf("expected stale_cycle abort, got %+v", outcome)
	}
}

func TestMissingVariantIsDataError(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	outcome := h.attempt(t, uuid.New(), 1)
	if outcome.Kind != OutcomeDataError || outcome.Reason != ReasonMissingVariant {
		t.Fatalf("expected data_error, got %+v", outcome)
	}
}

func TestFailureThresholdAlertIsDedupedPerWindow(t *testing.T) {
	h := newHarness(t, harnessConfig{threshold: 2})
	rejected := publishResult{err: platformError(interfaces.ErrorClassRejected, "100")}
	h.client.results = []publishResult{rejected, rejected, rejected}

	for i := 0; i < 3; i++ {
		variant := h.scheduledVariant(t, nil)
		if outcome := h.attempt(t, variant.ID, 1); outcome.Kind != OutcomeFailed {
			t.Fatalf("expected rejected failure, got %+v", outcome)
		}
		if i == 0 && len(h.notifier.OfKind(interfaces.AlertFailureThreshold)) != 0 {
			t.Fatalf("threshold alert raised below threshold")
		}
	}
	alerts := h.notifier.OfKind(interfaces.AlertFailureThreshold)
	if len(alerts) != 1 {
		t.Fatalf("expected one failure_threshold alert, got %d", len(alerts))
	}
	if alerts[0].Audience[0] != interfaces.AudienceSystem {
		t.Fatalf("expected system audience, got %v", alerts[0].Audience)
	}
	if got := h.notifier.OfKind(interfaces.AlertPublishFailed); len(got) != 3 {
		t.Fatalf("expected three publish_failed alerts, got %d", len(got))
	}
}

func TestOpenAttemptDefersUntilStale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	variant := h.scheduledVariant(t, nil)

	// A worker that crashed after opening its attempt.
	crashed := &Attempt{
		ID:             uuid.New(),
		VariantID:      variant.ID,
		PublishCycle:   variant.PublishCycle,
		AttemptNo:      1,
		IdempotencyKey: IdempotencyKey(variant.ID, variant.PublishCycle, 1, "crashed"),
		StartedAt:      h.clock.Now(),
	}
	moved := cloneVariant(variant)
	moved.Status = domain.StatusPublishing
	if _, err := h.stores.Ledger.BeginAttempt(ctx, BeginAttemptInput{
		Attempt:        crashed,
		Variant:        moved,
		ExpectedStatus: domain.StatusScheduled,
		StaleBefore:    h.clock.Now().Add(-10 * time.Minute),
		AbandonedAt:    h.clock.Now(),
	}); err != nil {
		t.Fatalf("seed open attempt: %v", err)
	}

	outcome := h.attempt(t, variant.ID, 1)
	if outcome.Kind != OutcomeDeferred || outcome.Reason != ReasonActiveAttempt {
		t.Fatalf("expected active_attempt deferral, got %+v", outcome)
	}

	h.clock.Advance(11 * time.Minute)
	outcome = h.attempt(t, variant.ID, 1)
	if outcome.Kind != OutcomePublished {
		t.Fatalf("expected publish after stale attempt abandoned, got %+v", outcome)
	}
	rows := h.attempts(t, variant.ID)
	if len(rows) != 2 || rows[0].ErrorClass != ErrorClassAbandoned || rows[1].Result != domain.AttemptResultSuccess {
		t.Fatalf("unexpected attempts: %+v", rows)
	}
	if rows[0].AttemptNo != 1 || rows[1].AttemptNo != 1 || rows[0].IdempotencyKey == rows[1].IdempotencyKey {
		t.Fatalf("replay keeps the abandoned attempt number with a new key: %+v", rows)
	}
}

func TestNotifierFailureDoesNotFailAttempt(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.notifier.Fail(errors.New("webhook down"))
	h.client.results = []publishResult{{err: platformError(interfaces.ErrorClassRejected, "100")}}
	variant := h.scheduledVariant(t, nil)

	outcome := h.attempt(t, variant.ID, 1)
	if outcome.Kind != OutcomeFailed {
		t.Fatalf("expected failed outcome despite notifier error, got %+v", outcome)
	}
}

func TestIdempotencyKeyIsStableForNonce(t *testing.T) {
	id := uuid.New()
	a := IdempotencyKey(id, 1, 1, "n")
	if a != IdempotencyKey(id, 1, 1, "n") {
		t.Fatalf("expected deterministic key")
	}
	if a == IdempotencyKey(id, 1, 2, "n") || a == IdempotencyKey(id, 2, 1, "n") {
		t.Fatalf("expected attempt and cycle to change the key")
	}
}
