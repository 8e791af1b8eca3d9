package publishing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/approvals"
	"github.com/goliatone/go-omnipost/internal/audit"
	"github.com/goliatone/go-omnipost/internal/domain"
	"github.com/goliatone/go-omnipost/internal/identity"
	"github.com/goliatone/go-omnipost/internal/kvstore"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/metrics"
	"github.com/goliatone/go-omnipost/internal/platforms"
	"github.com/goliatone/go-omnipost/internal/runtimeconfig"
	"github.com/goliatone/go-omnipost/internal/workflow/simple"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// OutcomeKind classifies the result of one AttemptPublish call.
type OutcomeKind string

const (
	OutcomePublished    OutcomeKind = "published"
	OutcomeRetry        OutcomeKind = "retry"
	OutcomeFailed       OutcomeKind = "failed"
	OutcomeGateAbort    OutcomeKind = "gate_abort"
	OutcomeRateDeferred OutcomeKind = "rate_deferred"
	OutcomeDeferred     OutcomeKind = "deferred"
	OutcomeDataError    OutcomeKind = "data_error"
)

// Reasons attached to gate_abort and deferred outcomes, and to a failure with
// no registered client.
const (
	ReasonCrisis           = "crisis"
	ReasonStaleCycle       = "stale_cycle"
	ReasonAlreadyPublished = "already_published"
	ReasonStatus           = "status"
	ReasonLockHeld         = "lock_held"
	ReasonActiveAttempt    = "active_attempt"
	ReasonMissingVariant   = "variant_missing"
	ReasonMissingAccount   = "account_missing"
	ReasonMissingClient    = "client_missing"
)

// AttemptRequest identifies one publication attempt. A zero Cycle targets the
// variant's current cycle.
type AttemptRequest struct {
	VariantID     uuid.UUID
	Cycle         int
	AttemptNumber int
	QueuedAt      time.Time
	ActorID       uuid.UUID
}

// Outcome carries the control flow result of an attempt. NextAttempt and
// RetryAfter tell the caller how to re-enqueue retry and deferred outcomes.
type Outcome struct {
	Kind           OutcomeKind
	Reason         string
	VariantID      uuid.UUID
	Platform       string
	Cycle          int
	AttemptNumber  int
	NextAttempt    int
	RetryAfter     time.Duration
	AttemptID      uuid.UUID
	ExternalPostID string
	ErrorClass     interfaces.ErrorClass
	Message        string
}

// Requeue reports whether the job should run again.
func (o *Outcome) Requeue() bool {
	if o == nil {
		return false
	}
	switch o.Kind {
	case OutcomeRetry, OutcomeDeferred, OutcomeRateDeferred:
		return true
	default:
		return false
	}
}

// Limiter is the rate limiter and circuit breaker consulted before every call.
type Limiter interface {
	Allow(ctx context.Context, platform, account string) (bool, error)
	RecordAttempt(ctx context.Context, platform, account string) error
	RecordSuccess(ctx context.Context, platform, account string) error
	RecordFailure(ctx context.Context, platform, account string) error
	WaitTime(ctx context.Context, platform, account string) (time.Duration, error)
}

// CrisisGate reports whether publication is halted for a brand and platform.
type CrisisGate interface {
	IsActive(ctx context.Context, brandID uuid.UUID, platform string) (bool, error)
}

// ClientRegistry resolves the platform client for a variant.
type ClientRegistry interface {
	Get(platform string) (interfaces.PlatformClient, error)
}

// ContentWorkflow drives the content item roll-up transitions.
type ContentWorkflow interface {
	Get(ctx context.Context, id uuid.UUID) (*approvals.ContentItem, error)
	Transition(ctx context.Context, req approvals.TransitionRequest) (*approvals.ContentItem, error)
}

// OrchestratorConfig captures attempt policy.
type OrchestratorConfig struct {
	MaxAttempts           int
	Backoff               []time.Duration
	TokenRefreshThreshold time.Duration
	CallTimeout           time.Duration
	LockTTL               time.Duration
	LockRetryDelay        time.Duration
	StaleAttemptAfter     time.Duration
	AlertThreshold        int
	AlertWindow           time.Duration
	KeyPrefix             string
}

// OrchestratorConfigFromRuntime maps the runtime configuration.
func OrchestratorConfigFromRuntime(cfg runtimeconfig.Config) OrchestratorConfig {
	return OrchestratorConfig{
		MaxAttempts:           cfg.Publishing.MaxAttempts,
		Backoff:               append([]time.Duration(nil), cfg.Publishing.Backoff...),
		TokenRefreshThreshold: cfg.Publishing.TokenRefreshThreshold,
		CallTimeout:           cfg.Publishing.CallTimeout,
		LockTTL:               cfg.Publishing.LockTTL,
		LockRetryDelay:        cfg.Publishing.LockRetryDelay,
		StaleAttemptAfter:     cfg.Publishing.StaleAttemptAfter,
		AlertThreshold:        cfg.Alerts.FailureThreshold,
		AlertWindow:           cfg.Alerts.Window,
		KeyPrefix:             cfg.Redis.KeyPrefix,
	}
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	defaults := OrchestratorConfigFromRuntime(runtimeconfig.DefaultConfig())
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if len(c.Backoff) == 0 {
		c.Backoff = defaults.Backoff
	}
	if c.TokenRefreshThreshold <= 0 {
		c.TokenRefreshThreshold = defaults.TokenRefreshThreshold
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaults.CallTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.LockRetryDelay <= 0 {
		c.LockRetryDelay = defaults.LockRetryDelay
	}
	if c.StaleAttemptAfter <= 0 {
		c.StaleAttemptAfter = defaults.StaleAttemptAfter
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = defaults.AlertThreshold
	}
	if c.AlertWindow <= 0 {
		c.AlertWindow = defaults.AlertWindow
	}
	return c
}

// backoff returns the delay before attempt+1.
func (c OrchestratorConfig) backoff(attempt int) time.Duration {
	if len(c.Backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.Backoff) {
		idx = len(c.Backoff) - 1
	}
	return c.Backoff[idx]
}

// Orchestrator executes publication attempts for single variants.
type Orchestrator struct {
	stores   Stores
	limiter  Limiter
	crisis   CrisisGate
	clients  ClientRegistry
	content  ContentWorkflow
	locks    kvstore.Store
	engine   interfaces.WorkflowEngine
	cfg      OrchestratorConfig
	logger   interfaces.Logger
	metrics  metrics.Recorder
	audit    audit.Recorder
	notifier interfaces.Notifier
	now      func() time.Time
	nonce    func() string
}

// OrchestratorDeps lists the collaborators of the orchestrator.
type OrchestratorDeps struct {
	Stores  Stores
	Limiter Limiter
	Crisis  CrisisGate
	Clients ClientRegistry
	Content ContentWorkflow
	Locks   kvstore.Store
	Engine  interfaces.WorkflowEngine
}

// OrchestratorOption configures the orchestrator.
type OrchestratorOption func(*Orchestrator)

func WithLogger(logger interfaces.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(recorder metrics.Recorder) OrchestratorOption {
	return func(o *Orchestrator) {
		o.metrics = metrics.Ensure(recorder)
	}
}

func WithAuditRecorder(recorder audit.Recorder) OrchestratorOption {
	return func(o *Orchestrator) {
		if recorder != nil {
			o.audit = recorder
		}
	}
}

func WithNotifier(notifier interfaces.Notifier) OrchestratorOption {
	return func(o *Orchestrator) {
		o.notifier = notifier
	}
}

func WithClock(clock func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

// WithNonce overrides the attempt-local nonce mixed into idempotency keys.
func WithNonce(nonce func() string) OrchestratorOption {
	return func(o *Orchestrator) {
		if nonce != nil {
			o.nonce = nonce
		}
	}
}

// NewOrchestrator wires the orchestrator. Without an engine the simple
// workflow engine is used for variant transitions.
func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		stores:  deps.Stores,
		limiter: deps.Limiter,
		crisis:  deps.Crisis,
		clients: deps.Clients,
		content: deps.Content,
		locks:   deps.Locks,
		engine:  deps.Engine,
		cfg:     cfg.withDefaults(),
		logger:  logging.NoOp(),
		metrics: metrics.Noop(),
		audit:   audit.Noop{},
		now:     time.Now,
		nonce:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.engine == nil {
		o.engine = simple.New(simple.WithClock(o.now))
	}
	if o.locks == nil {
		o.locks = kvstore.NewMemory(kvstore.WithClock(o.now))
	}
	return o
}

// AttemptPublish runs the gate sequence and, when every gate passes, one
// external publish call. The error is reserved for infrastructure faults.
func (o *Orchestrator) AttemptPublish(ctx context.Context, req AttemptRequest) (*Outcome, error) {
	if req.VariantID == uuid.Nil {
		return nil, ErrVariantIDRequired
	}
	if req.AttemptNumber <= 0 {
		req.AttemptNumber = 1
	}
	outcome := &Outcome{
		VariantID:     req.VariantID,
		Cycle:         req.Cycle,
		AttemptNumber: req.AttemptNumber,
	}

	variant, err := o.stores.Variants.GetByID(ctx, req.VariantID)
	if err != nil {
		if isNotFound(err) {
			o.logger.Error("publishing.variant.missing", "variant_id", req.VariantID.String(), "error", err)
			return o.finish(outcome.dataError(ReasonMissingVariant, err)), nil
		}
		return nil, err
	}
	outcome.Platform = variant.Platform
	if req.Cycle <= 0 {
		req.Cycle = variant.PublishCycle
		outcome.Cycle = req.Cycle
	}
	logger := logging.WithVariantContext(o.logger.WithContext(ctx), variant.ID.String(), req.Cycle, req.AttemptNumber, variant.Platform)

	account, err := o.stores.Accounts.GetByID(ctx, variant.AccountID)
	if err != nil {
		if isNotFound(err) {
			logger.Error("publishing.account.missing", "account_id", variant.AccountID.String(), "error", err)
			return o.finish(outcome.dataError(ReasonMissingAccount, err)), nil
		}
		return nil, err
	}

	active, err := o.crisis.IsActive(ctx, variant.BrandID, variant.Platform)
	if err != nil {
		return nil, fmt.Errorf("crisis gate: %w", err)
	}
	if active {
		logger.Warn("publishing.gate.crisis", "brand_id", variant.BrandID.String())
		return o.finish(outcome.abort(ReasonCrisis)), nil
	}

	token := uuid.NewString()
	lockKey := o.lockKey(variant.ID)
	acquired, err := o.locks.SetNX(ctx, lockKey, token, o.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire publish lock: %w", err)
	}
	if !acquired {
		logger.Debug("publishing.lock.held")
		outcome.Kind = OutcomeDeferred
		outcome.Reason = ReasonLockHeld
		outcome.NextAttempt = req.AttemptNumber
		outcome.RetryAfter = o.cfg.LockRetryDelay
		return o.finish(outcome), nil
	}
	defer func() {
		if _, err := o.locks.CompareAndDelete(context.WithoutCancel(ctx), lockKey, token); err != nil {
			logger.Warn("publishing.lock.release_failed", "error", err)
		}
	}()

	// The variant may have moved while the lock was contended.
	variant, err = o.stores.Variants.GetByID(ctx, req.VariantID)
	if err != nil {
		return nil, err
	}
	if req.Cycle != variant.PublishCycle {
		logger.Info("publishing.gate.stale_cycle", "current_cycle", variant.PublishCycle)
		return o.finish(outcome.abort(ReasonStaleCycle)), nil
	}

	published, err := o.stores.Ledger.HasSuccess(ctx, variant.ID)
	if err != nil {
		return nil, err
	}
	if published || variant.Status == domain.StatusPublished {
		logger.Info("publishing.gate.already_published")
		return o.finish(outcome.abort(ReasonAlreadyPublished)), nil
	}
	if variant.Status != domain.StatusScheduled && variant.Status != domain.StatusPublishing {
		logger.Info("publishing.gate.status", "status", string(variant.Status))
		return o.finish(outcome.abort(ReasonStatus)), nil
	}

	accountKey := account.ID.String()
	allowed, err := o.limiter.Allow(ctx, variant.Platform, accountKey)
	if err != nil {
		return nil, fmt.Errorf("rate gate: %w", err)
	}
	if !allowed {
		wait, err := o.limiter.WaitTime(ctx, variant.Platform, accountKey)
		if err != nil || wait <= 0 {
			wait = o.cfg.LockRetryDelay
		}
		logger.Info("publishing.gate.rate_deferred", "retry_after", wait.String())
		outcome.Kind = OutcomeRateDeferred
		outcome.NextAttempt = req.AttemptNumber
		outcome.RetryAfter = wait
		return o.finish(outcome), nil
	}

	attempt, err := o.begin(ctx, logger, variant, req)
	if err != nil {
		if errors.Is(err, ErrActiveAttemptExists) || errors.Is(err, ErrConcurrentUpdate) {
			logger.Info("publishing.attempt.deferred", "error", err)
			outcome.Kind = OutcomeDeferred
			outcome.Reason = ReasonActiveAttempt
			outcome.NextAttempt = req.AttemptNumber
			outcome.RetryAfter = o.cfg.LockRetryDelay
			return o.finish(outcome), nil
		}
		return nil, err
	}
	outcome.AttemptID = attempt.ID
	variant.Status = domain.StatusPublishing

	client, err := o.clients.Get(variant.Platform)
	if err != nil {
		// A variant for an unregistered platform can never publish.
		logger.Error("publishing.client.missing", "error", err)
		outcome.Reason = ReasonMissingClient
		pe := &interfaces.PlatformError{Platform: variant.Platform, Class: interfaces.ErrorClassRejected, Message: err.Error(), Err: err}
		return o.fail(ctx, logger, variant, account, attempt, req, outcome, pe)
	}

	cred, err := o.credential(ctx, logger, client, account)
	if err != nil {
		pe := asPlatformError(variant.Platform, err)
		pe.Class = interfaces.ErrorClassAuth
		return o.fail(ctx, logger, variant, account, attempt, req, outcome, pe)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	started := o.now()
	result, publishErr := client.Publish(callCtx, interfaces.PublishRequest{
		TargetID:   account.ExternalAccountID,
		Text:       variant.Text,
		Credential: cred,
		Options:    interfaces.PublishOptions{Link: variant.Link},
	})
	cancel()
	elapsed := o.now().Sub(started)

	if err := o.limiter.RecordAttempt(ctx, variant.Platform, accountKey); err != nil {
		logger.Warn("publishing.limiter.record_attempt_failed", "error", err)
	}
	if publishErr == nil && result != nil && result.ExternalPostID != "" {
		if err := o.limiter.RecordSuccess(ctx, variant.Platform, accountKey); err != nil {
			logger.Warn("publishing.limiter.record_success_failed", "error", err)
		}
		o.metrics.AttemptSealed(variant.Platform, string(domain.AttemptResultSuccess), "", elapsed)
		return o.succeed(ctx, logger, variant, attempt, req, outcome, result)
	}
	if err := o.limiter.RecordFailure(ctx, variant.Platform, accountKey); err != nil {
		logger.Warn("publishing.limiter.record_failure_failed", "error", err)
	}
	if publishErr == nil {
		publishErr = &interfaces.PlatformError{
			Platform: variant.Platform,
			Class:    interfaces.ErrorClassTransient,
			Message:  "publish returned no external post id",
		}
	}
	pe := asPlatformError(variant.Platform, publishErr)
	o.metrics.AttemptSealed(variant.Platform, string(domain.AttemptResultFail), string(pe.Class), elapsed)
	return o.fail(ctx, logger, variant, account, attempt, req, outcome, pe)
}

func (o *Orchestrator) begin(ctx context.Context, logger interfaces.Logger, variant *Variant, req AttemptRequest) (*Attempt, error) {
	now := o.now().UTC()
	expected := variant.Status
	next := cloneVariant(variant)
	if expected == domain.StatusScheduled {
		if _, err := o.engine.Transition(ctx, interfaces.TransitionInput{
			EntityID:     variant.ID,
			EntityType:   domain.EntityTypeVariant,
			CurrentState: interfaces.WorkflowState(expected),
			TargetState:  interfaces.WorkflowState(domain.StatusPublishing),
			ActorID:      req.ActorID,
		}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		next.Status = domain.StatusPublishing
	}
	next.UpdatedAt = now

	attempt := &Attempt{
		ID:             uuid.New(),
		VariantID:      variant.ID,
		PublishCycle:   req.Cycle,
		AttemptNo:      req.AttemptNumber,
		IdempotencyKey: IdempotencyKey(variant.ID, req.Cycle, req.AttemptNumber, o.nonce()),
		StartedAt:      now,
	}
	if !req.QueuedAt.IsZero() {
		attempt.QueuedAt = timePtr(req.QueuedAt.UTC())
	}

	result, err := o.stores.Ledger.BeginAttempt(ctx, BeginAttemptInput{
		Attempt:        attempt,
		Variant:        next,
		ExpectedStatus: expected,
		StaleBefore:    now.Add(-o.cfg.StaleAttemptAfter),
		AbandonedAt:    now,
	})
	if err != nil {
		return nil, err
	}
	for _, abandoned := range result.Abandoned {
		logger.Warn("publishing.attempt.abandoned",
			"attempt_id", abandoned.ID.String(),
			"abandoned_attempt", abandoned.AttemptNo,
		)
		o.metrics.AttemptSealed(variant.Platform, string(domain.AttemptResultFail), ErrorClassAbandoned, 0)
	}
	logger.Info("publishing.attempt.started", "attempt_id", result.Attempt.ID.String())
	if expected == domain.StatusScheduled {
		o.rollUpContent(ctx, logger, variant.ContentID, domain.StatusScheduled, domain.StatusPublishing)
	}
	return result.Attempt, nil
}

// credential refreshes tokens close to expiry and persists rotated ones. Any
// error means the account can no longer publish.
func (o *Orchestrator) credential(ctx context.Context, logger interfaces.Logger, client interfaces.PlatformClient, account *Account) (interfaces.Credential, error) {
	if account.Status != domain.AccountStatusConnected {
		return interfaces.Credential{}, &interfaces.PlatformError{
			Platform: account.Platform,
			Class:    interfaces.ErrorClassAuth,
			Code:     "account_" + string(account.Status),
			Message:  "account is not connected",
		}
	}
	cred := account.Credential()
	if !cred.ExpiresWithin(o.now(), o.cfg.TokenRefreshThreshold) {
		return cred, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	refreshed, err := client.RefreshIfNeeded(callCtx, cred)
	if err != nil {
		logger.Warn("publishing.credential.refresh_failed", "error", err)
		return interfaces.Credential{}, err
	}
	if refreshed.AccessToken == "" {
		return interfaces.Credential{}, &interfaces.PlatformError{
			Platform: account.Platform,
			Class:    interfaces.ErrorClassAuth,
			Message:  "refresh returned an empty access token",
		}
	}
	if refreshed.AccessToken != cred.AccessToken || refreshed.RefreshToken != cred.RefreshToken {
		rotated := cloneAccount(account)
		rotated.AccessToken = refreshed.AccessToken
		rotated.RefreshToken = refreshed.RefreshToken
		rotated.TokenExpiresAt = cloneTime(refreshed.ExpiresAt)
		if refreshed.Meta != nil {
			rotated.Meta = refreshed.Meta
		}
		rotated.UpdatedAt = o.now().UTC()
		if _, err := o.stores.Accounts.UpdateCredential(ctx, rotated); err != nil {
			logger.Error("publishing.credential.persist_failed", "error", err)
		} else {
			logger.Info("publishing.credential.rotated", "account_id", account.ID.String())
		}
	}
	return refreshed, nil
}

func (o *Orchestrator) succeed(ctx context.Context, logger interfaces.Logger, variant *Variant, attempt *Attempt, req AttemptRequest, outcome *Outcome, result *interfaces.PublishResult) (*Outcome, error) {
	now := o.now().UTC()
	sealed := cloneAttempt(attempt)
	sealed.FinishedAt = timePtr(now)
	sealed.Result = domain.AttemptResultSuccess
	sealed.ExternalPostID = result.ExternalPostID
	sealed.RawResponse = result.RawResponse

	next := cloneVariant(variant)
	if err := o.transitionVariant(ctx, next, domain.StatusPublished, req.ActorID); err != nil {
		return nil, err
	}
	next.ExternalPostID = result.ExternalPostID
	next.PublishedAt = timePtr(now)
	next.LastError = ""
	next.UpdatedAt = now

	if err := o.stores.Ledger.SealAttempt(ctx, SealAttemptInput{
		Attempt:        sealed,
		Variant:        next,
		ExpectedStatus: domain.StatusPublishing,
	}); err != nil {
		return nil, err
	}
	logger.Info("publishing.attempt.published", "external_post_id", result.ExternalPostID)

	o.record(ctx, logger, audit.ActionVariantPublished, next, sealed, req.ActorID, map[string]any{
		"external_post_id": result.ExternalPostID,
	})
	o.settleContent(ctx, logger, variant.ContentID)

	outcome.Kind = OutcomePublished
	outcome.ExternalPostID = result.ExternalPostID
	return o.finish(outcome), nil
}

func (o *Orchestrator) fail(ctx context.Context, logger interfaces.Logger, variant *Variant, account *Account, attempt *Attempt, req AttemptRequest, outcome *Outcome, pe *interfaces.PlatformError) (*Outcome, error) {
	now := o.now().UTC()
	sealed := cloneAttempt(attempt)
	sealed.FinishedAt = timePtr(now)
	sealed.Result = domain.AttemptResultFail
	sealed.ErrorClass = string(pe.Class)
	sealed.ErrorCode = pe.Code
	sealed.ErrorMessage = platforms.Truncate(pe.Message, 2000)
	sealed.RawResponse = platforms.Truncate(pe.Raw, 0)

	outcome.ErrorClass = pe.Class
	outcome.Message = pe.Message

	next := cloneVariant(variant)
	next.LastError = platforms.Truncate(pe.Error(), 500)
	next.UpdatedAt = now

	retry := pe.Class.Retryable() && req.AttemptNumber < o.cfg.MaxAttempts
	if !retry {
		if err := o.transitionVariant(ctx, next, domain.StatusFailed, req.ActorID); err != nil {
			return nil, err
		}
	}
	if err := o.stores.Ledger.SealAttempt(ctx, SealAttemptInput{
		Attempt:        sealed,
		Variant:        next,
		ExpectedStatus: domain.StatusPublishing,
	}); err != nil {
		return nil, err
	}

	if retry {
		delay := o.cfg.backoff(req.AttemptNumber)
		if pe.Class == interfaces.ErrorClassRateLimited {
			if wait, err := o.limiter.WaitTime(ctx, variant.Platform, account.ID.String()); err == nil && wait > delay {
				delay = wait
			}
		}
		logger.Warn("publishing.attempt.retry",
			"error_class", string(pe.Class),
			"error", pe.Message,
			"retry_after", delay.String(),
		)
		outcome.Kind = OutcomeRetry
		outcome.NextAttempt = req.AttemptNumber + 1
		outcome.RetryAfter = delay
		return o.finish(outcome), nil
	}

	logger.Error("publishing.attempt.failed",
		"error_class", string(pe.Class),
		"error_code", pe.Code,
		"error", pe.Message,
	)
	o.record(ctx, logger, audit.ActionVariantFailed, next, sealed, req.ActorID, map[string]any{
		"error_class": string(pe.Class),
		"error_code":  pe.Code,
	})
	if pe.Class == interfaces.ErrorClassAuth {
		o.expireAccount(ctx, logger, account, req.ActorID)
		o.alert(ctx, logger, interfaces.Alert{
			Audience: []interfaces.Audience{interfaces.AudienceAdministrators},
			Kind:     interfaces.AlertAuthFailure,
			BrandID:  variant.BrandID.String(),
			Subject:  fmt.Sprintf("Reconnect the %s account %s", variant.Platform, accountLabel(account)),
			Context:  o.alertContext(variant, account, sealed, pe),
		})
	} else {
		failed := interfaces.Alert{
			Audience: []interfaces.Audience{interfaces.AudienceAdministrators},
			Kind:     interfaces.AlertPublishFailed,
			BrandID:  variant.BrandID.String(),
			Subject:  fmt.Sprintf("Publication to %s failed", variant.Platform),
			Context:  o.alertContext(variant, account, sealed, pe),
		}
		if submitter := o.submitter(ctx, logger, variant.ContentID); submitter != "" {
			failed.Audience = append(failed.Audience, interfaces.AudienceSubmitter)
			failed.Recipients = []string{submitter}
		}
		o.alert(ctx, logger, failed)
		o.checkFailureThreshold(ctx, logger, now)
	}
	o.settleContent(ctx, logger, variant.ContentID)

	outcome.Kind = OutcomeFailed
	return o.finish(outcome), nil
}

func (o *Orchestrator) transitionVariant(ctx context.Context, variant *Variant, to domain.Status, actorID uuid.UUID) error {
	if _, err := o.engine.Transition(ctx, interfaces.TransitionInput{
		EntityID:     variant.ID,
		EntityType:   domain.EntityTypeVariant,
		CurrentState: interfaces.WorkflowState(variant.Status),
		TargetState:  interfaces.WorkflowState(to),
		ActorID:      actorID,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	variant.Status = to
	return nil
}

func (o *Orchestrator) expireAccount(ctx context.Context, logger interfaces.Logger, account *Account, actorID uuid.UUID) {
	now := o.now().UTC()
	// Only a connected account expires; a revoked one must stay revoked.
	expired, err := o.stores.Accounts.TransitionStatus(ctx, account.ID, domain.AccountStatusConnected, domain.AccountStatusExpired, now)
	if err != nil {
		logger.Error("publishing.account.expire_failed", "account_id", account.ID.String(), "error", err)
		return
	}
	if !expired {
		return
	}
	err = o.audit.Record(ctx, audit.Event{
		ID:         identity.AccountExpiryUUID(account.ID, now),
		EntityType: domain.EntityTypeAccount,
		EntityID:   account.ID.String(),
		Action:     audit.ActionAccountExpired,
		ActorID:    actorID,
		OccurredAt: now,
		Metadata: map[string]any{
			"platform": account.Platform,
			"brand_id": account.BrandID.String(),
		},
	})
	if err != nil {
		logger.Error("publishing.audit.failed", "action", audit.ActionAccountExpired, "error", err)
	}
}

// checkFailureThreshold raises one system alert per window once terminal
// failures reach the configured threshold.
func (o *Orchestrator) checkFailureThreshold(ctx context.Context, logger interfaces.Logger, now time.Time) {
	since := now.Add(-o.cfg.AlertWindow)
	count, err := o.stores.Ledger.CountFailuresSince(ctx, since)
	if err != nil {
		logger.Warn("publishing.threshold.count_failed", "error", err)
		return
	}
	if count < o.cfg.AlertThreshold {
		return
	}
	bucket := now.Truncate(o.cfg.AlertWindow).Unix()
	key := o.cfg.KeyPrefix + "alert:failure_threshold:" + strconv.FormatInt(bucket, 10)
	first, err := o.locks.SetNX(ctx, key, strconv.Itoa(count), o.cfg.AlertWindow)
	if err != nil {
		logger.Warn("publishing.threshold.dedupe_failed", "error", err)
		return
	}
	if !first {
		return
	}
	o.alert(ctx, logger, interfaces.Alert{
		Audience: []interfaces.Audience{interfaces.AudienceSystem},
		Kind:     interfaces.AlertFailureThreshold,
		Subject:  fmt.Sprintf("%d publication failures in the last %s", count, o.cfg.AlertWindow),
		Context: map[string]any{
			"failures":  count,
			"threshold": o.cfg.AlertThreshold,
			"window":    o.cfg.AlertWindow.String(),
		},
	})
}

// rollUpContent moves the content item when it still sits in from.
func (o *Orchestrator) rollUpContent(ctx context.Context, logger interfaces.Logger, contentID uuid.UUID, from, to domain.Status) {
	if o.content == nil || contentID == uuid.Nil {
		return
	}
	item, err := o.content.Get(ctx, contentID)
	if err != nil {
		logger.Warn("publishing.content.lookup_failed", "content_id", contentID.String(), "error", err)
		return
	}
	if item.Status != from {
		return
	}
	if _, err := o.content.Transition(ctx, approvals.TransitionRequest{
		ContentID: contentID,
		To:        to,
		Reason:    "variant roll-up",
	}); err != nil && !errors.Is(err, approvals.ErrInvalidTransition) && !errors.Is(err, approvals.ErrConcurrentTransition) {
		logger.Warn("publishing.content.rollup_failed", "content_id", contentID.String(), "to", string(to), "error", err)
	}
}

// submitter returns the user who submitted the content item for approval.
func (o *Orchestrator) submitter(ctx context.Context, logger interfaces.Logger, contentID uuid.UUID) string {
	if o.content == nil || contentID == uuid.Nil {
		return ""
	}
	item, err := o.content.Get(ctx, contentID)
	if err != nil {
		logger.Warn("publishing.content.lookup_failed", "content_id", contentID.String(), "error", err)
		return ""
	}
	if item.SubmittedBy == nil || *item.SubmittedBy == uuid.Nil {
		return ""
	}
	return item.SubmittedBy.String()
}

// settleContent closes the content item once every variant is terminal.
func (o *Orchestrator) settleContent(ctx context.Context, logger interfaces.Logger, contentID uuid.UUID) {
	if o.content == nil || contentID == uuid.Nil {
		return
	}
	variants, err := o.stores.Variants.ListByContent(ctx, contentID)
	if err != nil {
		logger.Warn("publishing.content.variants_failed", "content_id", contentID.String(), "error", err)
		return
	}
	target := domain.StatusPublished
	for _, v := range variants {
		switch v.Status {
		case domain.StatusPublished:
		case domain.StatusFailed:
			target = domain.StatusFailed
		default:
			return
		}
	}
	o.rollUpContent(ctx, logger, contentID, domain.StatusPublishing, target)
}

func (o *Orchestrator) record(ctx context.Context, logger interfaces.Logger, action string, variant *Variant, attempt *Attempt, actorID uuid.UUID, extra map[string]any) {
	metadata := map[string]any{
		"platform":      variant.Platform,
		"brand_id":      variant.BrandID.String(),
		"content_id":    variant.ContentID.String(),
		"attempt_id":    attempt.ID.String(),
		"publish_cycle": attempt.PublishCycle,
		"attempt_no":    attempt.AttemptNo,
	}
	for k, v := range extra {
		metadata[k] = v
	}
	err := o.audit.Record(ctx, audit.Event{
		ID:         identity.OutcomeUUID(attempt.ID),
		EntityType: domain.EntityTypeVariant,
		EntityID:   variant.ID.String(),
		Action:     action,
		ActorID:    actorID,
		OccurredAt: o.now().UTC(),
		Metadata:   metadata,
	})
	if err != nil {
		logger.Error("publishing.audit.failed", "action", action, "error", err)
	}
}

func (o *Orchestrator) alert(ctx context.Context, logger interfaces.Logger, alert interfaces.Alert) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, alert); err != nil {
		logger.Warn("publishing.notify.failed", "kind", string(alert.Kind), "error", err)
	}
}

func (o *Orchestrator) alertContext(variant *Variant, account *Account, attempt *Attempt, pe *interfaces.PlatformError) map[string]any {
	return map[string]any{
		"variant_id":    variant.ID.String(),
		"content_id":    variant.ContentID.String(),
		"platform":      variant.Platform,
		"account_id":    account.ID.String(),
		"account_name":  accountLabel(account),
		"attempt_id":    attempt.ID.String(),
		"attempt_no":    attempt.AttemptNo,
		"publish_cycle": attempt.PublishCycle,
		"error_class":   string(pe.Class),
		"error_code":    pe.Code,
		"error":         pe.Message,
	}
}

func (o *Orchestrator) finish(outcome *Outcome) *Outcome {
	o.metrics.PublishOutcome(outcome.Platform, string(outcome.Kind))
	return outcome
}

func (o *Orchestrator) lockKey(variantID uuid.UUID) string {
	return o.cfg.KeyPrefix + "publish_lock:variant:" + variantID.String()
}

func (o *Outcome) abort(reason string) *Outcome {
	o.Kind = OutcomeGateAbort
	o.Reason = reason
	return o
}

func (o *Outcome) dataError(reason string, err error) *Outcome {
	o.Kind = OutcomeDataError
	o.Reason = reason
	o.Message = err.Error()
	return o
}

// IdempotencyKey renders the 64 hex character attempt token.
func IdempotencyKey(variantID uuid.UUID, cycle, attempt int, nonce string) string {
	sum := sha256.Sum256([]byte(variantID.String() + ":" + strconv.Itoa(cycle) + ":" + strconv.Itoa(attempt) + ":" + nonce))
	return hex.EncodeToString(sum[:])
}

func asPlatformError(platform string, err error) *interfaces.PlatformError {
	var pe *interfaces.PlatformError
	if errors.As(err, &pe) && pe != nil {
		clone := *pe
		if clone.Platform == "" {
			clone.Platform = platform
		}
		return &clone
	}
	return &interfaces.PlatformError{
		Platform: platform,
		Class:    interfaces.ErrorClassTransport,
		Message:  err.Error(),
		Err:      err,
	}
}

func accountLabel(account *Account) string {
	if account.DisplayName != "" {
		return account.DisplayName
	}
	return account.ExternalAccountID
}

func isNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}
