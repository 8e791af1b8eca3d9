package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/audit"
	"github.com/goliatone/go-omnipost/internal/domain"
	"github.com/goliatone/go-omnipost/internal/identity"
	"github.com/goliatone/go-omnipost/internal/kvstore"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/metrics"
	"github.com/goliatone/go-omnipost/internal/publishing"
	"github.com/goliatone/go-omnipost/internal/runtimeconfig"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// AccountSource is the slice of the account repository the watcher needs.
type AccountSource interface {
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*publishing.Account, error)
	UpdateCredential(ctx context.Context, account *publishing.Account) (*publishing.Account, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.AccountStatus, at time.Time) (bool, error)
}

// TokenWatchConfig controls the token expiry sweep.
type TokenWatchConfig struct {
	Threshold   time.Duration
	Batch       int
	CallTimeout time.Duration
	KeyPrefix   string
}

// TokenWatchConfigFromRuntime maps the runtime configuration.
func TokenWatchConfigFromRuntime(cfg runtimeconfig.Config) TokenWatchConfig {
	return TokenWatchConfig{
		Threshold:   cfg.Publishing.TokenRefreshThreshold,
		Batch:       cfg.Publishing.DispatchBatch,
		CallTimeout: cfg.Publishing.CallTimeout,
		KeyPrefix:   cfg.Redis.KeyPrefix,
	}
}

func (c TokenWatchConfig) withDefaults() TokenWatchConfig {
	if c.Threshold <= 0 {
		c.Threshold = 7 * 24 * time.Hour
	}
	if c.Batch <= 0 {
		c.Batch = 100
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// TokenReport summarises one watcher pass.
type TokenReport struct {
	Scanned   int
	Refreshed int
	Expired   int
	Notified  int
}

// TokenWatcher refreshes credentials that expire inside the threshold. When
// a refresh is not possible it warns administrators once a day and marks
// accounts whose token already lapsed as expired.
type TokenWatcher struct {
	accounts AccountSource
	clients  publishing.ClientRegistry
	dedupe   kvstore.Store
	notifier interfaces.Notifier
	audit    audit.Recorder
	cfg      TokenWatchConfig
	logger   interfaces.Logger
	metrics  metrics.Recorder
	now      func() time.Time
}

func NewTokenWatcher(accounts AccountSource, clients publishing.ClientRegistry, dedupe kvstore.Store, notifier interfaces.Notifier, recorder audit.Recorder, cfg TokenWatchConfig, opts ...Option) *TokenWatcher {
	o := applyOptions(opts)
	if dedupe == nil {
		dedupe = kvstore.NewMemory(kvstore.WithClock(o.now))
	}
	if recorder == nil {
		recorder = audit.Noop{}
	}
	return &TokenWatcher{
		accounts: accounts,
		clients:  clients,
		dedupe:   dedupe,
		notifier: notifier,
		audit:    recorder,
		cfg:      cfg.withDefaults(),
		logger:   o.logger,
		metrics:  o.metrics,
		now:      o.now,
	}
}

// Run sweeps one batch of expiring accounts.
func (w *TokenWatcher) Run(ctx context.Context) (TokenReport, error) {
	var report TokenReport
	if w.accounts == nil || w.clients == nil {
		return report, errors.New("jobs: token watcher is not configured")
	}
	now := w.now().UTC()
	accounts, err := w.accounts.ListExpiring(ctx, now.Add(w.cfg.Threshold), w.cfg.Batch)
	if err != nil {
		return report, fmt.Errorf("list expiring accounts: %w", err)
	}
	report.Scanned = len(accounts)
	for _, account := range accounts {
		if account == nil {
			continue
		}
		if w.refresh(ctx, account, now) {
			report.Refreshed++
			continue
		}
		cred := account.Credential()
		if cred.ExpiresAt != nil && !cred.ExpiresAt.After(now) {
			if w.expire(ctx, account, now) {
				report.Expired++
			}
		}
		if w.warn(ctx, account, now) {
			report.Notified++
		}
	}
	return report, nil
}

// refresh reports whether the account now holds a credential that outlives
// the threshold.
func (w *TokenWatcher) refresh(ctx context.Context, account *publishing.Account, now time.Time) bool {
	logger := logging.WithFields(w.logger, map[string]any{
		"account_id": account.ID.String(),
		"platform":   account.Platform,
	})
	client, err := w.clients.Get(account.Platform)
	if err != nil {
		logger.Warn("jobs.tokens.client_missing", "error", err)
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()
	cred := account.Credential()
	refreshed, err := client.RefreshIfNeeded(callCtx, cred)
	if err != nil {
		logger.Warn("jobs.tokens.refresh_failed", "error", err)
		return false
	}
	if refreshed.AccessToken == "" {
		return false
	}
	if refreshed.AccessToken != cred.AccessToken || refreshed.RefreshToken != cred.RefreshToken || !sameTime(refreshed.ExpiresAt, cred.ExpiresAt) {
		rotated := *account
		rotated.AccessToken = refreshed.AccessToken
		rotated.RefreshToken = refreshed.RefreshToken
		rotated.TokenExpiresAt = refreshed.ExpiresAt
		if refreshed.Meta != nil {
			rotated.Meta = refreshed.Meta
		}
		rotated.UpdatedAt = now
		if _, err := w.accounts.UpdateCredential(ctx, &rotated); err != nil {
			logger.Error("jobs.tokens.persist_failed", "error", err)
			return false
		}
		logger.Info("jobs.tokens.rotated")
	}
	return !refreshed.ExpiresWithin(now, w.cfg.Threshold)
}

func (w *TokenWatcher) expire(ctx context.Context, account *publishing.Account, now time.Time) bool {
	expired, err := w.accounts.TransitionStatus(ctx, account.ID, domain.AccountStatusConnected, domain.AccountStatusExpired, now)
	if err != nil {
		w.logger.Error("jobs.tokens.expire_failed", "account_id", account.ID.String(), "error", err)
		return false
	}
	if !expired {
		return true
	}
	err = w.audit.Record(ctx, audit.Event{
		ID:         identity.AccountExpiryUUID(account.ID, now),
		EntityType: domain.EntityTypeAccount,
		EntityID:   account.ID.String(),
		Action:     audit.ActionAccountExpired,
		OccurredAt: now,
		Metadata: map[string]any{
			"platform": account.Platform,
			"brand_id": account.BrandID.String(),
			"source":   "token_watch",
		},
	})
	if err != nil {
		w.logger.Error("jobs.tokens.audit_failed", "account_id", account.ID.String(), "error", err)
	}
	return true
}

// warn sends at most one token_expiring alert per account and day.
func (w *TokenWatcher) warn(ctx context.Context, account *publishing.Account, now time.Time) bool {
	if w.notifier == nil {
		return false
	}
	day := now.Truncate(24 * time.Hour).Format("20060102")
	key := w.cfg.KeyPrefix + "alert:token_expiring:" + account.ID.String() + ":" + day
	first, err := w.dedupe.SetNX(ctx, key, "1", 24*time.Hour)
	if err != nil {
		w.logger.Warn("jobs.tokens.dedupe_failed", "account_id", account.ID.String(), "error", err)
		return false
	}
	if !first {
		return false
	}
	alertCtx := map[string]any{
		"account_id":   account.ID.String(),
		"platform":     account.Platform,
		"display_name": account.DisplayName,
	}
	if account.TokenExpiresAt != nil {
		alertCtx["expires_at"] = account.TokenExpiresAt.UTC().Format(time.RFC3339)
	}
	label := account.DisplayName
	if label == "" {
		label = account.ExternalAccountID
	}
	err = w.notifier.Notify(ctx, interfaces.Alert{
		Audience: []interfaces.Audience{interfaces.AudienceAdministrators},
		Kind:     interfaces.AlertTokenExpiring,
		BrandID:  account.BrandID.String(),
		Subject:  fmt.Sprintf("The %s account %s needs to be reconnected", account.Platform, label),
		Context:  alertCtx,
	})
	status := "sent"
	if err != nil {
		status = "failed"
		w.logger.Warn("jobs.tokens.notify_failed", "account_id", account.ID.String(), "error", err)
	}
	w.metrics.AlertSent(string(interfaces.AlertTokenExpiring), status)
	return err == nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
