package publishing

import (
	"context"
	"errors"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-repository-cache/cache"
	repositorycache "github.com/goliatone/go-repository-cache/repositorycache"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-omnipost/internal/domain"
)

const accountCacheNamespace = "connected_social_account"

func NewVariantRepository(db *bun.DB) repository.Repository[*Variant] {
	return repository.MustNewRepository(db, repository.ModelHandlers[*Variant]{
		NewRecord: func() *Variant { return &Variant{} },
		GetID: func(v *Variant) uuid.UUID {
			return v.ID
		},
		SetID: func(v *Variant, id uuid.UUID) {
			v.ID = id
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(v *Variant) string {
			return v.ID.String()
		},
	})
}

func NewAccountRepository(db *bun.DB) repository.Repository[*Account] {
	return repository.MustNewRepository(db, repository.ModelHandlers[*Account]{
		NewRecord: func() *Account { return &Account{} },
		GetID: func(a *Account) uuid.UUID {
			return a.ID
		},
		SetID: func(a *Account, id uuid.UUID) {
			a.ID = id
		},
		GetIdentifier: func() string {
			return "external_account_id"
		},
		GetIdentifierValue: func(a *Account) string {
			return a.ExternalAccountID
		},
	})
}

func NewAttemptRepository(db *bun.DB) repository.Repository[*Attempt] {
	return repository.MustNewRepository(db, repository.ModelHandlers[*Attempt]{
		NewRecord: func() *Attempt { return &Attempt{} },
		GetID: func(a *Attempt) uuid.UUID {
			return a.ID
		},
		SetID: func(a *Attempt, id uuid.UUID) {
			a.ID = id
		},
		GetIdentifier: func() string {
			return "idempotency_key"
		},
		GetIdentifierValue: func(a *Attempt) string {
			return a.IdempotencyKey
		},
	})
}

// BunStore persists variants, accounts and attempts with bun. Account reads
// go through go-repository-cache when a cache service is supplied.
type BunStore struct {
	db           *bun.DB
	variants     repository.Repository[*Variant]
	accounts     repository.Repository[*Account]
	attempts     repository.Repository[*Attempt]
	cacheService cache.CacheService
	cachePrefix  string
}

func NewBunStore(db *bun.DB) *BunStore {
	return NewBunStoreWithCache(db, nil, nil)
}

func NewBunStoreWithCache(db *bun.DB, cacheService cache.CacheService, serializer cache.KeySerializer) *BunStore {
	accounts := NewAccountRepository(db)
	store := &BunStore{
		db:       db,
		variants: NewVariantRepository(db),
		attempts: NewAttemptRepository(db),
	}
	if cacheService != nil && serializer != nil {
		accounts = repositorycache.New(accounts, cacheService, serializer)
		store.cacheService = cacheService
		store.cachePrefix = cachePrefix(accountCacheNamespace)
	}
	store.accounts = accounts
	return store
}

// Stores exposes the bun store through the repository contracts.
func (s *BunStore) Stores() Stores {
	return Stores{
		Variants: bunVariants{s},
		Accounts: bunAccounts{s},
		Ledger:   bunLedger{s},
	}
}

type bunVariants struct{ s *BunStore }

func (b bunVariants) Create(ctx context.Context, variant *Variant) (*Variant, error) {
	created, err := b.s.variants.Create(ctx, variant)
	if err != nil {
		return nil, fmt.Errorf("variant repository error: %w", err)
	}
	return created, nil
}

func (b bunVariants) GetByID(ctx context.Context, id uuid.UUID) (*Variant, error) {
	variant, err := b.s.variants.GetByID(ctx, id.String())
	if err != nil {
		return nil, mapRepositoryError(err, "variant", id.String())
	}
	return variant, nil
}

func (b bunVariants) ListByContent(ctx context.Context, contentID uuid.UUID) ([]*Variant, error) {
	return b.list(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.content_id = ?", contentID).Order("created_at ASC")
	})
}

func (b bunVariants) ListDue(ctx context.Context, now time.Time, limit int) ([]*Variant, error) {
	return b.list(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		q = q.Where("?TableAlias.status = ?", domain.StatusScheduled).
			Where("?TableAlias.scheduled_at <= ?", now).
			Order("scheduled_at ASC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
}

func (b bunVariants) ListStalled(ctx context.Context, before time.Time, limit int) ([]*Variant, error) {
	return b.list(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		q = q.Where("?TableAlias.status = ?", domain.StatusPublishing).
			Where("?TableAlias.updated_at < ?", before).
			Order("updated_at ASC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
}

func (b bunVariants) list(ctx context.Context, fn func(*bun.SelectQuery) *bun.SelectQuery) ([]*Variant, error) {
	records, _, err := b.s.variants.List(ctx, repository.SelectRawProcessor(fn))
	if err != nil {
		return nil, fmt.Errorf("variant repository error: %w", err)
	}
	return records, nil
}

func (b bunVariants) UpdateSchedule(ctx context.Context, variant *Variant, expected domain.Status) (*Variant, error) {
	result, err := b.s.db.NewUpdate().
		Model(variant).
		Column("status", "scheduled_at", "publish_cycle", "last_error", "updated_at").
		WherePK().
		Where("status = ?", expected).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("update variant schedule: %w", err)
	}
	if err := expectOneRow(ctx, b.s.db, result, (*Variant)(nil), "variant", variant.ID); err != nil {
		return nil, err
	}
	return cloneVariant(variant), nil
}

type bunAccounts struct{ s *BunStore }

func (b bunAccounts) Create(ctx context.Context, account *Account) (*Account, error) {
	created, err := b.s.accounts.Create(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("account repository error: %w", err)
	}
	return created, nil
}

func (b bunAccounts) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	account, err := b.s.accounts.GetByID(ctx, id.String())
	if err != nil {
		return nil, mapRepositoryError(err, "account", id.String())
	}
	return account, nil
}

func (b bunAccounts) UpdateCredential(ctx context.Context, account *Account) (*Account, error) {
	updated, err := b.s.accounts.Update(ctx, account,
		repository.UpdateByID(account.ID.String()),
		repository.UpdateColumns("access_token", "refresh_token", "token_expires_at", "meta", "updated_at"),
	)
	if err != nil {
		return nil, mapRepositoryError(err, "account", account.ID.String())
	}
	b.s.invalidate(ctx)
	return updated, nil
}

func (b bunAccounts) TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.AccountStatus, at time.Time) (bool, error) {
	result, err := b.s.db.NewUpdate().
		Model((*Account)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("update account status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update account status: %w", err)
	}
	if affected == 0 {
		if _, err := b.GetByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	b.s.invalidate(ctx)
	return true, nil
}

func (b bunAccounts) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Account, error) {
	records, _, err := b.s.accounts.List(ctx, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
		q = q.Where("?TableAlias.status = ?", domain.AccountStatusConnected).
			Where("?TableAlias.token_expires_at IS NOT NULL").
			Where("?TableAlias.token_expires_at <= ?", before).
			Order("token_expires_at ASC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	}))
	if err != nil {
		return nil, fmt.Errorf("account repository error: %w", err)
	}
	return records, nil
}

func cachePrefix(namespace string) string {
	if namespace == "" {
		return ""
	}
	return namespace + cache.KeySeparator
}

func (s *BunStore) invalidate(ctx context.Context) {
	if s.cacheService == nil || s.cachePrefix == "" {
		return
	}
	_ = s.cacheService.DeleteByPrefix(ctx, s.cachePrefix)
}

type bunLedger struct{ s *BunStore }

func (b bunLedger) BeginAttempt(ctx context.Context, input BeginAttemptInput) (*BeginAttemptResult, error) {
	result := &BeginAttemptResult{}
	variantID := input.Attempt.VariantID
	err := b.s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var open []*Attempt
		if err := tx.NewSelect().
			Model(&open).
			Where("?TableAlias.variant_id = ?", variantID).
			Where("?TableAlias.result IS NULL").
			Scan(ctx); err != nil {
			return fmt.Errorf("list open attempts: %w", err)
		}
		for _, attempt := range open {
			if !attempt.StartedAt.Before(input.StaleBefore) {
				return ErrActiveAttemptExists
			}
		}
		for _, attempt := range open {
			abandon(attempt, input.AbandonedAt)
			if _, err := tx.NewUpdate().
				Model(attempt).
				Column("result", "error_class", "error_message", "finished_at").
				WherePK().
				Where("result IS NULL").
				Exec(ctx); err != nil {
				return fmt.Errorf("abandon attempt: %w", err)
			}
			result.Abandoned = append(result.Abandoned, cloneAttempt(attempt))
		}

		variant := input.Variant
		if variant == nil {
			variant = &Variant{ID: variantID, UpdatedAt: input.Attempt.StartedAt, Status: input.ExpectedStatus}
		}
		res, err := tx.NewUpdate().
			Model(variant).
			Column("status", "updated_at").
			WherePK().
			Where("status = ?", input.ExpectedStatus).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("start variant: %w", err)
		}
		if err := expectOneRow(ctx, tx, res, (*Variant)(nil), "variant", variantID); err != nil {
			return err
		}

		if _, err := tx.NewInsert().Model(input.Attempt).Exec(ctx); err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		result.Attempt = cloneAttempt(input.Attempt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b bunLedger) SealAttempt(ctx context.Context, input SealAttemptInput) error {
	return b.s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model(input.Attempt).
			Column("finished_at", "result", "error_class", "error_code", "error_message", "external_post_id", "raw_response").
			WherePK().
			Where("result IS NULL").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("seal attempt: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrAttemptSealed
		}
		if input.Variant == nil {
			return nil
		}
		res, err = tx.NewUpdate().
			Model(input.Variant).
			Column("status", "last_error", "published_at", "external_post_id", "updated_at").
			WherePK().
			Where("status = ?", input.ExpectedStatus).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("seal variant: %w", err)
		}
		return expectOneRow(ctx, tx, res, (*Variant)(nil), "variant", input.Variant.ID)
	})
}

func (b bunLedger) HasSuccess(ctx context.Context, variantID uuid.UUID) (bool, error) {
	exists, err := b.s.db.NewSelect().
		Model((*Attempt)(nil)).
		Where("?TableAlias.variant_id = ?", variantID).
		Where("?TableAlias.result = ?", domain.AttemptResultSuccess).
		Where("?TableAlias.external_post_id IS NOT NULL").
		Where("?TableAlias.external_post_id <> ''").
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("lookup success attempt: %w", err)
	}
	return exists, nil
}

func (b bunLedger) ListAttempts(ctx context.Context, variantID uuid.UUID) ([]*Attempt, error) {
	records, _, err := b.s.attempts.List(ctx, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.variant_id = ?", variantID).
			Order("publish_cycle ASC", "started_at ASC", "attempt_no ASC")
	}))
	if err != nil {
		return nil, fmt.Errorf("attempt repository error: %w", err)
	}
	return records, nil
}

func (b bunLedger) CountFailuresSince(ctx context.Context, since time.Time) (int, error) {
	count, err := b.s.db.NewSelect().
		Model((*Attempt)(nil)).
		Where("?TableAlias.result = ?", domain.AttemptResultFail).
		Where("?TableAlias.error_class <> ?", ErrorClassAbandoned).
		Where("?TableAlias.finished_at >= ?", since).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count failed attempts: %w", err)
	}
	return count, nil
}

// expectOneRow turns a zero-row conditional update into NotFound or a
// concurrent update error.
func expectOneRow(ctx context.Context, db bun.IDB, res interface{ RowsAffected() (int64, error) }, model any, resource string, id uuid.UUID) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", resource, err)
	}
	if affected > 0 {
		return nil
	}
	exists, err := db.NewSelect().Model(model).Where("?TableAlias.id = ?", id).Exists(ctx)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", resource, err)
	}
	if !exists {
		return &NotFoundError{Resource: resource, Key: id.String()}
	}
	return ErrConcurrentUpdate
}

func mapRepositoryError(err error, resource, key string) error {
	if err == nil {
		return nil
	}
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return err
	}
	if goerrors.IsCategory(err, repository.CategoryDatabaseNotFound) {
		return &NotFoundError{
			Resource: resource,
			Key:      key,
		}
	}
	return fmt.Errorf("%s repository error: %w", resource, err)
}
