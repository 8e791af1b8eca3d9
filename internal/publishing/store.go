package publishing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/domain"
)

// VariantRepository persists variants.
type VariantRepository interface {
	Create(ctx context.Context, variant *Variant) (*Variant, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Variant, error)
	ListByContent(ctx context.Context, contentID uuid.UUID) ([]*Variant, error)
	// ListDue returns scheduled variants whose publish time has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Variant, error)
	// ListStalled returns publishing variants untouched since before.
	ListStalled(ctx context.Context, before time.Time, limit int) ([]*Variant, error)
	// UpdateSchedule writes status, schedule, cycle and last error when the
	// stored status still equals expected.
	UpdateSchedule(ctx context.Context, variant *Variant, expected domain.Status) (*Variant, error)
}

// AccountRepository persists connected social accounts.
type AccountRepository interface {
	Create(ctx context.Context, account *Account) (*Account, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	// UpdateCredential stores rotated tokens, expiry and meta.
	UpdateCredential(ctx context.Context, account *Account) (*Account, error)
	// TransitionStatus moves the account from one status to another and
	// reports false, without writing, when it is no longer in from.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.AccountStatus, at time.Time) (bool, error)
	// ListExpiring returns connected accounts whose token expires before the instant.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Account, error)
}

// BeginAttemptInput opens an attempt and moves the variant in one step.
type BeginAttemptInput struct {
	Attempt        *Attempt
	Variant        *Variant
	ExpectedStatus domain.Status
	// Open attempts started before StaleBefore are sealed as abandoned.
	StaleBefore time.Time
	AbandonedAt time.Time
}

// BeginAttemptResult reports the opened attempt and any abandoned ones.
type BeginAttemptResult struct {
	Attempt   *Attempt
	Abandoned []*Attempt
}

// SealAttemptInput seals an attempt and writes the variant outcome in one step.
type SealAttemptInput struct {
	Attempt        *Attempt
	Variant        *Variant
	ExpectedStatus domain.Status
}

// AttemptLedger records publication attempts. Begin and Seal are atomic with
// the matching variant update.
type AttemptLedger interface {
	BeginAttempt(ctx context.Context, input BeginAttemptInput) (*BeginAttemptResult, error)
	SealAttempt(ctx context.Context, input SealAttemptInput) error
	// HasSuccess reports whether a success attempt with an external id exists.
	HasSuccess(ctx context.Context, variantID uuid.UUID) (bool, error)
	ListAttempts(ctx context.Context, variantID uuid.UUID) ([]*Attempt, error)
	// CountFailuresSince counts failed attempts finished at or after since,
	// ignoring abandoned ones.
	CountFailuresSince(ctx context.Context, since time.Time) (int, error)
}

// Stores groups the repositories used by the orchestrator and the service.
type Stores struct {
	Variants VariantRepository
	Accounts AccountRepository
	Ledger   AttemptLedger
}

// MemoryStore keeps variants, accounts and attempts in process behind one
// lock, which gives Begin and Seal their atomicity.
type MemoryStore struct {
	mu       sync.Mutex
	variants map[uuid.UUID]*Variant
	accounts map[uuid.UUID]*Account
	attempts map[uuid.UUID][]*Attempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		variants: make(map[uuid.UUID]*Variant),
		accounts: make(map[uuid.UUID]*Account),
		attempts: make(map[uuid.UUID][]*Attempt),
	}
}

// Stores exposes the memory store through the repository contracts.
func (s *MemoryStore) Stores() Stores {
	return Stores{
		Variants: memoryVariants{s},
		Accounts: memoryAccounts{s},
		Ledger:   memoryLedger{s},
	}
}

type memoryVariants struct{ s *MemoryStore }

func (m memoryVariants) Create(_ context.Context, variant *Variant) (*Variant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stored := cloneVariant(variant)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	m.s.variants[stored.ID] = stored
	return cloneVariant(stored), nil
}

func (m memoryVariants) GetByID(_ context.Context, id uuid.UUID) (*Variant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	variant, ok := m.s.variants[id]
	if !ok {
		return nil, &NotFoundError{Resource: "variant", Key: id.String()}
	}
	return cloneVariant(variant), nil
}

func (m memoryVariants) ListByContent(_ context.Context, contentID uuid.UUID) ([]*Variant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*Variant
	for _, variant := range m.s.variants {
		if variant.ContentID == contentID {
			out = append(out, cloneVariant(variant))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m memoryVariants) ListDue(_ context.Context, now time.Time, limit int) ([]*Variant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*Variant
	for _, variant := range m.s.variants {
		if variant.Status != domain.StatusScheduled || variant.ScheduledAt == nil || variant.ScheduledAt.After(now) {
			continue
		}
		out = append(out, cloneVariant(variant))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	return limitVariants(out, limit), nil
}

func (m memoryVariants) ListStalled(_ context.Context, before time.Time, limit int) ([]*Variant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*Variant
	for _, variant := range m.s.variants {
		if variant.Status != domain.StatusPublishing || !variant.UpdatedAt.Before(before) {
			continue
		}
		out = append(out, cloneVariant(variant))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return limitVariants(out, limit), nil
}

func (m memoryVariants) UpdateSchedule(_ context.Context, variant *Variant, expected domain.Status) (*Variant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	current, ok := m.s.variants[variant.ID]
	if !ok {
		return nil, &NotFoundError{Resource: "variant", Key: variant.ID.String()}
	}
	if current.Status != expected {
		return nil, ErrConcurrentUpdate
	}
	current.Status = variant.Status
	current.ScheduledAt = cloneTime(variant.ScheduledAt)
	current.PublishCycle = variant.PublishCycle
	current.LastError = variant.LastError
	current.UpdatedAt = variant.UpdatedAt
	return cloneVariant(current), nil
}

type memoryAccounts struct{ s *MemoryStore }

func (m memoryAccounts) Create(_ context.Context, account *Account) (*Account, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stored := cloneAccount(account)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	m.s.accounts[stored.ID] = stored
	return cloneAccount(stored), nil
}

func (m memoryAccounts) GetByID(_ context.Context, id uuid.UUID) (*Account, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	account, ok := m.s.accounts[id]
	if !ok {
		return nil, &NotFoundError{Resource: "account", Key: id.String()}
	}
	return cloneAccount(account), nil
}

func (m memoryAccounts) UpdateCredential(_ context.Context, account *Account) (*Account, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	current, ok := m.s.accounts[account.ID]
	if !ok {
		return nil, &NotFoundError{Resource: "account", Key: account.ID.String()}
	}
	current.AccessToken = account.AccessToken
	current.RefreshToken = account.RefreshToken
	current.TokenExpiresAt = cloneTime(account.TokenExpiresAt)
	current.Meta = cloneAccount(account).Meta
	current.UpdatedAt = account.UpdatedAt
	return cloneAccount(current), nil
}

func (m memoryAccounts) TransitionStatus(_ context.Context, id uuid.UUID, from, to domain.AccountStatus, at time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	current, ok := m.s.accounts[id]
	if !ok {
		return false, &NotFoundError{Resource: "account", Key: id.String()}
	}
	if current.Status != from {
		return false, nil
	}
	current.Status = to
	current.UpdatedAt = at
	return true, nil
}

func (m memoryAccounts) ListExpiring(_ context.Context, before time.Time, limit int) ([]*Account, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*Account
	for _, account := range m.s.accounts {
		if account.Status != domain.AccountStatusConnected || account.TokenExpiresAt == nil || account.TokenExpiresAt.After(before) {
			continue
		}
		out = append(out, cloneAccount(account))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenExpiresAt.Before(*out[j].TokenExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryLedger struct{ s *MemoryStore }

func (m memoryLedger) BeginAttempt(_ context.Context, input BeginAttemptInput) (*BeginAttemptResult, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	variantID := input.Attempt.VariantID
	current, ok := m.s.variants[variantID]
	if !ok {
		return nil, &NotFoundError{Resource: "variant", Key: variantID.String()}
	}
	if current.Status != input.ExpectedStatus {
		return nil, ErrConcurrentUpdate
	}

	result := &BeginAttemptResult{}
	for _, attempt := range m.s.attempts[variantID] {
		if !attempt.Open() {
			continue
		}
		if !attempt.StartedAt.Before(input.StaleBefore) {
			return nil, ErrActiveAttemptExists
		}
	}
	for _, attempt := range m.s.attempts[variantID] {
		if attempt.Open() {
			abandon(attempt, input.AbandonedAt)
			result.Abandoned = append(result.Abandoned, cloneAttempt(attempt))
		}
	}

	if input.Variant != nil {
		current.Status = input.Variant.Status
		current.UpdatedAt = input.Variant.UpdatedAt
	}
	stored := cloneAttempt(input.Attempt)
	m.s.attempts[variantID] = append(m.s.attempts[variantID], stored)
	result.Attempt = cloneAttempt(stored)
	return result, nil
}

func (m memoryLedger) SealAttempt(_ context.Context, input SealAttemptInput) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	sealed := input.Attempt
	var target *Attempt
	for _, attempt := range m.s.attempts[sealed.VariantID] {
		if attempt.ID == sealed.ID {
			target = attempt
			break
		}
	}
	if target == nil {
		return &NotFoundError{Resource: "attempt", Key: sealed.ID.String()}
	}
	if !target.Open() {
		return ErrAttemptSealed
	}
	if input.Variant != nil {
		current, ok := m.s.variants[input.Variant.ID]
		if !ok {
			return &NotFoundError{Resource: "variant", Key: input.Variant.ID.String()}
		}
		if current.Status != input.ExpectedStatus {
			return ErrConcurrentUpdate
		}
		current.Status = input.Variant.Status
		current.LastError = input.Variant.LastError
		current.PublishedAt = cloneTime(input.Variant.PublishedAt)
		current.ExternalPostID = input.Variant.ExternalPostID
		current.UpdatedAt = input.Variant.UpdatedAt
	}
	*target = *cloneAttempt(sealed)
	return nil
}

func (m memoryLedger) HasSuccess(_ context.Context, variantID uuid.UUID) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, attempt := range m.s.attempts[variantID] {
		if attempt.Result == domain.AttemptResultSuccess && attempt.ExternalPostID != "" {
			return true, nil
		}
	}
	return false, nil
}

func (m memoryLedger) ListAttempts(_ context.Context, variantID uuid.UUID) ([]*Attempt, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	rows := m.s.attempts[variantID]
	out := make([]*Attempt, 0, len(rows))
	for _, attempt := range rows {
		out = append(out, cloneAttempt(attempt))
	}
	return out, nil
}

func (m memoryLedger) CountFailuresSince(_ context.Context, since time.Time) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	count := 0
	for _, rows := range m.s.attempts {
		for _, attempt := range rows {
			if attempt.Result != domain.AttemptResultFail || attempt.ErrorClass == ErrorClassAbandoned {
				continue
			}
			if attempt.FinishedAt != nil && !attempt.FinishedAt.Before(since) {
				count++
			}
		}
	}
	return count, nil
}

func abandon(attempt *Attempt, at time.Time) {
	attempt.Result = domain.AttemptResultFail
	attempt.ErrorClass = ErrorClassAbandoned
	attempt.ErrorMessage = "attempt abandoned before it was sealed"
	attempt.FinishedAt = timePtr(at)
}

func limitVariants(variants []*Variant, limit int) []*Variant {
	if limit > 0 && len(variants) > limit {
		return variants[:limit]
	}
	return variants
}
