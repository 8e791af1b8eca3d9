package publishing

import (
	"fmt"
	"maps"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-omnipost/internal/domain"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// Variant is the platform-specific schedulable unit of a content item.
type Variant struct {
	bun.BaseModel `bun:"table:post_variants,alias:pv"`

	ID             uuid.UUID     `bun:",pk,type:uuid" json:"id"`
	ContentID      uuid.UUID     `bun:"content_id,notnull,type:uuid" json:"content_id"`
	BrandID        uuid.UUID     `bun:"brand_id,notnull,type:uuid" json:"brand_id"`
	Platform       string        `bun:"platform,notnull" json:"platform"`
	AccountID      uuid.UUID     `bun:"account_id,notnull,type:uuid" json:"account_id"`
	Text           string        `bun:"text,notnull" json:"text"`
	Link           string        `bun:"link,nullzero" json:"link,omitempty"`
	ScheduledAt    *time.Time    `bun:"scheduled_at,nullzero" json:"scheduled_at,omitempty"`
	Status         domain.Status `bun:"status,notnull" json:"status"`
	PublishCycle   int           `bun:"publish_cycle,notnull,default:1" json:"publish_cycle"`
	LastError      string        `bun:"last_error,nullzero" json:"last_error,omitempty"`
	PublishedAt    *time.Time    `bun:"published_at,nullzero" json:"published_at,omitempty"`
	ExternalPostID string        `bun:"external_post_id,nullzero" json:"external_post_id,omitempty"`
	CreatedAt      time.Time     `bun:"created_at,nullzero,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time     `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at"`
}

// Account is a connected social account holding OAuth credentials.
type Account struct {
	bun.BaseModel `bun:"table:connected_social_accounts,alias:csa"`

	ID                uuid.UUID            `bun:",pk,type:uuid" json:"id"`
	BrandID           uuid.UUID            `bun:"brand_id,notnull,type:uuid" json:"brand_id"`
	Platform          string               `bun:"platform,notnull" json:"platform"`
	ExternalAccountID string               `bun:"external_account_id,notnull" json:"external_account_id"`
	DisplayName       string               `bun:"display_name" json:"display_name,omitempty"`
	AccessToken       string               `bun:"access_token,notnull" json:"-"`
	RefreshToken      string               `bun:"refresh_token,nullzero" json:"-"`
	TokenExpiresAt    *time.Time           `bun:"token_expires_at,nullzero" json:"token_expires_at,omitempty"`
	Meta              map[string]any       `bun:"meta,type:jsonb" json:"meta,omitempty"`
	Status            domain.AccountStatus `bun:"status,notnull" json:"status"`
	CreatedAt         time.Time            `bun:"created_at,nullzero,default:current_timestamp" json:"created_at"`
	UpdatedAt         time.Time            `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at"`
}

// Credential projects the account tokens for a PlatformClient.
func (a *Account) Credential() interfaces.Credential {
	return interfaces.Credential{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		ExpiresAt:    cloneTime(a.TokenExpiresAt),
		Meta:         maps.Clone(a.Meta),
	}
}

// Attempt is one external publish call. It is inserted open, sealed once
// and never mutated afterwards.
type Attempt struct {
	bun.BaseModel `bun:"table:publication_attempts,alias:pa"`

	ID             uuid.UUID            `bun:",pk,type:uuid" json:"id"`
	VariantID      uuid.UUID            `bun:"variant_id,notnull,type:uuid" json:"variant_id"`
	PublishCycle   int                  `bun:"publish_cycle,notnull" json:"publish_cycle"`
	AttemptNo      int                  `bun:"attempt_no,notnull" json:"attempt_no"`
	IdempotencyKey string               `bun:"idempotency_key,notnull,unique" json:"idempotency_key"`
	QueuedAt       *time.Time           `bun:"queued_at,nullzero" json:"queued_at,omitempty"`
	StartedAt      time.Time            `bun:"started_at,notnull" json:"started_at"`
	FinishedAt     *time.Time           `bun:"finished_at,nullzero" json:"finished_at,omitempty"`
	Result         domain.AttemptResult `bun:"result,nullzero" json:"result,omitempty"`
	ErrorClass     string               `bun:"error_class,nullzero" json:"error_class,omitempty"`
	ErrorCode      string               `bun:"error_code,nullzero" json:"error_code,omitempty"`
	ErrorMessage   string               `bun:"error_message,nullzero" json:"error_message,omitempty"`
	ExternalPostID string               `bun:"external_post_id,nullzero" json:"external_post_id,omitempty"`
	RawResponse    string               `bun:"raw_response,nullzero" json:"raw_response,omitempty"`
}

// Open reports whether the attempt has not been sealed yet.
func (a *Attempt) Open() bool {
	return a != nil && a.Result == ""
}

// ErrorClassAbandoned marks attempts sealed by the stale attempt sweep.
const ErrorClassAbandoned = "attempt_abandoned"

var (
	ErrVariantIDRequired = goerrors.New("publishing: variant id required", goerrors.CategoryValidation).
				WithTextCode("VARIANT_ID_REQUIRED")
	ErrScheduleTimeRequired = goerrors.New("publishing: schedule time required", goerrors.CategoryValidation).
				WithTextCode("VARIANT_SCHEDULE_REQUIRED")
	ErrInvalidVariant = goerrors.New("publishing: variant is invalid", goerrors.CategoryValidation).
				WithTextCode("VARIANT_INVALID")
	ErrInvalidAccount = goerrors.New("publishing: account is invalid", goerrors.CategoryValidation).
				WithTextCode("ACCOUNT_INVALID")
	ErrContentNotApproved = goerrors.New("publishing: content is not approved", goerrors.CategoryConflict).
				WithTextCode("VARIANT_CONTENT_NOT_APPROVED")
	ErrInvalidTransition = goerrors.New("publishing: variant transition not allowed", goerrors.CategoryConflict).
				WithTextCode("VARIANT_INVALID_TRANSITION")
	ErrConcurrentUpdate = goerrors.New("publishing: variant changed concurrently", goerrors.CategoryConflict).
				WithTextCode("VARIANT_CONCURRENT_UPDATE")
	ErrPublishNowRefused = goerrors.New("publishing: publish now refused", goerrors.CategoryConflict).
				WithTextCode("PUBLISH_NOW_REFUSED")
	// ErrActiveAttemptExists reports a live unsealed attempt for the variant.
	ErrActiveAttemptExists = goerrors.New("publishing: variant has an active attempt", goerrors.CategoryConflict).
				WithTextCode("ATTEMPT_ALREADY_ACTIVE")
)

// NotFoundError is returned when a variant, account or attempt is missing.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

func cloneVariant(v *Variant) *Variant {
	if v == nil {
		return nil
	}
	clone := *v
	clone.ScheduledAt = cloneTime(v.ScheduledAt)
	clone.PublishedAt = cloneTime(v.PublishedAt)
	return &clone
}

func cloneAccount(a *Account) *Account {
	if a == nil {
		return nil
	}
	clone := *a
	clone.TokenExpiresAt = cloneTime(a.TokenExpiresAt)
	clone.Meta = maps.Clone(a.Meta)
	return &clone
}

func cloneAttempt(a *Attempt) *Attempt {
	if a == nil {
		return nil
	}
	clone := *a
	clone.QueuedAt = cloneTime(a.QueuedAt)
	clone.FinishedAt = cloneTime(a.FinishedAt)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// ErrAttemptSealed reports a seal on an attempt that was already sealed.
var ErrAttemptSealed = goerrors.New("publishing: attempt already sealed", goerrors.CategoryConflict).
	WithTextCode("ATTEMPT_ALREADY_SEALED")
