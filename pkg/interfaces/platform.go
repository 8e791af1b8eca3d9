package interfaces

import (
	"context"
	"fmt"
	"time"
)

// PlatformClient publishes content to a single external social platform.
type PlatformClient interface {
	// Platform returns the identifier used by the registry (e.g. facebook).
	Platform() string
	// RefreshIfNeeded returns a credential that is valid for at least the
	// near future. Implementations return the input unchanged when no refresh
	// was required.
	RefreshIfNeeded(ctx context.Context, cred Credential) (Credential, error)
	// Publish creates a post on the target page or profile.
	Publish(ctx context.Context, req PublishRequest) (*PublishResult, error)
	// ListPublishTargets lists the pages or organisations the credential can post to.
	ListPublishTargets(ctx context.Context, cred Credential) ([]PublishTarget, error)
}

// Credential carries the OAuth tokens of a connected account.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Meta         map[string]any
}

// ExpiresWithin reports whether the credential expires before now+window.
// Credentials without an expiry never expire.
func (c Credential) ExpiresWithin(now time.Time, window time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !c.ExpiresAt.After(now.Add(window))
}

// MetaString returns a string meta value or "".
func (c Credential) MetaString(key string) string {
	if c.Meta == nil {
		return ""
	}
	if value, ok := c.Meta[key].(string); ok {
		return value
	}
	return ""
}

// PublishRequest describes a single post creation call.
type PublishRequest struct {
	TargetID   string
	Text       string
	Credential Credential
	Options    PublishOptions
}

// PublishOptions captures optional publish parameters.
type PublishOptions struct {
	Link string
}

// PublishResult is returned by a successful publish call.
type PublishResult struct {
	ExternalPostID string
	RawResponse    string
}

// PublishTarget is a page or organisation a credential may publish to.
type PublishTarget struct {
	ID          string
	Name        string
	AccessToken string
	Meta        map[string]any
}

// ErrorClass is the retry classification of a platform failure.
type ErrorClass string

const (
	// ErrorClassAuth means the credential is invalid or revoked.
	ErrorClassAuth ErrorClass = "auth"
	// ErrorClassRateLimited means the platform throttled the call.
	ErrorClassRateLimited ErrorClass = "rate_limited"
	// ErrorClassTransient covers 5xx and temporary platform faults.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassTransport covers network and timeout failures.
	ErrorClassTransport ErrorClass = "transport"
	// ErrorClassRejected covers permanent content or permission rejections.
	ErrorClassRejected ErrorClass = "rejected"
)

// Retryable reports whether a failure of this class may be retried.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassRateLimited, ErrorClassTransient, ErrorClassTransport:
		return true
	default:
		return false
	}
}

// PlatformError is the typed failure returned by PlatformClient implementations.
type PlatformError struct {
	Platform   string
	Class      ErrorClass
	Code       string
	Message    string
	StatusCode int
	Raw        string
	Err        error
}

func (e *PlatformError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s error %s: %s", e.Platform, e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Platform, e.Class, e.Message)
}

func (e *PlatformError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
