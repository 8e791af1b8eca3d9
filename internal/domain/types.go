package domain

import "strings"

// Status represents the lifecycle vocabulary shared by content items and variants.
type Status string

const (
	// StatusDraft indicates content still under preparation
	StatusDraft Status = "draft"
	// StatusPending marks content waiting for an approver
	StatusPending Status = "pending"
	// StatusApproved marks content cleared for scheduling
	StatusApproved Status = "approved"
	// StatusScheduled marks content that has a publish time configured
	StatusScheduled Status = "scheduled"
	// StatusPublishing marks content with a publish attempt in flight or awaiting retry
	StatusPublishing Status = "publishing"
	// StatusPublished identifies content live on the remote platform
	StatusPublished Status = "published"
	// StatusFailed marks content whose publication was given up
	StatusFailed Status = "failed"
)

// IsTerminal reports whether no further automatic transition is expected.
func (s Status) IsTerminal() bool {
	return s == StatusPublished || s == StatusFailed
}

// Platform identifies a remote social network.
type Platform string

const (
	PlatformFacebook Platform = "facebook"
	PlatformLinkedIn Platform = "linkedin"
)

// NormalizePlatform lower-cases and trims a platform identifier.
func NormalizePlatform(value string) Platform {
	return Platform(strings.ToLower(strings.TrimSpace(value)))
}

// AccountStatus describes the state of a connected social account.
type AccountStatus string

const (
	AccountStatusConnected AccountStatus = "connected"
	AccountStatusExpired   AccountStatus = "expired"
	AccountStatusRevoked   AccountStatus = "revoked"
)

// AttemptResult is the sealed outcome of a publication attempt.
type AttemptResult string

const (
	AttemptResultSuccess AttemptResult = "success"
	AttemptResultFail    AttemptResult = "fail"
)

// Entity types used by the workflow engine and the audit log.
const (
	EntityTypeContent = "content"
	EntityTypeVariant = "variant"
	EntityTypeAccount = "account"
	EntityTypeBrand   = "brand"
)
