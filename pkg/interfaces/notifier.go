package interfaces

import "context"

// Audience identifies the recipients of an alert.
type Audience string

const (
	AudienceAdministrators Audience = "administrators"
	AudienceApprovers      Audience = "approvers"
	AudienceManagers       Audience = "managers"
	AudienceSystem         Audience = "system"
	// AudienceSubmitter addresses the users listed in Alert.Recipients.
	AudienceSubmitter Audience = "submitter"
)

// AlertKind names the situation an alert reports.
type AlertKind string

const (
	AlertAuthFailure       AlertKind = "auth_failure"
	AlertPublishFailed     AlertKind = "publish_failed"
	AlertFailureThreshold  AlertKind = "failure_threshold"
	AlertCrisisEnabled     AlertKind = "crisis_enabled"
	AlertCrisisDisabled    AlertKind = "crisis_disabled"
	AlertApprovalEscalated AlertKind = "approval_escalated"
	AlertTokenExpiring     AlertKind = "token_expiring"
	AlertQueueDepth        AlertKind = "queue_depth"
)

// Alert is a single notification request.
type Alert struct {
	Audience []Audience
	// Recipients holds user ids for person-addressed audiences.
	Recipients []string
	Kind       AlertKind
	BrandID    string
	Subject    string
	Context    map[string]any
}

// Notifier delivers alerts. Delivery failures are reported but callers never
// fail their own operation because of them.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}
