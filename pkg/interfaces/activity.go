package interfaces

import (
	"context"

	usertypes "github.com/goliatone/go-users/pkg/types"
)

// ActivityRecord is the go-users activity record. Publication events map onto
// it with the audit action as Verb, the variant, content item, account or
// brand as Object, and the brand as TenantID.
type ActivityRecord = usertypes.ActivityRecord

// ActivitySink receives audit events mirrored into a host user activity feed.
// A go-users activity repository satisfies it.
type ActivitySink interface {
	Log(ctx context.Context, record ActivityRecord) error
}

// ActivitySinkFunc adapts a function to ActivitySink.
type ActivitySinkFunc func(ctx context.Context, record ActivityRecord) error

func (f ActivitySinkFunc) Log(ctx context.Context, record ActivityRecord) error {
	return f(ctx, record)
}
