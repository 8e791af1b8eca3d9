package audit

import (
	"context"
	"maps"
	"strings"

	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// ActivityChannel tags every forwarded activity record.
const ActivityChannel = "omnipost"

// ActivityForwarder mirrors audit events into a go-users activity sink so
// host applications see publication events in their user activity feeds.
// List is not supported; pair it with a durable recorder through Multi.
type ActivityForwarder struct {
	Sink interfaces.ActivitySink
}

var _ Recorder = ActivityForwarder{}

func (f ActivityForwarder) Record(ctx context.Context, event Event) error {
	if f.Sink == nil || strings.TrimSpace(event.Action) == "" {
		return nil
	}
	data := maps.Clone(event.Metadata)
	if data == nil {
		data = map[string]any{}
	}
	if event.ID != uuid.Nil {
		data["audit_id"] = event.ID.String()
	}
	if tenant := tenantFrom(event.Metadata); tenant != uuid.Nil {
		data["brand_id"] = tenant.String()
	}
	return f.Sink.Log(ctx, interfaces.ActivityRecord{
		ActorID:    event.ActorID,
		TenantID:   tenantFrom(event.Metadata),
		Verb:       event.Action,
		ObjectType: event.EntityType,
		ObjectID:   event.EntityID,
		Channel:    ActivityChannel,
		Data:       data,
		OccurredAt: event.OccurredAt,
	})
}

func (ActivityForwarder) List(context.Context, Filter) ([]Event, error) {
	return nil, nil
}

// tenantFrom maps the brand of an event onto the activity tenant.
func tenantFrom(metadata map[string]any) uuid.UUID {
	raw, ok := metadata["brand_id"].(string)
	if !ok {
		return uuid.Nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}
