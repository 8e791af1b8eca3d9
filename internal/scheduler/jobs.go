package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

const JobTypeVariantPublish = "omnipost.variant.publish"

// VariantPublishJobKey keys publish jobs by variant and cycle so a new cycle
// never replaces the job of an older one.
func VariantPublishJobKey(id uuid.UUID, cycle int) string {
	return "variant:" + id.String() + ":cycle:" + strconv.Itoa(cycle)
}

// VariantPublishPayload is the payload of an omnipost.variant.publish job.
type VariantPublishPayload struct {
	VariantID   uuid.UUID
	Cycle       int
	Attempt     int
	RequestedBy uuid.UUID
}

// VariantPublishJob builds the job spec for one attempt of a variant cycle.
func VariantPublishJob(payload VariantPublishPayload, runAt time.Time) interfaces.JobSpec {
	if payload.Attempt <= 0 {
		payload.Attempt = 1
	}
	data := map[string]any{
		"variant_id": payload.VariantID.String(),
		"cycle":      payload.Cycle,
		"attempt":    payload.Attempt,
	}
	if payload.RequestedBy != uuid.Nil {
		data["requested_by"] = payload.RequestedBy.String()
	}
	return interfaces.JobSpec{
		Key:     VariantPublishJobKey(payload.VariantID, payload.Cycle),
		Type:    JobTypeVariantPublish,
		RunAt:   runAt,
		Payload: data,
	}
}

// ParseVariantPublishPayload decodes a job payload. Numbers may arrive as
// float64 or strings after a JSON round trip.
func ParseVariantPublishPayload(payload map[string]any) (VariantPublishPayload, error) {
	var out VariantPublishPayload
	raw, _ := payload["variant_id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return out, fmt.Errorf("scheduler: invalid variant_id %q: %w", raw, err)
	}
	out.VariantID = id
	if out.Cycle, err = intValue(payload["cycle"]); err != nil {
		return out, fmt.Errorf("scheduler: invalid cycle: %w", err)
	}
	if out.Attempt, err = intValue(payload["attempt"]); err != nil {
		return out, fmt.Errorf("scheduler: invalid attempt: %w", err)
	}
	if out.Attempt <= 0 {
		out.Attempt = 1
	}
	if requested, ok := payload["requested_by"].(string); ok && requested != "" {
		if actor, err := uuid.Parse(requested); err == nil {
			out.RequestedBy = actor
		}
	}
	return out, nil
}

func intValue(value any) (int, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		if v == "" {
			return 0, nil
		}
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("unsupported type %T", value)
	}
}
