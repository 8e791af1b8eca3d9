// Package audit records durable facts about crisis toggles, approval
// escalations and publication outcomes.
package audit

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actions written by the runtime.
const (
	ActionCrisisEnabled     = "crisis_mode_enabled"
	ActionCrisisDisabled    = "crisis_mode_disabled"
	ActionApprovalEscalated = "approval_escalated"
	ActionVariantPublished  = "variant_published"
	ActionVariantFailed     = "variant_failed"
	ActionAccountExpired    = "account_expired"
	ActionPublishNow        = "variant_publish_now"
	ActionRescheduled       = "variant_rescheduled"
)

// Event is a single audit entry.
type Event struct {
	ID         uuid.UUID
	EntityType string
	EntityID   string
	Action     string
	ActorID    uuid.UUID
	OccurredAt time.Time
	Metadata   map[string]any
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	EntityType string
	EntityID   string
	Action     string
	Limit      int
}

func (f Filter) matches(event Event) bool {
	if f.EntityType != "" && f.EntityType != event.EntityType {
		return false
	}
	if f.EntityID != "" && f.EntityID != event.EntityID {
		return false
	}
	if f.Action != "" && f.Action != event.Action {
		return false
	}
	return true
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
	List(ctx context.Context, filter Filter) ([]Event, error)
}

// InMemoryRecorder accumulates audit events in memory.
type InMemoryRecorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// NewInMemoryRecorder constructs an empty recorder.
func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

var _ Recorder = (*InMemoryRecorder)(nil)

func (r *InMemoryRecorder) Record(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.Metadata = maps.Clone(event.Metadata)
	r.events = append(r.events, event)
	return nil
}

// List returns matching events, oldest first.
func (r *InMemoryRecorder) List(_ context.Context, filter Filter) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, event := range r.events {
		if filter.matches(event) {
			out = append(out, event)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Events returns a snapshot of every recorded entry.
func (r *InMemoryRecorder) Events() []Event {
	events, _ := r.List(context.Background(), Filter{})
	return events
}

// Fail makes subsequent Record calls return err.
func (r *InMemoryRecorder) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Multi fans an event out to several recorders. List reads from the first.
type Multi []Recorder

var _ Recorder = Multi(nil)

func (m Multi) Record(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	var firstErr error
	for _, recorder := range m {
		if recorder == nil {
			continue
		}
		if err := recorder.Record(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m Multi) List(ctx context.Context, filter Filter) ([]Event, error) {
	for _, recorder := range m {
		if recorder != nil {
			return recorder.List(ctx, filter)
		}
	}
	return nil, nil
}

// Noop drops every event.
type Noop struct{}

func (Noop) Record(context.Context, Event) error           { return nil }
func (Noop) List(context.Context, Filter) ([]Event, error) { return nil, nil }
