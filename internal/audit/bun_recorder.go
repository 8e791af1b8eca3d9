package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Record is the bun model of an audit entry.
type Record struct {
	bun.BaseModel `bun:"table:audit_events,alias:ae"`

	ID         uuid.UUID      `bun:",pk,type:uuid" json:"id"`
	EntityType string         `bun:"entity_type,notnull" json:"entity_type"`
	EntityID   string         `bun:"entity_id,notnull" json:"entity_id"`
	Action     string         `bun:"action,notnull" json:"action"`
	ActorID    *uuid.UUID     `bun:"actor_id,type:uuid,nullzero" json:"actor_id,omitempty"`
	OccurredAt time.Time      `bun:"occurred_at,notnull" json:"occurred_at"`
	Metadata   map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
}

func NewRecordRepository(db *bun.DB) repository.Repository[*Record] {
	return repository.MustNewRepository(db, repository.ModelHandlers[*Record]{
		NewRecord: func() *Record { return &Record{} },
		GetID: func(r *Record) uuid.UUID {
			return r.ID
		},
		SetID: func(r *Record, id uuid.UUID) {
			r.ID = id
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(r *Record) string {
			return r.ID.String()
		},
	})
}

// BunRecorder stores audit events in the audit_events table.
type BunRecorder struct {
	repo repository.Repository[*Record]
}

func NewBunRecorder(db *bun.DB) *BunRecorder {
	return &BunRecorder{repo: NewRecordRepository(db)}
}

var _ Recorder = (*BunRecorder)(nil)

func (r *BunRecorder) Record(ctx context.Context, event Event) error {
	record := toRecord(event)
	if _, err := r.repo.Create(ctx, record); err != nil {
		return fmt.Errorf("audit: record %s: %w", event.Action, err)
	}
	return nil
}

func (r *BunRecorder) List(ctx context.Context, filter Filter) ([]Event, error) {
	records, _, err := r.repo.List(ctx, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
		if filter.EntityType != "" {
			q = q.Where("?TableAlias.entity_type = ?", filter.EntityType)
		}
		if filter.EntityID != "" {
			q = q.Where("?TableAlias.entity_id = ?", filter.EntityID)
		}
		if filter.Action != "" {
			q = q.Where("?TableAlias.action = ?", filter.Action)
		}
		q = q.Order("occurred_at ASC")
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		return q
	}))
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	events := make([]Event, 0, len(records))
	for _, record := range records {
		events = append(events, fromRecord(record))
	}
	return events, nil
}

func toRecord(event Event) *Record {
	record := &Record{
		ID:         event.ID,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Action:     event.Action,
		OccurredAt: event.OccurredAt,
		Metadata:   event.Metadata,
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	if event.ActorID != uuid.Nil {
		actor := event.ActorID
		record.ActorID = &actor
	}
	return record
}

func fromRecord(record *Record) Event {
	event := Event{
		ID:         record.ID,
		EntityType: record.EntityType,
		EntityID:   record.EntityID,
		Action:     record.Action,
		OccurredAt: record.OccurredAt,
		Metadata:   record.Metadata,
	}
	if record.ActorID != nil {
		event.ActorID = *record.ActorID
	}
	return event
}
