package approvals

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/domain"
)

// Repository persists content items and their transition history.
type Repository interface {
	Create(ctx context.Context, item *ContentItem) (*ContentItem, error)
	GetByID(ctx context.Context, id uuid.UUID) (*ContentItem, error)
	// ApplyTransition writes item when the stored status still equals
	// expected, and appends record, atomically.
	ApplyTransition(ctx context.Context, item *ContentItem, expected domain.Status, record *StatusTransition) (*ContentItem, error)
	History(ctx context.Context, contentID uuid.UUID) ([]*StatusTransition, error)
	// ListOverdue returns pending items due at or before now that were not
	// escalated yet, oldest due first.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*ContentItem, error)
	// MarkEscalated stamps the escalation marker unless it is already set and
	// reports whether this call won.
	MarkEscalated(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

// MemoryRepository keeps content items in process.
type MemoryRepository struct {
	mu      sync.RWMutex
	items   map[uuid.UUID]*ContentItem
	history map[uuid.UUID][]*StatusTransition
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		items:   make(map[uuid.UUID]*ContentItem),
		history: make(map[uuid.UUID][]*StatusTransition),
	}
}

func (m *MemoryRepository) Create(_ context.Context, item *ContentItem) (*ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := cloneItem(item)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	m.items[stored.ID] = stored
	return cloneItem(stored), nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, &NotFoundError{Resource: "content_item", Key: id.String()}
	}
	return cloneItem(item), nil
}

func (m *MemoryRepository) ApplyTransition(_ context.Context, item *ContentItem, expected domain.Status, record *StatusTransition) (*ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.items[item.ID]
	if !ok {
		return nil, &NotFoundError{Resource: "content_item", Key: item.ID.String()}
	}
	if current.Status != expected {
		return nil, ErrConcurrentTransition
	}
	stored := cloneItem(item)
	m.items[item.ID] = stored
	if record != nil {
		row := *record
		m.history[item.ID] = append(m.history[item.ID], &row)
	}
	return cloneItem(stored), nil
}

func (m *MemoryRepository) History(_ context.Context, contentID uuid.UUID) ([]*StatusTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.history[contentID]
	out := make([]*StatusTransition, 0, len(rows))
	for _, row := range rows {
		copied := *row
		out = append(out, &copied)
	}
	return out, nil
}

func (m *MemoryRepository) ListOverdue(_ context.Context, now time.Time, limit int) ([]*ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ContentItem
	for _, item := range m.items {
		if item.Status != domain.StatusPending || item.ApprovalDueAt == nil || item.ApprovalEscalatedAt != nil {
			continue
		}
		if item.ApprovalDueAt.After(now) {
			continue
		}
		out = append(out, cloneItem(item))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ApprovalDueAt.Before(*out[j].ApprovalDueAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) MarkEscalated(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != domain.StatusPending || item.ApprovalEscalatedAt != nil {
		return false, nil
	}
	stamp := at
	item.ApprovalEscalatedAt = &stamp
	return true, nil
}
