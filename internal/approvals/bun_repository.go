package approvals

import (
	"context"
	"errors"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-omnipost/internal/domain"
)

func NewContentItemRepository(db *bun.DB) repository.Repository[*ContentItem] {
	return repository.MustNewRepository(db, repository.ModelHandlers[*ContentItem]{
		NewRecord: func() *ContentItem { return &ContentItem{} },
		GetID: func(c *ContentItem) uuid.UUID {
			return c.ID
		},
		SetID: func(c *ContentItem, id uuid.UUID) {
			c.ID = id
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(c *ContentItem) string {
			return c.ID.String()
		},
	})
}

func NewStatusTransitionRepository(db *bun.DB) repository.Repository[*StatusTransition] {
	return repository.MustNewRepository(db, repository.ModelHandlers[*StatusTransition]{
		NewRecord: func() *StatusTransition { return &StatusTransition{} },
		GetID: func(t *StatusTransition) uuid.UUID {
			return t.ID
		},
		SetID: func(t *StatusTransition, id uuid.UUID) {
			t.ID = id
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(t *StatusTransition) string {
			return t.ID.String()
		},
	})
}

// BunRepository stores content items in content_items and their history in
// content_status_transitions.
type BunRepository struct {
	db      *bun.DB
	items   repository.Repository[*ContentItem]
	history repository.Repository[*StatusTransition]
}

var _ Repository = (*BunRepository)(nil)

func NewBunRepository(db *bun.DB) *BunRepository {
	return &BunRepository{
		db:      db,
		items:   NewContentItemRepository(db),
		history: NewStatusTransitionRepository(db),
	}
}

func (r *BunRepository) Create(ctx context.Context, item *ContentItem) (*ContentItem, error) {
	created, err := r.items.Create(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("content_item repository error: %w", err)
	}
	return created, nil
}

func (r *BunRepository) GetByID(ctx context.Context, id uuid.UUID) (*ContentItem, error) {
	item, err := r.items.GetByID(ctx, id.String())
	if err != nil {
		return nil, mapRepositoryError(err, "content_item", id.String())
	}
	return item, nil
}

func (r *BunRepository) ApplyTransition(ctx context.Context, item *ContentItem, expected domain.Status, record *StatusTransition) (*ContentItem, error) {
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().
			Model(item).
			Column("status", "submitted_by", "approval_due_at", "approval_escalated_at",
				"approved_by", "approved_at", "rejection_reason", "updated_at").
			WherePK().
			Where("status = ?", expected).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update content item: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("content item rows affected: %w", err)
		}
		if affected == 0 {
			exists, err := tx.NewSelect().
				Model((*ContentItem)(nil)).
				Where("?TableAlias.id = ?", item.ID).
				Exists(ctx)
			if err != nil {
				return fmt.Errorf("lookup content item: %w", err)
			}
			if !exists {
				return &NotFoundError{Resource: "content_item", Key: item.ID.String()}
			}
			return ErrConcurrentTransition
		}
		if record == nil {
			return nil
		}
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			return fmt.Errorf("insert status transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneItem(item), nil
}

func (r *BunRepository) History(ctx context.Context, contentID uuid.UUID) ([]*StatusTransition, error) {
	records, _, err := r.history.List(ctx, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.content_id = ?", contentID).Order("changed_at ASC")
	}))
	if err != nil {
		return nil, fmt.Errorf("status_transition repository error: %w", err)
	}
	return records, nil
}

func (r *BunRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*ContentItem, error) {
	records, _, err := r.items.List(ctx, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
		q = q.Where("?TableAlias.status = ?", domain.StatusPending).
			Where("?TableAlias.approval_due_at <= ?", now).
			Where("?TableAlias.approval_escalated_at IS NULL").
			Order("approval_due_at ASC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	}))
	if err != nil {
		return nil, fmt.Errorf("content_item repository error: %w", err)
	}
	return records, nil
}

func (r *BunRepository) MarkEscalated(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.NewUpdate().
		Model((*ContentItem)(nil)).
		Set("approval_escalated_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", domain.StatusPending).
		Where("approval_escalated_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("mark escalated: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark escalated rows affected: %w", err)
	}
	return affected == 1, nil
}

func mapRepositoryError(err error, resource, key string) error {
	if err == nil {
		return nil
	}
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return err
	}
	if goerrors.IsCategory(err, repository.CategoryDatabaseNotFound) {
		return &NotFoundError{
			Resource: resource,
			Key:      key,
		}
	}
	return fmt.Errorf("%s repository error: %w", resource, err)
}
