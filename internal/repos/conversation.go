package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/types"
)

type ConversationRepo interface {
	ResolveOrCreate(ctx context.Context, tx *gorm.DB, conv *types.Conversation) (*types.Conversation, error)
	GetByNaturalKey(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, externalID string, instanceKey string) (*types.Conversation, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Conversation, error)
	ListByOwner(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, status string, limit, offset int) ([]*types.Conversation, error)
	ApplyMessageAggregate(ctx context.Context, tx *gorm.DB, id uuid.UUID, agg MessageAggregate) error
	UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string) error
	UpdateContact(ctx context.Context, tx *gorm.DB, id uuid.UUID, name string, metadata datatypes.JSON) error
	SetUnreadCount(ctx context.Context, tx *gorm.DB, id uuid.UUID, unread int64) error
	MarkSynced(ctx context.Context, tx *gorm.DB, id uuid.UUID, at time.Time, syncStatus string) error
}

// MessageAggregate is one atomic bump of a conversation's derived fields,
// caused by CountDelta newly inserted messages whose latest member is
// described by the Last* fields.
type MessageAggregate struct {
	CountDelta  int64
	UnreadDelta int64
	LastAt      time.Time
	LastPreview string
	LastFromMe  bool
}

type conversationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversationRepo(db *gorm.DB, baseLog *logger.Logger) ConversationRepo {
	repoLog := baseLog.With("repo", "ConversationRepo")
	return &conversationRepo{db: db, log: repoLog}
}

func (r *conversationRepo) ResolveOrCreate(ctx context.Context, tx *gorm.DB, conv *types.Conversation) (*types.Conversation, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	if conv.Status == "" {
		conv.Status = types.ConversationStatusActive
	}
	if conv.SyncStatus == "" {
		conv.SyncStatus = types.SyncStatusPending
	}
	// Losing the natural-key race is a success: another ingestion path created
	// the row first and we adopt it.
	if err := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "external_id"}, {Name: "instance_key"}},
			DoNothing: true,
		}).
		Create(conv).Error; err != nil {
		return nil, err
	}
	return r.GetByNaturalKey(ctx, transaction, conv.OwnerID, conv.ExternalID, conv.InstanceKey)
}

func (r *conversationRepo) GetByNaturalKey(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, externalID string, instanceKey string) (*types.Conversation, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var conv types.Conversation
	err := transaction.WithContext(ctx).
		Where("owner_id = ? AND external_id = ? AND instance_key = ?", ownerID, externalID, instanceKey).
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Conversation, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var conv types.Conversation
	if err := transaction.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepo) ListByOwner(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, status string, limit, offset int) ([]*types.Conversation, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := transaction.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("last_message_at DESC NULLS LAST").
		Limit(limit).
		Offset(offset)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*types.Conversation
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyMessageAggregate is a single guarded UPDATE: the count is an atomic
// increment and the last-message fields only move forward in provider time,
// so concurrent reconciliation workers and webhook deliveries can apply their
// aggregates in any order without a read-modify-write race.
func (r *conversationRepo) ApplyMessageAggregate(ctx context.Context, tx *gorm.DB, id uuid.UUID, agg MessageAggregate) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Exec(`
		UPDATE conversation SET
			message_count = message_count + ?,
			unread_count = unread_count + ?,
			last_message_preview = CASE WHEN last_message_at IS NULL OR last_message_at <= ? THEN ? ELSE last_message_preview END,
			last_message_from_me = CASE WHEN last_message_at IS NULL OR last_message_at <= ? THEN ? ELSE last_message_from_me END,
			last_message_at = CASE WHEN last_message_at IS NULL OR last_message_at <= ? THEN ? ELSE last_message_at END,
			updated_at = ?
		WHERE id = ?`,
		agg.CountDelta,
		agg.UnreadDelta,
		agg.LastAt, agg.LastPreview,
		agg.LastAt, agg.LastFromMe,
		agg.LastAt, agg.LastAt,
		time.Now().UTC(),
		id,
	).Error
}

func (r *conversationRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.Conversation{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (r *conversationRepo) UpdateContact(ctx context.Context, tx *gorm.DB, id uuid.UUID, name string, metadata datatypes.JSON) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	updates := map[string]any{}
	if name != "" {
		updates["contact_name"] = name
	}
	if metadata != nil {
		updates["contact_metadata"] = metadata
	}
	if len(updates) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.Conversation{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *conversationRepo) SetUnreadCount(ctx context.Context, tx *gorm.DB, id uuid.UUID, unread int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.Conversation{}).
		Where("id = ?", id).
		Update("unread_count", unread).Error
}

func (r *conversationRepo) MarkSynced(ctx context.Context, tx *gorm.DB, id uuid.UUID, at time.Time, syncStatus string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_synced_at": at, "sync_status": syncStatus}).Error
}
