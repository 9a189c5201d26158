package repos

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/types"
)

type MessageRepo interface {
	// CreateIfAbsent inserts messages whose external_id is not yet stored and
	// reports how many rows actually landed. Duplicate ids are silent no-ops.
	CreateIfAbsent(ctx context.Context, tx *gorm.DB, msgs []*types.Message) (int64, error)
	ExistingExternalIDs(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID, externalIDs []string) (map[string]struct{}, error)
	GetRecentByConversation(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID, limit int) ([]*types.Message, error)
	ListByConversation(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID, limit, offset int) ([]*types.Message, error)
	CountByConversation(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) (int64, error)
	UpdateStatusByExternalID(ctx context.Context, tx *gorm.DB, externalID string, status string) error
	SoftDeleteByExternalID(ctx context.Context, tx *gorm.DB, externalID string) error
}

const insertBatchSize = 50

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, baseLog *logger.Logger) MessageRepo {
	repoLog := baseLog.With("repo", "MessageRepo")
	return &messageRepo{db: db, log: repoLog}
}

func (r *messageRepo) CreateIfAbsent(ctx context.Context, tx *gorm.DB, msgs []*types.Message) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	for _, m := range msgs {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
	}
	res := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_id"}},
			DoNothing: true,
		}).
		CreateInBatches(msgs, insertBatchSize)
	if res.Error == nil {
		return res.RowsAffected, nil
	}
	// Some stores cannot express the whole batch conditionally; degrade to
	// per-row inserts and skip rows that violate the dedup key.
	r.log.Warn("Bulk conditional insert failed, falling back to per-row inserts", "error", res.Error, "rows", len(msgs))
	var inserted int64
	for _, m := range msgs {
		err := transaction.WithContext(ctx).Create(m).Error
		if err == nil {
			inserted++
			continue
		}
		if isDuplicateKeyErr(err) {
			continue
		}
		return inserted, err
	}
	return inserted, nil
}

func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

func (r *messageRepo) ExistingExternalIDs(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID, externalIDs []string) (map[string]struct{}, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	out := make(map[string]struct{}, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}
	var found []string
	if err := transaction.WithContext(ctx).
		Model(&types.Message{}).
		Where("conversation_id = ? AND external_id IN ?", conversationID, externalIDs).
		Pluck("external_id", &found).Error; err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = struct{}{}
	}
	return out, nil
}

// GetRecentByConversation returns the last N messages in chronological order.
// Ties on provider_timestamp break on external_id so both ingestion paths see
// the same ordering.
func (r *messageRepo) GetRecentByConversation(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID, limit int) ([]*types.Message, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 10
	}
	var recent []*types.Message
	if err := transaction.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("provider_timestamp DESC, external_id DESC").
		Limit(limit).
		Find(&recent).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

func (r *messageRepo) ListByConversation(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID, limit, offset int) ([]*types.Message, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*types.Message
	if err := transaction.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("provider_timestamp ASC, external_id ASC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) CountByConversation(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *messageRepo) UpdateStatusByExternalID(ctx context.Context, tx *gorm.DB, externalID string, status string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.Message{}).
		Where("external_id = ?", externalID).
		Update("status", status).Error
}

func (r *messageRepo) SoftDeleteByExternalID(ctx context.Context, tx *gorm.DB, externalID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("external_id = ?", externalID).
		Delete(&types.Message{}).Error
}
