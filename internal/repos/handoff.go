package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/types"
)

type HandoffRepo interface {
	Create(ctx context.Context, tx *gorm.DB, req *types.HandoffRequest) (*types.HandoffRequest, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.HandoffRequest, error)
	ListByOwner(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, status string, limit, offset int) ([]*types.HandoffRequest, error)
	HasPendingForConversation(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) (bool, error)
	Assign(ctx context.Context, tx *gorm.DB, id uuid.UUID, agentID uuid.UUID) error
	Resolve(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type handoffRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewHandoffRepo(db *gorm.DB, baseLog *logger.Logger) HandoffRepo {
	repoLog := baseLog.With("repo", "HandoffRepo")
	return &handoffRepo{db: db, log: repoLog}
}

func (r *handoffRepo) Create(ctx context.Context, tx *gorm.DB, req *types.HandoffRequest) (*types.HandoffRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Status == "" {
		req.Status = types.HandoffStatusPending
	}
	if err := transaction.WithContext(ctx).Create(req).Error; err != nil {
		return nil, err
	}
	return req, nil
}

func (r *handoffRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.HandoffRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var req types.HandoffRequest
	if err := transaction.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *handoffRepo) ListByOwner(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, status string, limit, offset int) ([]*types.HandoffRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := transaction.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*types.HandoffRequest
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *handoffRepo) HasPendingForConversation(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.HandoffRequest{}).
		Where("conversation_id = ? AND status = ?", conversationID, types.HandoffStatusPending).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *handoffRepo) Assign(ctx context.Context, tx *gorm.DB, id uuid.UUID, agentID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.HandoffRequest{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            types.HandoffStatusAssigned,
			"assigned_agent_id": agentID,
		}).Error
}

func (r *handoffRepo) Resolve(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	return transaction.WithContext(ctx).
		Model(&types.HandoffRequest{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      types.HandoffStatusResolved,
			"resolved_at": now,
		}).Error
}
