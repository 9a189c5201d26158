package repos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/types"
)

type SyncRunRepo interface {
	Create(ctx context.Context, tx *gorm.DB, run *types.SyncRun) (*types.SyncRun, error)
	Finish(ctx context.Context, tx *gorm.DB, id uuid.UUID, progress *types.SyncProgress) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.SyncRun, error)
	GetLatest(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, instanceKey string) (*types.SyncRun, error)
}

type syncRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSyncRunRepo(db *gorm.DB, baseLog *logger.Logger) SyncRunRepo {
	repoLog := baseLog.With("repo", "SyncRunRepo")
	return &syncRunRepo{db: db, log: repoLog}
}

func (r *syncRunRepo) Create(ctx context.Context, tx *gorm.DB, run *types.SyncRun) (*types.SyncRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = types.SyncStatusSyncing
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if err := transaction.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *syncRunRepo) Finish(ctx context.Context, tx *gorm.DB, id uuid.UUID, progress *types.SyncProgress) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var errsJSON datatypes.JSON
	if len(progress.Errors) > 0 {
		if raw, err := json.Marshal(progress.Errors); err == nil {
			errsJSON = raw
		}
	}
	return transaction.WithContext(ctx).
		Model(&types.SyncRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":                  progress.Status,
			"total_conversations":     progress.TotalConversations,
			"processed_conversations": progress.ProcessedConversations,
			"total_messages":          progress.TotalMessages,
			"new_messages":            progress.NewMessages,
			"errors":                  errsJSON,
			"finished_at":             progress.FinishedAt,
		}).Error
}

func (r *syncRunRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.SyncRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var run types.SyncRun
	if err := transaction.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *syncRunRepo) GetLatest(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, instanceKey string) (*types.SyncRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var run types.SyncRun
	if err := transaction.WithContext(ctx).
		Where("owner_id = ? AND instance_key = ?", ownerID, instanceKey).
		Order("started_at DESC").
		First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}
