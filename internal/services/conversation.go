package services

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/repos"
	"github.com/replyflow/replyflow-backend/internal/types"
)

type ConversationService interface {
	List(ctx context.Context, ownerID uuid.UUID, status string, limit, offset int) ([]*types.Conversation, error)
	Get(ctx context.Context, ownerID uuid.UUID, id uuid.UUID) (*types.Conversation, error)
	Messages(ctx context.Context, ownerID uuid.UUID, conversationID uuid.UUID, limit, offset int) ([]*types.Message, error)
	UpdateStatus(ctx context.Context, ownerID uuid.UUID, id uuid.UUID, status string) error
}

type conversationService struct {
	db       *gorm.DB
	log      *logger.Logger
	convRepo repos.ConversationRepo
	msgRepo  repos.MessageRepo
}

func NewConversationService(db *gorm.DB, log *logger.Logger, convRepo repos.ConversationRepo, msgRepo repos.MessageRepo) ConversationService {
	return &conversationService{
		db:       db,
		log:      log.With("service", "ConversationService"),
		convRepo: convRepo,
		msgRepo:  msgRepo,
	}
}

func (s *conversationService) List(ctx context.Context, ownerID uuid.UUID, status string, limit, offset int) ([]*types.Conversation, error) {
	return s.convRepo.ListByOwner(ctx, nil, ownerID, status, limit, offset)
}

func (s *conversationService) Get(ctx context.Context, ownerID uuid.UUID, id uuid.UUID) (*types.Conversation, error) {
	conv, err := s.convRepo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, gorm.ErrRecordNotFound
	}
	return conv, nil
}

func (s *conversationService) Messages(ctx context.Context, ownerID uuid.UUID, conversationID uuid.UUID, limit, offset int) ([]*types.Message, error) {
	if _, err := s.Get(ctx, ownerID, conversationID); err != nil {
		return nil, err
	}
	return s.msgRepo.ListByConversation(ctx, nil, conversationID, limit, offset)
}

func (s *conversationService) UpdateStatus(ctx context.Context, ownerID uuid.UUID, id uuid.UUID, status string) error {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return err
	}
	switch status {
	case types.ConversationStatusActive, types.ConversationStatusResolved, types.ConversationStatusArchived:
		return s.convRepo.UpdateStatus(ctx, nil, id, status)
	default:
		return gorm.ErrInvalidValue
	}
}
