package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/replyflow/replyflow-backend/internal/clients/evolution"
	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/repos"
	"github.com/replyflow/replyflow-backend/internal/sse"
	"github.com/replyflow/replyflow-backend/internal/types"
)

// AutoReplyService drives the response pipeline for one new inbound message:
// compose a sourced reply, decide on escalation, store the assistant message
// with its provenance, and dispatch it back through the provider. Failures
// are logged, never propagated; the webhook path must always ack.
type AutoReplyService interface {
	HandleInbound(ctx context.Context, conv *types.Conversation, msg *types.Message)
}

type autoReplyService struct {
	db       *gorm.DB
	log      *logger.Logger
	provider evolution.Client
	rag      RAGService
	handoff  HandoffService
	msgRepo  repos.MessageRepo
	convRepo repos.ConversationRepo
	hub      *sse.Hub
}

func NewAutoReplyService(
	db *gorm.DB,
	log *logger.Logger,
	provider evolution.Client,
	rag RAGService,
	handoff HandoffService,
	msgRepo repos.MessageRepo,
	convRepo repos.ConversationRepo,
	hub *sse.Hub,
) AutoReplyService {
	return &autoReplyService{
		db:       db,
		log:      log.With("service", "AutoReplyService"),
		provider: provider,
		rag:      rag,
		handoff:  handoff,
		msgRepo:  msgRepo,
		convRepo: convRepo,
		hub:      hub,
	}
}

func (s *autoReplyService) HandleInbound(ctx context.Context, conv *types.Conversation, msg *types.Message) {
	if conv.Status != types.ConversationStatusActive {
		return
	}
	log := s.log.With("conversation_id", conv.ID, "owner_id", conv.OwnerID)

	history, err := s.msgRepo.GetRecentByConversation(ctx, nil, conv.ID, 10)
	if err != nil {
		log.Warn("Failed to load history, responding without it", "error", err)
		history = nil
	}

	result := s.rag.Respond(ctx, conv.OwnerID, conv.ID, msg.Content, history)

	decision := EvaluateHandoff(msg.Content, recentUserTurns(history, 5), result.Confidence)
	if decision.ShouldHandoff {
		if _, err := s.handoff.Escalate(ctx, conv.OwnerID, conv.ID, decision); err != nil {
			log.Error("Failed to escalate conversation", "error", err)
		}
	}

	sent, err := s.provider.SendMessage(ctx, conv.InstanceKey, conv.ContactJID, result.Reply)
	if err != nil {
		log.Error("Failed to dispatch reply to provider", "error", err)
	}

	s.storeAssistantMessage(ctx, conv, result, sent)
}

func (s *autoReplyService) storeAssistantMessage(ctx context.Context, conv *types.Conversation, result *RAGResult, sent *evolution.SendResult) {
	now := time.Now().UTC()
	status := types.MessageStatusFailed
	externalID := ""
	if sent != nil {
		status = types.MessageStatusSent
		externalID = sent.ID
	}

	confidence := result.Confidence
	latency := result.LatencyMS
	tokens := result.TokensUsed
	assistantMsg := &types.Message{
		ID:                uuid.New(),
		ConversationID:    conv.ID,
		OwnerID:           conv.OwnerID,
		ExternalID:        externalID,
		Type:              types.MessageTypeText,
		Content:           result.Reply,
		Direction:         types.DirectionOutbound,
		SenderRole:        types.SenderRoleAssistant,
		Status:            status,
		ProviderTimestamp: now,
		AIGenerated:       true,
		AIConfidence:      &confidence,
		AIModel:           result.Model,
		AILatencyMS:       &latency,
		AITokensUsed:      &tokens,
	}
	if assistantMsg.ExternalID == "" {
		// Dispatch failed, so no provider id exists; keep the row idempotent
		// under retries with a local key.
		assistantMsg.ExternalID = "local-" + assistantMsg.ID.String()
	}
	if len(result.Sources) > 0 {
		if raw, err := json.Marshal(result.Sources); err == nil {
			assistantMsg.RAGSources = raw
		}
	}

	// Insert and aggregate bump commit together; a half-applied assistant
	// message would skew the conversation counters for good.
	var inserted int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		n, err := s.msgRepo.CreateIfAbsent(ctx, tx, []*types.Message{assistantMsg})
		if err != nil {
			return err
		}
		inserted = n
		if n == 0 {
			return nil
		}
		return s.convRepo.ApplyMessageAggregate(ctx, tx, conv.ID, repos.MessageAggregate{
			CountDelta:  n,
			LastAt:      assistantMsg.ProviderTimestamp,
			LastPreview: messagePreview(assistantMsg.Content),
			LastFromMe:  true,
		})
	})
	if err != nil {
		s.log.Error("Failed to store assistant message", "conversation_id", conv.ID, "error", err)
		return
	}
	if inserted == 0 {
		return
	}
	if s.hub != nil {
		s.hub.Broadcast(conv.OwnerID, sse.EventMessageCreated, assistantMsg)
	}
}
