package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/repos"
	"github.com/replyflow/replyflow-backend/internal/sse"
	"github.com/replyflow/replyflow-backend/internal/types"
)

const confidenceHandoffThreshold = 0.6

type HandoffDecision struct {
	ShouldHandoff bool     `json:"should_handoff"`
	Reason        string   `json:"reason"`
	Reasons       []string `json:"reasons,omitempty"`
	Urgency       string   `json:"urgency"`
}

var urgentKeywords = []string{
	"cancel", "cancellation", "refund", "chargeback", "complaint",
	"legal", "lawyer", "lawsuit", "urgent", "emergency",
}

var humanRequestPhrases = []string{
	"talk to a human", "speak to a human", "talk to an agent",
	"speak to an agent", "talk to a person", "speak to a person",
	"real person", "human agent", "speak to someone", "talk to someone",
	"customer service representative", "atendimento humano", "falar com atendente",
}

// EvaluateHandoff runs the independent trigger checks and joins their
// results: any trigger means handoff, reasons concatenate, urgency is the
// maximum among triggered checks.
func EvaluateHandoff(message string, recentUserTurns []string, confidence float64) HandoffDecision {
	type trigger struct {
		reason  string
		urgency string
	}
	var triggered []trigger

	if confidence < confidenceHandoffThreshold {
		triggered = append(triggered, trigger{"low AI confidence", types.HandoffUrgencyMedium})
	}

	lower := strings.ToLower(message)
	for _, kw := range urgentKeywords {
		if strings.Contains(lower, kw) {
			triggered = append(triggered, trigger{"urgent keyword: " + kw, types.HandoffUrgencyHigh})
			break
		}
	}

	for _, phrase := range humanRequestPhrases {
		if strings.Contains(lower, phrase) {
			triggered = append(triggered, trigger{"customer asked for a human agent", types.HandoffUrgencyHigh})
			break
		}
	}

	if sentimentScore(append(recentUserTurns, message)) < 0 {
		triggered = append(triggered, trigger{"negative conversation sentiment", types.HandoffUrgencyMedium})
	}

	if len(triggered) == 0 {
		return HandoffDecision{Urgency: types.HandoffUrgencyLow}
	}

	reasons := make([]string, 0, len(triggered))
	urgency := types.HandoffUrgencyLow
	for _, t := range triggered {
		reasons = append(reasons, t.reason)
		if urgencyRank(t.urgency) > urgencyRank(urgency) {
			urgency = t.urgency
		}
	}
	return HandoffDecision{
		ShouldHandoff: true,
		Reason:        strings.Join(reasons, "; "),
		Reasons:       reasons,
		Urgency:       urgency,
	}
}

func urgencyRank(urgency string) int {
	switch urgency {
	case types.HandoffUrgencyHigh:
		return 3
	case types.HandoffUrgencyMedium:
		return 2
	default:
		return 1
	}
}

var negativeWords = map[string]struct{}{
	"angry": {}, "terrible": {}, "awful": {}, "horrible": {}, "worst": {},
	"useless": {}, "broken": {}, "frustrated": {}, "disappointed": {},
	"unacceptable": {}, "ridiculous": {}, "scam": {}, "never": {},
	"bad": {}, "hate": {}, "wrong": {}, "slow": {}, "waiting": {},
}

var positiveWords = map[string]struct{}{
	"great": {}, "good": {}, "thanks": {}, "thank": {}, "perfect": {},
	"awesome": {}, "excellent": {}, "helpful": {}, "love": {}, "nice": {},
	"appreciate": {}, "wonderful": {}, "solved": {}, "works": {},
}

// sentimentScore is a small lexicon count over the given turns: positive
// words add one, negative words subtract one.
func sentimentScore(turns []string) int {
	score := 0
	for _, turn := range turns {
		for _, w := range strings.Fields(strings.ToLower(turn)) {
			w = strings.Trim(w, ".,!?;:\"'()")
			if _, ok := negativeWords[w]; ok {
				score--
			}
			if _, ok := positiveWords[w]; ok {
				score++
			}
		}
	}
	return score
}

// HandoffService persists escalation tickets and flips the conversation out
// of automated handling.
type HandoffService interface {
	Escalate(ctx context.Context, ownerID uuid.UUID, conversationID uuid.UUID, decision HandoffDecision) (*types.HandoffRequest, error)
	Assign(ctx context.Context, id uuid.UUID, agentID uuid.UUID) error
	Resolve(ctx context.Context, id uuid.UUID, conversationID uuid.UUID) error
	List(ctx context.Context, ownerID uuid.UUID, status string, limit, offset int) ([]*types.HandoffRequest, error)
}

type handoffService struct {
	db          *gorm.DB
	log         *logger.Logger
	handoffRepo repos.HandoffRepo
	convRepo    repos.ConversationRepo
	hub         *sse.Hub
}

func NewHandoffService(db *gorm.DB, log *logger.Logger, handoffRepo repos.HandoffRepo, convRepo repos.ConversationRepo, hub *sse.Hub) HandoffService {
	return &handoffService{
		db:          db,
		log:         log.With("service", "HandoffService"),
		handoffRepo: handoffRepo,
		convRepo:    convRepo,
		hub:         hub,
	}
}

func (s *handoffService) Escalate(ctx context.Context, ownerID uuid.UUID, conversationID uuid.UUID, decision HandoffDecision) (*types.HandoffRequest, error) {
	if !decision.ShouldHandoff {
		return nil, nil
	}
	pending, err := s.handoffRepo.HasPendingForConversation(ctx, nil, conversationID)
	if err != nil {
		return nil, err
	}
	if pending {
		s.log.Debug("Conversation already has a pending handoff", "conversation_id", conversationID)
		return nil, nil
	}

	var req *types.HandoffRequest
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		req, txErr = s.handoffRepo.Create(ctx, tx, &types.HandoffRequest{
			OwnerID:        ownerID,
			ConversationID: conversationID,
			Reason:         decision.Reason,
			Urgency:        decision.Urgency,
		})
		if txErr != nil {
			return txErr
		}
		return s.convRepo.UpdateStatus(ctx, tx, conversationID, types.ConversationStatusHandedOff)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Conversation escalated to human agent",
		"conversation_id", conversationID,
		"urgency", decision.Urgency,
		"reason", decision.Reason,
	)
	if s.hub != nil {
		s.hub.Broadcast(ownerID, sse.EventHandoffCreated, req)
	}
	return req, nil
}

func (s *handoffService) Assign(ctx context.Context, id uuid.UUID, agentID uuid.UUID) error {
	return s.handoffRepo.Assign(ctx, nil, id, agentID)
}

func (s *handoffService) Resolve(ctx context.Context, id uuid.UUID, conversationID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.handoffRepo.Resolve(ctx, tx, id); err != nil {
			return err
		}
		return s.convRepo.UpdateStatus(ctx, tx, conversationID, types.ConversationStatusActive)
	})
}

func (s *handoffService) List(ctx context.Context, ownerID uuid.UUID, status string, limit, offset int) ([]*types.HandoffRequest, error) {
	return s.handoffRepo.ListByOwner(ctx, nil, ownerID, status, limit, offset)
}
