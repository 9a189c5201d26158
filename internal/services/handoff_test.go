package services

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/replyflow/replyflow-backend/internal/repos"
	"github.com/replyflow/replyflow-backend/internal/types"
)

func TestEvaluateHandoff_NoTriggers(t *testing.T) {
	d := EvaluateHandoff("what time do you open tomorrow?", nil, 0.9)
	if d.ShouldHandoff {
		t.Fatalf("unexpected handoff: %+v", d)
	}
	if d.Urgency != types.HandoffUrgencyLow {
		t.Fatalf("urgency = %q", d.Urgency)
	}
}

func TestEvaluateHandoff_LowConfidence(t *testing.T) {
	d := EvaluateHandoff("what time do you open tomorrow?", nil, 0.5)
	if !d.ShouldHandoff {
		t.Fatalf("expected handoff at confidence below threshold")
	}
	if d.Urgency != types.HandoffUrgencyMedium {
		t.Fatalf("urgency = %q, want medium", d.Urgency)
	}
}

func TestEvaluateHandoff_UrgentKeywordIsHigh(t *testing.T) {
	for _, msg := range []string{
		"I want a refund now",
		"please cancel my subscription",
		"I will contact my lawyer",
	} {
		d := EvaluateHandoff(msg, nil, 0.95)
		if !d.ShouldHandoff {
			t.Fatalf("expected handoff for %q", msg)
		}
		if d.Urgency != types.HandoffUrgencyHigh {
			t.Fatalf("urgency for %q = %q, want high", msg, d.Urgency)
		}
	}
}

func TestEvaluateHandoff_HumanRequestOverridesConfidence(t *testing.T) {
	// The explicit request wins even when the bot is fully confident.
	d := EvaluateHandoff("I need to talk to a human please", nil, 1.0)
	if !d.ShouldHandoff {
		t.Fatalf("expected handoff on explicit human request")
	}
	if d.Urgency != types.HandoffUrgencyHigh {
		t.Fatalf("urgency = %q, want high", d.Urgency)
	}
}

func TestEvaluateHandoff_NegativeSentiment(t *testing.T) {
	turns := []string{"this is terrible", "worst support ever"}
	d := EvaluateHandoff("still broken and useless", turns, 0.9)
	if !d.ShouldHandoff {
		t.Fatalf("expected handoff on negative sentiment")
	}
	if d.Urgency != types.HandoffUrgencyMedium {
		t.Fatalf("urgency = %q, want medium", d.Urgency)
	}
}

func TestEvaluateHandoff_ReasonsJoinAndUrgencyIsMax(t *testing.T) {
	d := EvaluateHandoff("this is unacceptable, I demand a refund", []string{"awful awful awful"}, 0.2)
	if !d.ShouldHandoff {
		t.Fatalf("expected handoff")
	}
	if len(d.Reasons) < 3 {
		t.Fatalf("reasons = %v", d.Reasons)
	}
	if d.Urgency != types.HandoffUrgencyHigh {
		t.Fatalf("urgency = %q, want high", d.Urgency)
	}
	if !strings.Contains(d.Reason, "; ") {
		t.Fatalf("joined reason = %q", d.Reason)
	}
}

func TestSentimentScore(t *testing.T) {
	if got := sentimentScore([]string{"thanks, that was great!"}); got <= 0 {
		t.Fatalf("positive turns scored %d", got)
	}
	if got := sentimentScore([]string{"terrible, awful, broken."}); got >= 0 {
		t.Fatalf("negative turns scored %d", got)
	}
}

func TestEscalate_CreatesRequestAndFlipsStatus(t *testing.T) {
	db := newTestDB(t)
	log := newTestLogger(t)
	convRepo := repos.NewConversationRepo(db, log)
	handoffRepo := repos.NewHandoffRepo(db, log)
	svc := NewHandoffService(db, log, handoffRepo, convRepo, nil)

	ownerID := uuid.New()
	conv, err := convRepo.ResolveOrCreate(context.Background(), nil, &types.Conversation{
		OwnerID:     ownerID,
		ExternalID:  "551199@s.whatsapp.net",
		InstanceKey: "main",
		ContactJID:  "551199@s.whatsapp.net",
	})
	if err != nil {
		t.Fatalf("resolve conversation: %v", err)
	}

	decision := HandoffDecision{ShouldHandoff: true, Reason: "urgent keyword: refund", Urgency: types.HandoffUrgencyHigh}
	req, err := svc.Escalate(context.Background(), ownerID, conv.ID, decision)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if req == nil || req.Urgency != types.HandoffUrgencyHigh {
		t.Fatalf("request = %+v", req)
	}

	updated, err := convRepo.GetByID(context.Background(), nil, conv.ID)
	if err != nil {
		t.Fatalf("reload conversation: %v", err)
	}
	if updated.Status != types.ConversationStatusHandedOff {
		t.Fatalf("status = %q, want handed_off", updated.Status)
	}

	// A second escalation while one is pending is a no-op.
	again, err := svc.Escalate(context.Background(), ownerID, conv.ID, decision)
	if err != nil {
		t.Fatalf("second escalate: %v", err)
	}
	if again != nil {
		t.Fatalf("expected nil for duplicate escalation, got %+v", again)
	}
}

func TestEscalate_IgnoresNonHandoffDecision(t *testing.T) {
	db := newTestDB(t)
	log := newTestLogger(t)
	svc := NewHandoffService(db, log, repos.NewHandoffRepo(db, log), repos.NewConversationRepo(db, log), nil)

	req, err := svc.Escalate(context.Background(), uuid.New(), uuid.New(), HandoffDecision{ShouldHandoff: false})
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if req != nil {
		t.Fatalf("expected nil request, got %+v", req)
	}
}

func TestResolve_ReturnsConversationToActive(t *testing.T) {
	db := newTestDB(t)
	log := newTestLogger(t)
	convRepo := repos.NewConversationRepo(db, log)
	handoffRepo := repos.NewHandoffRepo(db, log)
	svc := NewHandoffService(db, log, handoffRepo, convRepo, nil)

	ownerID := uuid.New()
	conv, err := convRepo.ResolveOrCreate(context.Background(), nil, &types.Conversation{
		OwnerID:     ownerID,
		ExternalID:  "552188@s.whatsapp.net",
		InstanceKey: "main",
		ContactJID:  "552188@s.whatsapp.net",
	})
	if err != nil {
		t.Fatalf("resolve conversation: %v", err)
	}
	req, err := svc.Escalate(context.Background(), ownerID, conv.ID, HandoffDecision{
		ShouldHandoff: true, Reason: "low AI confidence", Urgency: types.HandoffUrgencyMedium,
	})
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}

	if err := svc.Resolve(context.Background(), req.ID, conv.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	updated, err := convRepo.GetByID(context.Background(), nil, conv.ID)
	if err != nil {
		t.Fatalf("reload conversation: %v", err)
	}
	if updated.Status != types.ConversationStatusActive {
		t.Fatalf("status = %q, want active", updated.Status)
	}
}
