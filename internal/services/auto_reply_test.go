package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/replyflow/replyflow-backend/internal/clients/pinecone"
	"github.com/replyflow/replyflow-backend/internal/repos"
	"github.com/replyflow/replyflow-backend/internal/types"
)

func newAutoReplyFixture(t *testing.T, provider *fakeProvider, ai AIClient, index pinecone.VectorIndex) (AutoReplyService, repos.ConversationRepo, repos.MessageRepo, *types.Conversation) {
	t.Helper()
	db := newTestDB(t)
	log := newTestLogger(t)
	convRepo := repos.NewConversationRepo(db, log)
	msgRepo := repos.NewMessageRepo(db, log)
	handoffRepo := repos.NewHandoffRepo(db, log)

	rag := newTestRAGService(t, ai, index)
	handoff := NewHandoffService(db, log, handoffRepo, convRepo, nil)
	svc := NewAutoReplyService(db, log, provider, rag, handoff, msgRepo, convRepo, nil)

	conv, err := convRepo.ResolveOrCreate(context.Background(), nil, &types.Conversation{
		OwnerID:     uuid.New(),
		ExternalID:  "551111@s.whatsapp.net",
		InstanceKey: "main",
		ContactJID:  "551111@s.whatsapp.net",
	})
	require.NoError(t, err)
	return svc, convRepo, msgRepo, conv
}

func TestHandleInbound_SendsAndStoresAssistantReply(t *testing.T) {
	provider := &fakeProvider{}
	index := &fakeVectorIndex{matches: []pinecone.ChunkMatch{
		{ChunkID: "c1", SourceID: "faq", Text: "we deliver monday through saturday", Similarity: 0.92},
	}}
	svc, convRepo, msgRepo, conv := newAutoReplyFixture(t, provider,
		&fakeAIClient{reply: "We deliver Monday through Saturday, so not on Sundays."}, index)

	inbound := &types.Message{
		ConversationID: conv.ID,
		OwnerID:        conv.OwnerID,
		Direction:      types.DirectionInbound,
		SenderRole:     types.SenderRoleContact,
		Content:        "do you deliver on sundays?",
	}
	svc.HandleInbound(context.Background(), conv, inbound)

	require.Len(t, provider.sent, 1)
	require.Contains(t, provider.sent[0], "Monday through Saturday")

	msgs, err := msgRepo.ListByConversation(context.Background(), nil, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	stored := msgs[0]
	require.True(t, stored.AIGenerated)
	require.Equal(t, types.SenderRoleAssistant, stored.SenderRole)
	require.Equal(t, types.MessageStatusSent, stored.Status)
	require.NotNil(t, stored.AIConfidence)
	require.NotEmpty(t, stored.RAGSources)

	updated, err := convRepo.GetByID(context.Background(), nil, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, updated.MessageCount)
	require.True(t, updated.LastMessageFromMe)
}

func TestHandleInbound_DispatchFailureStoresFailedMessage(t *testing.T) {
	provider := &fakeProvider{sendErr: errors.New("gateway down")}
	svc, _, msgRepo, conv := newAutoReplyFixture(t, provider,
		&fakeAIClient{reply: "reply"}, &fakeVectorIndex{})

	svc.HandleInbound(context.Background(), conv, &types.Message{
		ConversationID: conv.ID,
		OwnerID:        conv.OwnerID,
		Direction:      types.DirectionInbound,
		Content:        "hello there friend",
	})

	msgs, err := msgRepo.ListByConversation(context.Background(), nil, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, types.MessageStatusFailed, msgs[0].Status)
	require.Contains(t, msgs[0].ExternalID, "local-")
}

func TestHandleInbound_LowConfidenceEscalates(t *testing.T) {
	provider := &fakeProvider{}
	// No sources pins confidence at 0.3, under the handoff threshold.
	svc, convRepo, _, conv := newAutoReplyFixture(t, provider,
		&fakeAIClient{reply: "I am not sure about that."}, &fakeVectorIndex{})

	svc.HandleInbound(context.Background(), conv, &types.Message{
		ConversationID: conv.ID,
		OwnerID:        conv.OwnerID,
		Direction:      types.DirectionInbound,
		Content:        "what is your warranty policy for appliances?",
	})

	updated, err := convRepo.GetByID(context.Background(), nil, conv.ID)
	require.NoError(t, err)
	require.Equal(t, types.ConversationStatusHandedOff, updated.Status)
}

// The assistant message and its aggregate bump commit together; a failed
// store leaves the conversation counters untouched.
func TestHandleInbound_StoreFailureRollsBackAssistantMessage(t *testing.T) {
	db := newTestDB(t)
	log := newTestLogger(t)
	convRepo := repos.NewConversationRepo(db, log)
	msgRepo := repos.NewMessageRepo(db, log)
	handoffRepo := repos.NewHandoffRepo(db, log)

	provider := &fakeProvider{}
	index := &fakeVectorIndex{matches: []pinecone.ChunkMatch{
		{ChunkID: "c1", SourceID: "faq", Text: "we deliver monday through saturday", Similarity: 0.92},
	}}
	rag := newTestRAGService(t, &fakeAIClient{reply: "We deliver Monday through Saturday."}, index)
	handoff := NewHandoffService(db, log, handoffRepo, convRepo, nil)
	svc := NewAutoReplyService(db, log, provider, rag, handoff, msgRepo, convRepo, nil)

	conv, err := convRepo.ResolveOrCreate(context.Background(), nil, &types.Conversation{
		OwnerID:     uuid.New(),
		ExternalID:  "551111@s.whatsapp.net",
		InstanceKey: "main",
		ContactJID:  "551111@s.whatsapp.net",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelAfterMessageInsert(t, db, cancel)

	svc.HandleInbound(ctx, conv, &types.Message{
		ConversationID: conv.ID,
		OwnerID:        conv.OwnerID,
		Direction:      types.DirectionInbound,
		Content:        "do you deliver on sundays?",
	})

	require.Len(t, provider.sent, 1, "the reply still goes out")
	msgs, err := msgRepo.ListByConversation(context.Background(), nil, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Empty(t, msgs, "rolled-back store must leave no assistant message")
	updated, err := convRepo.GetByID(context.Background(), nil, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, updated.MessageCount)
}

func TestHandleInbound_SkipsNonActiveConversation(t *testing.T) {
	provider := &fakeProvider{}
	svc, _, msgRepo, conv := newAutoReplyFixture(t, provider,
		&fakeAIClient{reply: "reply"}, &fakeVectorIndex{})

	conv.Status = types.ConversationStatusHandedOff
	svc.HandleInbound(context.Background(), conv, &types.Message{Content: "hello"})

	require.Empty(t, provider.sent)
	msgs, err := msgRepo.ListByConversation(context.Background(), nil, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}
