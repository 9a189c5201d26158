package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/replyflow/replyflow-backend/internal/clients/evolution"
	"github.com/replyflow/replyflow-backend/internal/repos"
	"github.com/replyflow/replyflow-backend/internal/types"
)

func upsertEvent(t *testing.T, instance string, pm evolution.ProviderMessage) evolution.WebhookEvent {
	t.Helper()
	raw, err := json.Marshal(pm)
	require.NoError(t, err)
	return evolution.WebhookEvent{Event: "messages.upsert", Instance: instance, Data: raw}
}

type processorFixture struct {
	db        *gorm.DB
	processor EventProcessor
	convRepo  repos.ConversationRepo
	msgRepo   repos.MessageRepo
}

func newTestProcessor(t *testing.T) processorFixture {
	t.Helper()
	db := newTestDB(t)
	log := newTestLogger(t)
	convRepo := repos.NewConversationRepo(db, log)
	msgRepo := repos.NewMessageRepo(db, log)
	return processorFixture{
		db:        db,
		processor: NewEventProcessor(db, log, convRepo, msgRepo, nil, nil, nil),
		convRepo:  convRepo,
		msgRepo:   msgRepo,
	}
}

func TestHandleUpsert_CreatesConversationAndMessage(t *testing.T) {
	fx := newTestProcessor(t)
	ownerID := uuid.New()
	jid := "551234@s.whatsapp.net"

	event := upsertEvent(t, "main", textMessage("w1", jid, "do you deliver on sundays?", 1700000100, false))
	require.NoError(t, fx.processor.Handle(context.Background(), ownerID, event))

	conv, err := fx.convRepo.GetByNaturalKey(context.Background(), nil, ownerID, jid, "main")
	require.NoError(t, err)
	require.EqualValues(t, 1, conv.MessageCount)
	require.EqualValues(t, 1, conv.UnreadCount, "inbound message must bump unread")
	require.Equal(t, "do you deliver on sundays?", conv.LastMessagePreview)

	count, err := fx.msgRepo.CountByConversation(context.Background(), nil, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestHandleUpsert_DuplicateDeliveryIsNoOp(t *testing.T) {
	fx := newTestProcessor(t)
	ownerID := uuid.New()
	jid := "551234@s.whatsapp.net"

	event := upsertEvent(t, "main", textMessage("w1", jid, "hello", 1700000100, false))
	require.NoError(t, fx.processor.Handle(context.Background(), ownerID, event))
	require.NoError(t, fx.processor.Handle(context.Background(), ownerID, event))

	conv, err := fx.convRepo.GetByNaturalKey(context.Background(), nil, ownerID, jid, "main")
	require.NoError(t, err)
	require.EqualValues(t, 1, conv.MessageCount, "redelivery must not double count")
	require.EqualValues(t, 1, conv.UnreadCount)

	count, err := fx.msgRepo.CountByConversation(context.Background(), nil, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

// The same message observed first by a webhook and then by a full
// reconciliation (or the other way round) must land exactly once, with the
// aggregates agreeing in both orders.
func TestWebhookAndReconcileConverge(t *testing.T) {
	ownerID := uuid.New()
	jid := "555555@s.whatsapp.net"
	shared := textMessage("shared-1", jid, "I need help with my invoice", 1700000100, false)
	onlyHistory := textMessage("hist-2", jid, "second message", 1700000200, false)

	t.Run("webhook first", func(t *testing.T) {
		fx := newTestProcessor(t)
		log := newTestLogger(t)
		runRepo := repos.NewSyncRunRepo(fx.db, log)
		provider := &fakeProvider{messages: []evolution.ProviderMessage{shared, onlyHistory}}
		sync := NewSyncService(fx.db, log, provider, fx.convRepo, fx.msgRepo, runRepo, nil, 1)

		require.NoError(t, fx.processor.Handle(context.Background(), ownerID, upsertEvent(t, "main", shared)))
		progress, err := sync.Reconcile(context.Background(), ownerID, "main")
		require.NoError(t, err)
		require.Equal(t, 1, progress.NewMessages, "reconcile must only add the unseen message")

		assertConverged(t, fx, ownerID, jid)
	})

	t.Run("reconcile first", func(t *testing.T) {
		fx := newTestProcessor(t)
		log := newTestLogger(t)
		runRepo := repos.NewSyncRunRepo(fx.db, log)
		provider := &fakeProvider{messages: []evolution.ProviderMessage{shared, onlyHistory}}
		sync := NewSyncService(fx.db, log, provider, fx.convRepo, fx.msgRepo, runRepo, nil, 1)

		_, err := sync.Reconcile(context.Background(), ownerID, "main")
		require.NoError(t, err)
		require.NoError(t, fx.processor.Handle(context.Background(), ownerID, upsertEvent(t, "main", shared)))

		assertConverged(t, fx, ownerID, jid)
	})
}

func assertConverged(t *testing.T, fx processorFixture, ownerID uuid.UUID, jid string) {
	t.Helper()
	conv, err := fx.convRepo.GetByNaturalKey(context.Background(), nil, ownerID, jid, "main")
	require.NoError(t, err)
	require.EqualValues(t, 2, conv.MessageCount)
	require.Equal(t, "second message", conv.LastMessagePreview)

	count, err := fx.msgRepo.CountByConversation(context.Background(), nil, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

// A message must never commit without its conversation counters: when the
// aggregate bump fails mid-transaction the insert rolls back too, and the
// redelivery then lands fully instead of finding the id already present.
func TestHandleUpsert_InsertAndAggregateCommitTogether(t *testing.T) {
	fx := newTestProcessor(t)
	ownerID := uuid.New()
	jid := "551234@s.whatsapp.net"
	event := upsertEvent(t, "main", textMessage("w1", jid, "hello", 1700000100, false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelAfterMessageInsert(t, fx.db, cancel)
	require.Error(t, fx.processor.Handle(ctx, ownerID, event))

	conv, err := fx.convRepo.GetByNaturalKey(context.Background(), nil, ownerID, jid, "main")
	require.NoError(t, err)
	require.EqualValues(t, 0, conv.MessageCount, "rolled-back insert must not leave a counted message")
	count, err := fx.msgRepo.CountByConversation(context.Background(), nil, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, count, "failed delivery must not store the message")

	require.NoError(t, fx.processor.Handle(context.Background(), ownerID, event))
	conv, err = fx.convRepo.GetByNaturalKey(context.Background(), nil, ownerID, jid, "main")
	require.NoError(t, err)
	require.EqualValues(t, 1, conv.MessageCount)
	count, err = fx.msgRepo.CountByConversation(context.Background(), nil, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

type fakeStateCache struct {
	seen      map[string]bool
	connState map[string]string
}

func newFakeStateCache() *fakeStateCache {
	return &fakeStateCache{seen: map[string]bool{}, connState: map[string]string{}}
}

func (c *fakeStateCache) SetConnectionState(ctx context.Context, instanceKey, state string) error {
	c.connState[instanceKey] = state
	return nil
}

func (c *fakeStateCache) GetConnectionState(ctx context.Context, instanceKey string) (string, error) {
	return c.connState[instanceKey], nil
}

func (c *fakeStateCache) SetPresence(ctx context.Context, instanceKey, remoteJid, presence string) error {
	return nil
}

func (c *fakeStateCache) MarkEventSeen(ctx context.Context, eventKey string) (bool, error) {
	if c.seen[eventKey] {
		return true, nil
	}
	c.seen[eventKey] = true
	return false, nil
}

func (c *fakeStateCache) ForgetEvent(ctx context.Context, eventKey string) error {
	delete(c.seen, eventKey)
	return nil
}

func (c *fakeStateCache) Close() error { return nil }

func TestHandleUpsert_StoreFailureReleasesDedupSlot(t *testing.T) {
	db := newTestDB(t)
	log := newTestLogger(t)
	convRepo := repos.NewConversationRepo(db, log)
	msgRepo := repos.NewMessageRepo(db, log)
	cache := newFakeStateCache()
	processor := NewEventProcessor(db, log, convRepo, msgRepo, cache, nil, nil)

	ownerID := uuid.New()
	jid := "551234@s.whatsapp.net"
	event := upsertEvent(t, "main", textMessage("w1", jid, "hello", 1700000100, false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelAfterMessageInsert(t, db, cancel)
	require.Error(t, processor.Handle(ctx, ownerID, event))
	require.Empty(t, cache.seen, "failed store must release the dedup slot")

	// The provider's retry is processed, not discarded as seen.
	require.NoError(t, processor.Handle(context.Background(), ownerID, event))
	conv, err := convRepo.GetByNaturalKey(context.Background(), nil, ownerID, jid, "main")
	require.NoError(t, err)
	require.EqualValues(t, 1, conv.MessageCount)

	// The slot is claimed again, so an immediate redelivery is skipped.
	require.NoError(t, processor.Handle(context.Background(), ownerID, event))
	count, err := msgRepo.CountByConversation(context.Background(), nil, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestHandleMessageUpdate_SetsStatus(t *testing.T) {
	fx := newTestProcessor(t)
	ownerID := uuid.New()
	jid := "551234@s.whatsapp.net"

	out := textMessage("out-1", jid, "your order shipped", 1700000100, true)
	require.NoError(t, fx.processor.Handle(context.Background(), ownerID, upsertEvent(t, "main", out)))

	data, err := json.Marshal(evolution.MessageUpdateData{KeyID: "out-1", RemoteJid: jid, Status: "READ", FromMe: true})
	require.NoError(t, err)
	event := evolution.WebhookEvent{Event: "messages.update", Instance: "main", Data: data}
	require.NoError(t, fx.processor.Handle(context.Background(), ownerID, event))

	var msg types.Message
	require.NoError(t, fx.db.Where("external_id = ?", "out-1").First(&msg).Error)
	require.Equal(t, types.MessageStatusRead, msg.Status)
}

func TestHandleChatDelete_ArchivesInsteadOfDeleting(t *testing.T) {
	fx := newTestProcessor(t)
	ownerID := uuid.New()
	jid := "551234@s.whatsapp.net"

	require.NoError(t, fx.processor.Handle(context.Background(), ownerID, upsertEvent(t, "main", textMessage("m1", jid, "hi", 1700000100, false))))

	data, err := json.Marshal(evolution.ChatUpdateData{RemoteJid: jid})
	require.NoError(t, err)
	event := evolution.WebhookEvent{Event: "chats.delete", Instance: "main", Data: data}
	require.NoError(t, fx.processor.Handle(context.Background(), ownerID, event))

	conv, err := fx.convRepo.GetByNaturalKey(context.Background(), nil, ownerID, jid, "main")
	require.NoError(t, err)
	require.Equal(t, types.ConversationStatusArchived, conv.Status)

	// Messages stay.
	count, err := fx.msgRepo.CountByConversation(context.Background(), nil, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestHandleContactUpdate_UnknownConversationIgnored(t *testing.T) {
	fx := newTestProcessor(t)
	data, err := json.Marshal(evolution.ContactUpdateData{RemoteJid: "unknown@s.whatsapp.net", PushName: "New Name"})
	require.NoError(t, err)
	event := evolution.WebhookEvent{Event: "contacts.update", Instance: "main", Data: data}
	require.NoError(t, fx.processor.Handle(context.Background(), uuid.New(), event))
}

func TestHandle_UnknownEventKindAcknowledged(t *testing.T) {
	fx := newTestProcessor(t)
	event := evolution.WebhookEvent{Event: "labels.edit", Instance: "main", Data: json.RawMessage(`{}`)}
	require.NoError(t, fx.processor.Handle(context.Background(), uuid.New(), event))
}
