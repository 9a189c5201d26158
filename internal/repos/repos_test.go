package repos

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/types"
)

func openTestDB(t *testing.T) (*gorm.DB, *logger.Logger) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Conversation{}, &types.Message{}, &types.HandoffRequest{}, &types.SyncRun{}))
	log, err := logger.New("development")
	require.NoError(t, err)
	return db, log
}

func TestResolveOrCreate_NaturalKeyIsStable(t *testing.T) {
	db, log := openTestDB(t)
	repo := NewConversationRepo(db, log)
	ownerID := uuid.New()

	first, err := repo.ResolveOrCreate(context.Background(), nil, &types.Conversation{
		OwnerID:     ownerID,
		ExternalID:  "551111@s.whatsapp.net",
		InstanceKey: "main",
		ContactJID:  "551111@s.whatsapp.net",
		ContactName: "Ana",
	})
	require.NoError(t, err)

	// Losing the insert race adopts the existing row.
	second, err := repo.ResolveOrCreate(context.Background(), nil, &types.Conversation{
		OwnerID:     ownerID,
		ExternalID:  "551111@s.whatsapp.net",
		InstanceKey: "main",
		ContactJID:  "551111@s.whatsapp.net",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "Ana", second.ContactName)

	// A different instance key is a different conversation.
	other, err := repo.ResolveOrCreate(context.Background(), nil, &types.Conversation{
		OwnerID:     ownerID,
		ExternalID:  "551111@s.whatsapp.net",
		InstanceKey: "backup",
		ContactJID:  "551111@s.whatsapp.net",
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestCreateIfAbsent_DeduplicatesOnExternalID(t *testing.T) {
	db, log := openTestDB(t)
	convRepo := NewConversationRepo(db, log)
	msgRepo := NewMessageRepo(db, log)
	ownerID := uuid.New()

	conv, err := convRepo.ResolveOrCreate(context.Background(), nil, &types.Conversation{
		OwnerID:     ownerID,
		ExternalID:  "551111@s.whatsapp.net",
		InstanceKey: "main",
		ContactJID:  "551111@s.whatsapp.net",
	})
	require.NoError(t, err)

	batch := func() []*types.Message {
		return []*types.Message{
			{
				ConversationID:    conv.ID,
				OwnerID:           ownerID,
				ExternalID:        "m1",
				Content:           "hello",
				Direction:         types.DirectionInbound,
				SenderRole:        types.SenderRoleContact,
				Status:            types.MessageStatusDelivered,
				ProviderTimestamp: time.Unix(100, 0).UTC(),
			},
			{
				ConversationID:    conv.ID,
				OwnerID:           ownerID,
				ExternalID:        "m2",
				Content:           "again",
				Direction:         types.DirectionInbound,
				SenderRole:        types.SenderRoleContact,
				Status:            types.MessageStatusDelivered,
				ProviderTimestamp: time.Unix(200, 0).UTC(),
			},
		}
	}

	inserted, err := msgRepo.CreateIfAbsent(context.Background(), nil, batch())
	require.NoError(t, err)
	require.EqualValues(t, 2, inserted)

	inserted, err = msgRepo.CreateIfAbsent(context.Background(), nil, batch())
	require.NoError(t, err)
	require.EqualValues(t, 0, inserted)

	count, err := msgRepo.CountByConversation(context.Background(), nil, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestApplyMessageAggregate_LastMessageOnlyMovesForward(t *testing.T) {
	db, log := openTestDB(t)
	repo := NewConversationRepo(db, log)
	ownerID := uuid.New()

	conv, err := repo.ResolveOrCreate(context.Background(), nil, &types.Conversation{
		OwnerID:     ownerID,
		ExternalID:  "551111@s.whatsapp.net",
		InstanceKey: "main",
		ContactJID:  "551111@s.whatsapp.net",
	})
	require.NoError(t, err)

	newer := time.Unix(200, 0).UTC()
	older := time.Unix(100, 0).UTC()

	require.NoError(t, repo.ApplyMessageAggregate(context.Background(), nil, conv.ID, MessageAggregate{
		CountDelta: 1, UnreadDelta: 1, LastAt: newer, LastPreview: "newer", LastFromMe: false,
	}))
	// An aggregate arriving out of order still counts but must not move the
	// last-message fields backwards.
	require.NoError(t, repo.ApplyMessageAggregate(context.Background(), nil, conv.ID, MessageAggregate{
		CountDelta: 1, LastAt: older, LastPreview: "older", LastFromMe: true,
	}))

	got, err := repo.GetByID(context.Background(), nil, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.MessageCount)
	require.EqualValues(t, 1, got.UnreadCount)
	require.Equal(t, "newer", got.LastMessagePreview)
	require.False(t, got.LastMessageFromMe)
	require.True(t, got.LastMessageAt.Equal(newer), "last_message_at = %v", got.LastMessageAt)
}

func TestListByOwner_FiltersStatusAndOrdersByRecency(t *testing.T) {
	db, log := openTestDB(t)
	repo := NewConversationRepo(db, log)
	ownerID := uuid.New()

	mk := func(jid string, at time.Time, status string) {
		conv, err := repo.ResolveOrCreate(context.Background(), nil, &types.Conversation{
			OwnerID: ownerID, ExternalID: jid, InstanceKey: "main", ContactJID: jid,
		})
		require.NoError(t, err)
		require.NoError(t, repo.ApplyMessageAggregate(context.Background(), nil, conv.ID, MessageAggregate{
			CountDelta: 1, LastAt: at, LastPreview: "p",
		}))
		if status != "" {
			require.NoError(t, repo.UpdateStatus(context.Background(), nil, conv.ID, status))
		}
	}
	mk("a@s.whatsapp.net", time.Unix(100, 0).UTC(), "")
	mk("b@s.whatsapp.net", time.Unix(300, 0).UTC(), "")
	mk("c@s.whatsapp.net", time.Unix(200, 0).UTC(), types.ConversationStatusArchived)

	all, err := repo.ListByOwner(context.Background(), nil, ownerID, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "b@s.whatsapp.net", all[0].ExternalID)

	active, err := repo.ListByOwner(context.Background(), nil, ownerID, types.ConversationStatusActive, 10, 0)
	require.NoError(t, err)
	require.Len(t, active, 2)
}
