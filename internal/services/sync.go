package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/replyflow/replyflow-backend/internal/clients/evolution"
	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/repos"
	"github.com/replyflow/replyflow-backend/internal/sse"
	"github.com/replyflow/replyflow-backend/internal/types"
)

// SyncService re-derives the conversation store from the provider's full
// message history. The run is idempotent: the conditional insert on
// external_message_id makes a second pass over unchanged provider data a
// no-op, and lets a run overlap safely with concurrently arriving webhooks.
type SyncService interface {
	Reconcile(ctx context.Context, ownerID uuid.UUID, instanceKey string) (*types.SyncProgress, error)
}

const (
	defaultSyncWorkers = 6
	maxFailedConvos    = 10
)

var errTooManyFailures = errors.New("too many failed conversations, aborting reconciliation")

type syncService struct {
	db       *gorm.DB
	log      *logger.Logger
	provider evolution.Client
	convRepo repos.ConversationRepo
	msgRepo  repos.MessageRepo
	runRepo  repos.SyncRunRepo
	hub      *sse.Hub
	workers  int
}

func NewSyncService(
	db *gorm.DB,
	log *logger.Logger,
	provider evolution.Client,
	convRepo repos.ConversationRepo,
	msgRepo repos.MessageRepo,
	runRepo repos.SyncRunRepo,
	hub *sse.Hub,
	workers int,
) SyncService {
	if workers <= 0 {
		workers = defaultSyncWorkers
	}
	return &syncService{
		db:       db,
		log:      log.With("service", "SyncService"),
		provider: provider,
		convRepo: convRepo,
		msgRepo:  msgRepo,
		runRepo:  runRepo,
		hub:      hub,
		workers:  workers,
	}
}

type conversationGroup struct {
	RemoteJid string
	Messages  []evolution.ProviderMessage
}

// groupProviderMessages buckets the flat provider list by conversation and
// orders groups by descending size so the largest threads show progress
// first. Ties break on jid for a deterministic order.
func groupProviderMessages(messages []evolution.ProviderMessage) []conversationGroup {
	buckets := make(map[string][]evolution.ProviderMessage)
	for _, pm := range messages {
		jid := pm.Key.RemoteJid
		if jid == "" {
			continue
		}
		buckets[jid] = append(buckets[jid], pm)
	}
	groups := make([]conversationGroup, 0, len(buckets))
	for jid, msgs := range buckets {
		groups = append(groups, conversationGroup{RemoteJid: jid, Messages: msgs})
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i].Messages) != len(groups[j].Messages) {
			return len(groups[i].Messages) > len(groups[j].Messages)
		}
		return groups[i].RemoteJid < groups[j].RemoteJid
	})
	return groups
}

func (s *syncService) Reconcile(ctx context.Context, ownerID uuid.UUID, instanceKey string) (*types.SyncProgress, error) {
	log := s.log.With("owner_id", ownerID, "instance", instanceKey)
	progress := &types.SyncProgress{
		Status:    types.SyncStatusSyncing,
		StartedAt: time.Now().UTC(),
	}

	run, err := s.runRepo.Create(ctx, nil, &types.SyncRun{
		OwnerID:     ownerID,
		InstanceKey: instanceKey,
		StartedAt:   progress.StartedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("create sync run: %w", err)
	}
	progress.RunID = run.ID

	messages, err := s.provider.ListAllMessages(ctx, instanceKey)
	if err != nil {
		log.Error("Provider history fetch failed", "error", err)
		progress.Status = types.SyncStatusError
		progress.Errors = append(progress.Errors, fmt.Sprintf("provider fetch: %v", err))
		s.finish(ctx, progress)
		return progress, err
	}

	groups := groupProviderMessages(messages)
	progress.TotalConversations = len(groups)
	progress.TotalMessages = len(messages)
	log.Info("Reconciliation started", "conversations", len(groups), "messages", len(messages))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, group := range groups {
		group := group
		g.Go(func() error {
			inserted, err := s.syncConversation(gctx, ownerID, instanceKey, group)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// One bad thread must not abort the run; a pile of them is a
				// systemic problem and does.
				progress.FailedConversations++
				progress.Errors = append(progress.Errors, fmt.Sprintf("conversation %s: %v", group.RemoteJid, err))
				log.Warn("Conversation sync failed", "remote_jid", group.RemoteJid, "error", err)
				if progress.FailedConversations > maxFailedConvos {
					return errTooManyFailures
				}
				return nil
			}
			progress.ProcessedConversations++
			progress.ProcessedMessages += len(group.Messages)
			progress.NewMessages += inserted
			if s.hub != nil {
				s.hub.Broadcast(ownerID, sse.EventSyncProgress, progress)
			}
			return nil
		})
	}

	runErr := g.Wait()
	progress.FinishedAt = time.Now().UTC()
	if runErr != nil {
		progress.Status = types.SyncStatusError
		s.finish(ctx, progress)
		log.Error("Reconciliation aborted", "failed_conversations", progress.FailedConversations)
		return progress, runErr
	}

	progress.Status = types.SyncStatusCompleted
	s.finish(ctx, progress)
	log.Info("Reconciliation completed",
		"conversations", progress.ProcessedConversations,
		"messages", progress.TotalMessages,
		"new_messages", progress.NewMessages,
		"failed", progress.FailedConversations,
	)
	return progress, nil
}

func (s *syncService) finish(ctx context.Context, progress *types.SyncProgress) {
	if progress.FinishedAt.IsZero() {
		progress.FinishedAt = time.Now().UTC()
	}
	if err := s.runRepo.Finish(ctx, nil, progress.RunID, progress); err != nil {
		s.log.Warn("Failed to persist sync run result", "run_id", progress.RunID, "error", err)
	}
}

func (s *syncService) syncConversation(ctx context.Context, ownerID uuid.UUID, instanceKey string, group conversationGroup) (int, error) {
	conv, err := s.convRepo.ResolveOrCreate(ctx, nil, &types.Conversation{
		OwnerID:     ownerID,
		ExternalID:  group.RemoteJid,
		InstanceKey: instanceKey,
		ContactJID:  group.RemoteJid,
		ContactName: firstPushName(group.Messages),
		IsGroup:     isGroupJid(group.RemoteJid),
	})
	if err != nil {
		return 0, fmt.Errorf("resolve conversation: %w", err)
	}

	normalized := make([]*types.Message, 0, len(group.Messages))
	ids := make([]string, 0, len(group.Messages))
	for _, pm := range group.Messages {
		m := NormalizeProviderMessage(ownerID, instanceKey, conv.ID, pm)
		normalized = append(normalized, m)
		ids = append(ids, m.ExternalID)
	}

	existing, err := s.msgRepo.ExistingExternalIDs(ctx, nil, conv.ID, ids)
	if err != nil {
		return 0, fmt.Errorf("lookup existing ids: %w", err)
	}
	fresh := make([]*types.Message, 0, len(normalized))
	for _, m := range normalized {
		if _, ok := existing[m.ExternalID]; !ok {
			fresh = append(fresh, m)
		}
	}

	now := time.Now().UTC()
	if len(fresh) == 0 {
		// Already fully synced; cheap no-op.
		if err := s.convRepo.MarkSynced(ctx, nil, conv.ID, now, types.SyncStatusCompleted); err != nil {
			return 0, err
		}
		return 0, nil
	}

	// Insert and aggregate bump commit together so a mid-run failure never
	// leaves stored messages uncounted.
	latest := latestMessage(normalized)
	var inserted int64
	err = s.db.Transaction(func(tx *gorm.DB) error {
		n, err := s.msgRepo.CreateIfAbsent(ctx, tx, fresh)
		if err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		inserted = n
		if n == 0 || latest == nil {
			return nil
		}
		if err := s.convRepo.ApplyMessageAggregate(ctx, tx, conv.ID, repos.MessageAggregate{
			CountDelta:  n,
			LastAt:      latest.ProviderTimestamp,
			LastPreview: messagePreview(latest.Content),
			LastFromMe:  latest.Direction == types.DirectionOutbound,
		}); err != nil {
			return fmt.Errorf("apply aggregate: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = s.convRepo.MarkSynced(ctx, nil, conv.ID, now, types.SyncStatusError)
		return 0, err
	}

	if err := s.convRepo.MarkSynced(ctx, nil, conv.ID, now, types.SyncStatusCompleted); err != nil {
		return int(inserted), err
	}
	return int(inserted), nil
}

// latestMessage picks the newest message by provider timestamp with
// external_id as the stable tiebreaker.
func latestMessage(msgs []*types.Message) *types.Message {
	var latest *types.Message
	for _, m := range msgs {
		if latest == nil ||
			m.ProviderTimestamp.After(latest.ProviderTimestamp) ||
			(m.ProviderTimestamp.Equal(latest.ProviderTimestamp) && m.ExternalID > latest.ExternalID) {
			latest = m
		}
	}
	return latest
}

func firstPushName(msgs []evolution.ProviderMessage) string {
	for _, pm := range msgs {
		if !pm.Key.FromMe && pm.PushName != "" {
			return pm.PushName
		}
	}
	return ""
}

func isGroupJid(jid string) bool {
	const groupSuffix = "@g.us"
	return len(jid) > len(groupSuffix) && jid[len(jid)-len(groupSuffix):] == groupSuffix
}
