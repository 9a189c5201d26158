package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/replyflow/replyflow-backend/internal/clients/evolution"
	redisclient "github.com/replyflow/replyflow-backend/internal/clients/redis"
	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/repos"
	"github.com/replyflow/replyflow-backend/internal/sse"
	"github.com/replyflow/replyflow-backend/internal/types"
)

// EventProcessor applies one provider webhook to the store, using the same
// conditional-insert merge contract as the reconciliation engine so a message
// observed by both paths lands exactly once.
type EventProcessor interface {
	Handle(ctx context.Context, ownerID uuid.UUID, event evolution.WebhookEvent) error
}

type eventProcessor struct {
	db        *gorm.DB
	log       *logger.Logger
	convRepo  repos.ConversationRepo
	msgRepo   repos.MessageRepo
	cache     redisclient.StateCache
	hub       *sse.Hub
	autoReply AutoReplyService
}

func NewEventProcessor(
	db *gorm.DB,
	log *logger.Logger,
	convRepo repos.ConversationRepo,
	msgRepo repos.MessageRepo,
	cache redisclient.StateCache,
	hub *sse.Hub,
	autoReply AutoReplyService,
) EventProcessor {
	return &eventProcessor{
		db:        db,
		log:       log.With("service", "EventProcessor"),
		convRepo:  convRepo,
		msgRepo:   msgRepo,
		cache:     cache,
		hub:       hub,
		autoReply: autoReply,
	}
}

func (p *eventProcessor) Handle(ctx context.Context, ownerID uuid.UUID, event evolution.WebhookEvent) error {
	log := p.log.With("event", event.Event, "instance", event.Instance)
	switch event.Event {
	case "messages.upsert":
		return p.handleMessageUpsert(ctx, ownerID, event, log)
	case "messages.update":
		return p.handleMessageUpdate(ctx, event, log)
	case "messages.delete":
		return p.handleMessageDelete(ctx, event, log)
	case "contacts.update":
		return p.handleContactUpdate(ctx, ownerID, event, log)
	case "presence.update":
		return p.handlePresenceUpdate(ctx, event, log)
	case "chats.upsert", "chats.update":
		return p.handleChatUpdate(ctx, ownerID, event, log)
	case "chats.delete":
		return p.handleChatDelete(ctx, ownerID, event, log)
	case "connection.update":
		return p.handleConnectionUpdate(ctx, event, log)
	default:
		// Unknown event kinds are acknowledged, never fatal.
		log.Info("Ignoring unknown webhook event kind")
		return nil
	}
}

func (p *eventProcessor) handleMessageUpsert(ctx context.Context, ownerID uuid.UUID, event evolution.WebhookEvent, log *logger.Logger) error {
	pm, err := decodeProviderMessage(event.Data)
	if err != nil {
		return fmt.Errorf("decode messages.upsert: %w", err)
	}
	if pm.Key.RemoteJid == "" {
		return fmt.Errorf("messages.upsert without remoteJid")
	}

	// Short-TTL hint against the provider's immediate redeliveries; the DB
	// unique index stays authoritative. The slot is released on any store
	// failure below, so the provider's retry is not discarded as seen.
	seenKey := ""
	if p.cache != nil && pm.Key.ID != "" {
		seenKey = event.Instance + ":" + pm.Key.ID
		seen, err := p.cache.MarkEventSeen(ctx, seenKey)
		if err != nil {
			log.Warn("Webhook dedup cache unavailable", "error", err)
			seenKey = ""
		} else if seen {
			log.Debug("Duplicate webhook delivery, skipping", "remote_jid", pm.Key.RemoteJid)
			return nil
		}
	}

	conv, err := p.convRepo.ResolveOrCreate(ctx, nil, &types.Conversation{
		OwnerID:     ownerID,
		ExternalID:  pm.Key.RemoteJid,
		InstanceKey: event.Instance,
		ContactJID:  pm.Key.RemoteJid,
		ContactName: pm.PushName,
		IsGroup:     isGroupJid(pm.Key.RemoteJid),
	})
	if err != nil {
		p.releaseEventSeen(ctx, seenKey, log)
		return fmt.Errorf("resolve conversation: %w", err)
	}

	// Insert and aggregate bump commit together: a message must never land
	// without its conversation counters.
	msg := NormalizeProviderMessage(ownerID, event.Instance, conv.ID, *pm)
	var inserted int64
	err = p.db.Transaction(func(tx *gorm.DB) error {
		n, err := p.msgRepo.CreateIfAbsent(ctx, tx, []*types.Message{msg})
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		inserted = n
		if n == 0 {
			// Already stored by the other ingestion path.
			return nil
		}
		var unreadDelta int64
		if msg.Direction == types.DirectionInbound {
			unreadDelta = 1
		}
		if err := p.convRepo.ApplyMessageAggregate(ctx, tx, conv.ID, repos.MessageAggregate{
			CountDelta:  n,
			UnreadDelta: unreadDelta,
			LastAt:      msg.ProviderTimestamp,
			LastPreview: messagePreview(msg.Content),
			LastFromMe:  msg.Direction == types.DirectionOutbound,
		}); err != nil {
			return fmt.Errorf("apply aggregate: %w", err)
		}
		return nil
	})
	if err != nil {
		p.releaseEventSeen(ctx, seenKey, log)
		return err
	}
	if inserted == 0 {
		return nil
	}

	if p.hub != nil {
		p.hub.Broadcast(ownerID, sse.EventMessageCreated, msg)
	}

	if p.autoReply != nil && msg.Direction == types.DirectionInbound && conv.Status == types.ConversationStatusActive {
		p.autoReply.HandleInbound(ctx, conv, msg)
	}
	return nil
}

// releaseEventSeen frees a claimed dedup slot after a failed store attempt.
// The request context may already be dead at this point, so the delete runs
// detached from it.
func (p *eventProcessor) releaseEventSeen(ctx context.Context, seenKey string, log *logger.Logger) {
	if p.cache == nil || seenKey == "" {
		return
	}
	if err := p.cache.ForgetEvent(context.WithoutCancel(ctx), seenKey); err != nil {
		log.Warn("Failed to release webhook dedup slot", "key", seenKey, "error", err)
	}
}

// decodeProviderMessage accepts both the bare message object and the batched
// {messages:[...]} wrapper some gateway versions send.
func decodeProviderMessage(data json.RawMessage) (*evolution.ProviderMessage, error) {
	var pm evolution.ProviderMessage
	if err := json.Unmarshal(data, &pm); err == nil && pm.Key.RemoteJid != "" {
		pm.Raw = data
		return &pm, nil
	}
	var wrapper struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Messages) > 0 {
		var first evolution.ProviderMessage
		if err := json.Unmarshal(wrapper.Messages[0], &first); err == nil {
			first.Raw = wrapper.Messages[0]
			return &first, nil
		}
	}
	return nil, errors.New("unrecognized message payload shape")
}

func (p *eventProcessor) handleMessageUpdate(ctx context.Context, event evolution.WebhookEvent, log *logger.Logger) error {
	var data evolution.MessageUpdateData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return fmt.Errorf("decode messages.update: %w", err)
	}
	if data.KeyID == "" {
		return fmt.Errorf("messages.update without keyId")
	}
	status := normalizeStatus(data.Status, data.FromMe)
	if err := p.msgRepo.UpdateStatusByExternalID(ctx, nil, data.KeyID, status); err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}

func (p *eventProcessor) handleMessageDelete(ctx context.Context, event evolution.WebhookEvent, log *logger.Logger) error {
	var data evolution.MessageUpdateData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return fmt.Errorf("decode messages.delete: %w", err)
	}
	if data.KeyID == "" {
		return fmt.Errorf("messages.delete without keyId")
	}
	if err := p.msgRepo.SoftDeleteByExternalID(ctx, nil, data.KeyID); err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	return nil
}

func (p *eventProcessor) handleContactUpdate(ctx context.Context, ownerID uuid.UUID, event evolution.WebhookEvent, log *logger.Logger) error {
	var data evolution.ContactUpdateData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return fmt.Errorf("decode contacts.update: %w", err)
	}
	if data.RemoteJid == "" {
		return fmt.Errorf("contacts.update without remoteJid")
	}
	conv, err := p.convRepo.GetByNaturalKey(ctx, nil, ownerID, data.RemoteJid, event.Instance)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Debug("Contact update for unknown conversation, ignoring", "remote_jid", data.RemoteJid)
			return nil
		}
		return err
	}
	meta := map[string]any{
		"is_group": data.IsGroup,
	}
	if data.ProfilePicURL != "" {
		meta["profile_pic_url"] = data.ProfilePicURL
	}
	if len(data.Participants) > 0 {
		meta["participants"] = data.Participants
	}
	for k, v := range data.Extra {
		meta[k] = v
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return p.convRepo.UpdateContact(ctx, nil, conv.ID, data.PushName, raw)
}

func (p *eventProcessor) handlePresenceUpdate(ctx context.Context, event evolution.WebhookEvent, log *logger.Logger) error {
	var data evolution.PresenceUpdateData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return fmt.Errorf("decode presence.update: %w", err)
	}
	if p.cache == nil || data.RemoteJid == "" {
		return nil
	}
	if err := p.cache.SetPresence(ctx, event.Instance, data.RemoteJid, data.Presence); err != nil {
		log.Warn("Failed to cache presence", "error", err)
	}
	return nil
}

func (p *eventProcessor) handleChatUpdate(ctx context.Context, ownerID uuid.UUID, event evolution.WebhookEvent, log *logger.Logger) error {
	var data evolution.ChatUpdateData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return fmt.Errorf("decode chat update: %w", err)
	}
	if data.RemoteJid == "" {
		return fmt.Errorf("chat update without remoteJid")
	}
	conv, err := p.convRepo.ResolveOrCreate(ctx, nil, &types.Conversation{
		OwnerID:     ownerID,
		ExternalID:  data.RemoteJid,
		InstanceKey: event.Instance,
		ContactJID:  data.RemoteJid,
		ContactName: data.Name,
		IsGroup:     isGroupJid(data.RemoteJid),
	})
	if err != nil {
		return err
	}
	if data.Name != "" && data.Name != conv.ContactName {
		if err := p.convRepo.UpdateContact(ctx, nil, conv.ID, data.Name, nil); err != nil {
			return err
		}
	}
	if data.UnreadCount != nil {
		if err := p.convRepo.SetUnreadCount(ctx, nil, conv.ID, *data.UnreadCount); err != nil {
			return err
		}
	}
	if data.Archived && conv.Status != types.ConversationStatusArchived {
		if err := p.convRepo.UpdateStatus(ctx, nil, conv.ID, types.ConversationStatusArchived); err != nil {
			return err
		}
	}
	return nil
}

func (p *eventProcessor) handleChatDelete(ctx context.Context, ownerID uuid.UUID, event evolution.WebhookEvent, log *logger.Logger) error {
	var data evolution.ChatUpdateData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return fmt.Errorf("decode chats.delete: %w", err)
	}
	if data.RemoteJid == "" {
		return fmt.Errorf("chats.delete without remoteJid")
	}
	conv, err := p.convRepo.GetByNaturalKey(ctx, nil, ownerID, data.RemoteJid, event.Instance)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	// Conversations are never hard-deleted, only archived.
	return p.convRepo.UpdateStatus(ctx, nil, conv.ID, types.ConversationStatusArchived)
}

func (p *eventProcessor) handleConnectionUpdate(ctx context.Context, event evolution.WebhookEvent, log *logger.Logger) error {
	var data evolution.ConnectionUpdateData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return fmt.Errorf("decode connection.update: %w", err)
	}
	log.Info("Provider connection state changed", "state", data.State)
	if p.cache == nil {
		return nil
	}
	if err := p.cache.SetConnectionState(ctx, event.Instance, data.State); err != nil {
		log.Warn("Failed to cache connection state", "error", err)
	}
	return nil
}
