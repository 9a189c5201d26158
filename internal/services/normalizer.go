package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/replyflow/replyflow-backend/internal/clients/evolution"
	"github.com/replyflow/replyflow-backend/internal/types"
)

// NormalizeProviderMessage maps one provider message into the canonical store
// type. Unrecognized provider subtypes degrade to text so they stay visible
// to retrieval instead of being dropped.
func NormalizeProviderMessage(ownerID uuid.UUID, instanceKey string, conversationID uuid.UUID, pm evolution.ProviderMessage) *types.Message {
	msgType := normalizeMessageType(pm)
	content := extractContent(pm, msgType)

	direction := types.DirectionInbound
	senderRole := types.SenderRoleContact
	if pm.Key.FromMe {
		direction = types.DirectionOutbound
		senderRole = types.SenderRoleAgent
	}

	ts := providerTime(pm.MessageTimestamp)

	senderJid := pm.Key.RemoteJid
	if pm.Key.Participant != "" {
		senderJid = pm.Key.Participant
	} else if pm.Participant != "" {
		senderJid = pm.Participant
	}

	raw := pm.Raw
	if raw == nil {
		if encoded, err := json.Marshal(pm); err == nil {
			raw = encoded
		}
	}

	return &types.Message{
		ConversationID:    conversationID,
		OwnerID:           ownerID,
		ExternalID:        dedupKey(pm, instanceKey, content),
		Type:              msgType,
		Content:           content,
		Direction:         direction,
		SenderRole:        senderRole,
		SenderName:        pm.PushName,
		SenderJID:         senderJid,
		Status:            normalizeStatus(pm.Status, pm.Key.FromMe),
		ProviderTimestamp: ts,
		RawMetadata:       datatypes.JSON(raw),
	}
}

// dedupKey returns the provider message id, or a deterministic synthesized
// key when the provider omitted one, so retried deliveries stay idempotent.
func dedupKey(pm evolution.ProviderMessage, instanceKey string, content string) string {
	if id := strings.TrimSpace(pm.Key.ID); id != "" {
		return id
	}
	direction := "in"
	if pm.Key.FromMe {
		direction = "out"
	}
	seed := fmt.Sprintf("%s|%s|%d|%s|%s", instanceKey, pm.Key.RemoteJid, pm.MessageTimestamp, direction, content)
	sum := sha256.Sum256([]byte(seed))
	return "syn-" + hex.EncodeToString(sum[:])[:32]
}

func normalizeMessageType(pm evolution.ProviderMessage) string {
	if c := pm.Message; c != nil {
		switch {
		case c.Conversation != "" || c.ExtendedTextMessage != nil:
			return types.MessageTypeText
		case c.ImageMessage != nil:
			return types.MessageTypeImage
		case c.AudioMessage != nil:
			return types.MessageTypeAudio
		case c.VideoMessage != nil:
			return types.MessageTypeVideo
		case c.DocumentMessage != nil:
			return types.MessageTypeDocument
		case c.LocationMessage != nil:
			return types.MessageTypeLocation
		case c.ContactMessage != nil:
			return types.MessageTypeContact
		case c.StickerMessage != nil:
			return types.MessageTypeSticker
		}
	}
	switch pm.MessageType {
	case "conversation", "extendedTextMessage":
		return types.MessageTypeText
	case "imageMessage":
		return types.MessageTypeImage
	case "audioMessage":
		return types.MessageTypeAudio
	case "videoMessage":
		return types.MessageTypeVideo
	case "documentMessage", "documentWithCaptionMessage":
		return types.MessageTypeDocument
	case "locationMessage", "liveLocationMessage":
		return types.MessageTypeLocation
	case "contactMessage", "contactsArrayMessage":
		return types.MessageTypeContact
	case "stickerMessage":
		return types.MessageTypeSticker
	default:
		return types.MessageTypeText
	}
}

// extractContent prefers plain text, then extended text, then a type-tagged
// caption, then the bare type tag. Text messages without a body become
// "[Unknown]" so they still show up in previews and retrieval.
func extractContent(pm evolution.ProviderMessage, msgType string) string {
	c := pm.Message
	if c != nil {
		if text := strings.TrimSpace(c.Conversation); text != "" {
			return text
		}
		if c.ExtendedTextMessage != nil {
			if text := strings.TrimSpace(c.ExtendedTextMessage.Text); text != "" {
				return text
			}
		}
	}

	tag := typeTag(msgType)
	if c != nil {
		if caption := typeCaption(c); caption != "" {
			return tag + " " + caption
		}
	}
	if msgType == types.MessageTypeText {
		// Unknown subtypes and body-less text keep a visible placeholder.
		return "[Unknown]"
	}
	return tag
}

func typeCaption(c *evolution.MessageContent) string {
	switch {
	case c.ImageMessage != nil:
		return strings.TrimSpace(c.ImageMessage.Caption)
	case c.VideoMessage != nil:
		return strings.TrimSpace(c.VideoMessage.Caption)
	case c.DocumentMessage != nil:
		if caption := strings.TrimSpace(c.DocumentMessage.Caption); caption != "" {
			return caption
		}
		return strings.TrimSpace(c.DocumentMessage.FileName)
	case c.LocationMessage != nil:
		return strings.TrimSpace(c.LocationMessage.Name)
	case c.ContactMessage != nil:
		return strings.TrimSpace(c.ContactMessage.DisplayName)
	default:
		return ""
	}
}

func typeTag(msgType string) string {
	switch msgType {
	case types.MessageTypeImage:
		return "[Image]"
	case types.MessageTypeAudio:
		return "[Audio]"
	case types.MessageTypeVideo:
		return "[Video]"
	case types.MessageTypeDocument:
		return "[Document]"
	case types.MessageTypeLocation:
		return "[Location]"
	case types.MessageTypeContact:
		return "[Contact]"
	case types.MessageTypeSticker:
		return "[Sticker]"
	default:
		return "[Text]"
	}
}

func normalizeStatus(providerStatus string, fromMe bool) string {
	switch strings.ToUpper(strings.TrimSpace(providerStatus)) {
	case "PENDING":
		return types.MessageStatusPending
	case "SERVER_ACK":
		return types.MessageStatusSent
	case "DELIVERY_ACK":
		return types.MessageStatusDelivered
	case "READ", "PLAYED":
		return types.MessageStatusRead
	case "ERROR":
		return types.MessageStatusFailed
	}
	if fromMe {
		return types.MessageStatusPending
	}
	return types.MessageStatusDelivered
}

// providerTime treats timestamps as unix seconds unless they are obviously
// milliseconds.
func providerTime(ts int64) time.Time {
	if ts <= 0 {
		return time.Now().UTC()
	}
	if ts > 1e12 {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}

func messagePreview(content string) string {
	const maxPreview = 120
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= maxPreview {
		return content
	}
	runes := []rune(content)
	return string(runes[:maxPreview-1]) + "…"
}
