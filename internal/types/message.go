package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeAudio    = "audio"
	MessageTypeVideo    = "video"
	MessageTypeDocument = "document"
	MessageTypeLocation = "location"
	MessageTypeContact  = "contact"
	MessageTypeSticker  = "sticker"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

const (
	SenderRoleContact   = "contact"
	SenderRoleAgent     = "agent"
	SenderRoleAssistant = "assistant"
)

const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

// Message is one inbound/outbound unit of communication. ExternalID is the
// provider message id and the store-wide dedup key: both ingestion paths
// insert with ON CONFLICT (external_id) DO NOTHING, which is the only
// synchronization between reconciliation workers and webhook deliveries.
type Message struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"conversation_id"`
	Conversation      *Conversation  `gorm:"constraint:OnDelete:CASCADE;foreignKey:ConversationID;references:ID" json:"conversation,omitempty"`
	OwnerID           uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_id"`
	ExternalID        string         `gorm:"column:external_id;not null;uniqueIndex:ux_message_external_id" json:"external_id"`
	Type              string         `gorm:"column:type;not null;default:'text'" json:"type"`
	Content           string         `gorm:"column:content;not null" json:"content"`
	Direction         string         `gorm:"column:direction;not null" json:"direction"`
	SenderRole        string         `gorm:"column:sender_role;not null" json:"sender_role"`
	SenderName        string         `gorm:"column:sender_name" json:"sender_name"`
	SenderJID         string         `gorm:"column:sender_jid" json:"sender_jid"`
	Status            string         `gorm:"column:status;not null;default:'pending'" json:"status"`
	ProviderTimestamp time.Time      `gorm:"column:provider_timestamp;not null;index" json:"provider_timestamp"`
	RawMetadata       datatypes.JSON `gorm:"type:jsonb;column:raw_metadata" json:"raw_metadata,omitempty"`
	AIGenerated       bool           `gorm:"column:ai_generated;not null;default:false" json:"ai_generated"`
	AIConfidence      *float64       `gorm:"column:ai_confidence" json:"ai_confidence,omitempty"`
	AIModel           string         `gorm:"column:ai_model" json:"ai_model,omitempty"`
	AILatencyMS       *int64         `gorm:"column:ai_latency_ms" json:"ai_latency_ms,omitempty"`
	AITokensUsed      *int           `gorm:"column:ai_tokens_used" json:"ai_tokens_used,omitempty"`
	RAGSources        datatypes.JSON `gorm:"type:jsonb;column:rag_sources" json:"rag_sources,omitempty"`
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Message) TableName() string { return "message" }
