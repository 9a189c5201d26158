package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ConversationStatusActive    = "active"
	ConversationStatusResolved  = "resolved"
	ConversationStatusArchived  = "archived"
	ConversationStatusHandedOff = "handed_off"
)

const (
	SyncStatusPending   = "pending"
	SyncStatusSyncing   = "syncing"
	SyncStatusCompleted = "completed"
	SyncStatusError     = "error"
)

// Conversation is one thread with one external contact on one provider
// instance. (owner_id, external_id, instance_key) is the natural key shared
// by the reconciliation and webhook ingestion paths.
type Conversation struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID            uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:ux_conversation_natural_key,priority:1" json:"owner_id"`
	ExternalID         string         `gorm:"column:external_id;not null;uniqueIndex:ux_conversation_natural_key,priority:2" json:"external_id"`
	InstanceKey        string         `gorm:"column:instance_key;not null;uniqueIndex:ux_conversation_natural_key,priority:3" json:"instance_key"`
	ContactJID         string         `gorm:"column:contact_jid;not null" json:"contact_jid"`
	ContactName        string         `gorm:"column:contact_name" json:"contact_name"`
	Status             string         `gorm:"column:status;not null;default:'active';index" json:"status"`
	MessageCount       int64          `gorm:"column:message_count;not null;default:0" json:"message_count"`
	UnreadCount        int64          `gorm:"column:unread_count;not null;default:0" json:"unread_count"`
	LastMessageAt      *time.Time     `gorm:"column:last_message_at;index" json:"last_message_at,omitempty"`
	LastMessagePreview string         `gorm:"column:last_message_preview" json:"last_message_preview"`
	LastMessageFromMe  bool           `gorm:"column:last_message_from_me" json:"last_message_from_me"`
	IsGroup            bool           `gorm:"column:is_group;not null;default:false" json:"is_group"`
	Participants       datatypes.JSON `gorm:"type:jsonb;column:participants" json:"participants,omitempty"`
	ContactMetadata    datatypes.JSON `gorm:"type:jsonb;column:contact_metadata" json:"contact_metadata,omitempty"`
	LastSyncedAt       *time.Time     `gorm:"column:last_synced_at" json:"last_synced_at,omitempty"`
	SyncStatus         string         `gorm:"column:sync_status;not null;default:'pending'" json:"sync_status"`
	CreatedAt          time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Conversation) TableName() string { return "conversation" }
