package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SyncRun is the persisted record of one reconciliation invocation.
type SyncRun struct {
	ID                     uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID                uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_id"`
	InstanceKey            string         `gorm:"column:instance_key;not null;index" json:"instance_key"`
	Status                 string         `gorm:"column:status;not null;default:'syncing'" json:"status"`
	TotalConversations     int            `gorm:"column:total_conversations;not null;default:0" json:"total_conversations"`
	ProcessedConversations int            `gorm:"column:processed_conversations;not null;default:0" json:"processed_conversations"`
	TotalMessages          int            `gorm:"column:total_messages;not null;default:0" json:"total_messages"`
	NewMessages            int            `gorm:"column:new_messages;not null;default:0" json:"new_messages"`
	Errors                 datatypes.JSON `gorm:"type:jsonb;column:errors" json:"errors,omitempty"`
	StartedAt              time.Time      `gorm:"column:started_at;not null" json:"started_at"`
	FinishedAt             *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt              time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt              gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (SyncRun) TableName() string { return "sync_run" }

// SyncProgress is the in-memory aggregate returned by one reconciliation run.
type SyncProgress struct {
	RunID                  uuid.UUID `json:"run_id"`
	Status                 string    `json:"status"`
	TotalConversations     int       `json:"total_conversations"`
	ProcessedConversations int       `json:"processed_conversations"`
	TotalMessages          int       `json:"total_messages"`
	ProcessedMessages      int       `json:"processed_messages"`
	NewMessages            int       `json:"new_messages"`
	FailedConversations    int       `json:"failed_conversations"`
	Errors                 []string  `json:"errors,omitempty"`
	StartedAt              time.Time `json:"started_at"`
	FinishedAt             time.Time `json:"finished_at"`
}
