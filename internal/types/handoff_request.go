package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	HandoffUrgencyLow    = "low"
	HandoffUrgencyMedium = "medium"
	HandoffUrgencyHigh   = "high"
)

const (
	HandoffStatusPending  = "pending"
	HandoffStatusAssigned = "assigned"
	HandoffStatusResolved = "resolved"
)

// HandoffRequest is the escalation ticket produced when the evaluator decides
// a conversation should leave automated handling. Agent-notification systems
// consume these rows externally.
type HandoffRequest struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_id"`
	ConversationID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"conversation_id"`
	Conversation    *Conversation  `gorm:"constraint:OnDelete:CASCADE;foreignKey:ConversationID;references:ID" json:"conversation,omitempty"`
	Reason          string         `gorm:"column:reason;not null" json:"reason"`
	Urgency         string         `gorm:"column:urgency;not null;default:'low'" json:"urgency"`
	Status          string         `gorm:"column:status;not null;default:'pending';index" json:"status"`
	AssignedAgentID *uuid.UUID     `gorm:"type:uuid;column:assigned_agent_id" json:"assigned_agent_id,omitempty"`
	ResolvedAt      *time.Time     `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (HandoffRequest) TableName() string { return "handoff_request" }
