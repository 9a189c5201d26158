package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// KnowledgeChunk mirrors the content side of the vector index so that a
// generated reply's provenance stays auditable even if the index is rebuilt.
// Retrieval itself always goes through the vector index, never this table.
type KnowledgeChunk struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_id"`
	SourceID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"source_id"`
	SourceType string         `gorm:"column:source_type;not null" json:"source_type"`
	Index      int            `gorm:"column:index;not null" json:"index"`
	Text       string         `gorm:"column:text;not null" json:"text"`
	Metadata   datatypes.JSON `gorm:"type:jsonb;column:metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (KnowledgeChunk) TableName() string { return "knowledge_chunk" }
