package services

import (
	"context"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/replyflow/replyflow-backend/internal/logger"
	"github.com/replyflow/replyflow-backend/internal/types"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

// newTestDB opens a throwaway sqlite database with the same schema the
// postgres bootstrap migrates, so repo behavior can be exercised for real.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&types.Conversation{},
		&types.Message{},
		&types.HandoffRequest{},
		&types.KnowledgeChunk{},
		&types.SyncRun{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// cancelAfterMessageInsert arms a one-shot create callback that cancels the
// context right after the first insert into the message table, so the next
// statement in the same transaction fails mid-flight.
func cancelAfterMessageInsert(t *testing.T, db *gorm.DB, cancel context.CancelFunc) {
	t.Helper()
	armed := true
	err := db.Callback().Create().After("gorm:create").Register("test_cancel_after_message_insert", func(tx *gorm.DB) {
		if armed && tx.Statement != nil && tx.Statement.Table == "message" {
			armed = false
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
}
