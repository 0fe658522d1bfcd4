package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smith3v/flashsync/pkg/db"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dbCounter atomic.Int64

// SetupTestDB opens a private in-memory sqlite database, migrates it and
// installs it as db.DB for the duration of the test.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := fmt.Sprintf("file:flashsync_test_%d?mode=memory&cache=shared", dbCounter.Add(1))
	gdb, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("failed to open sqlite database: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("failed to access underlying DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db.DB = gdb
	t.Cleanup(func() {
		if err := sqlDB.Close(); err != nil {
			t.Fatalf("failed to close database: %v", err)
		}
		db.DB = nil
	})
	return gdb
}

// SetupTestStore returns a Store over a fresh in-memory database.
func SetupTestStore(t *testing.T) *db.Store {
	t.Helper()
	return db.NewStore(SetupTestDB(t))
}
