// pkg/db/repository.go
package db

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smith3v/flashsync/pkg/config"
	"github.com/smith3v/flashsync/pkg/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Export DB variable
var DB *gorm.DB

func InitDB(cfg config.DatabaseConfig) error {
	gdb, err := Open(cfg, config.AppConfig.Logging.GormLevel)
	if err != nil {
		return err
	}
	if err := Migrate(gdb); err != nil {
		logger.Error("failed to auto-migrate database", "error", err)
		return err
	}
	DB = gdb
	return nil
}

// Open connects to the configured database without migrating it.
func Open(cfg config.DatabaseConfig, gormLevel string) (*gorm.DB, error) {
	gormLogger, gormErr := newQueryLogger(gormLevel)
	if gormErr != nil {
		logger.Error("invalid gorm log level", "value", gormLevel, "error", gormErr)
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dsn := "host=" + cfg.Host +
			" user=" + cfg.User +
			" password=" + cfg.Password +
			" dbname=" + cfg.DBName +
			" port=" + strconv.Itoa(cfg.Port) +
			" sslmode=" + cfg.SSLMode +
			" TimeZone=UTC"
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dsn := cfg.Path
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000&_foreign_keys=on"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger, NowFunc: utcNow})
	if err != nil {
		logger.Error("failed to connect to database", "driver", cfg.Driver, "error", err)
		return nil, err
	}
	if cfg.Driver != "postgres" {
		// sqlite allows a single writer.
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return gdb, nil
}

// Migrate creates the schema and the pending-operation dedup index.
func Migrate(gdb *gorm.DB) error {
	if gdb == nil {
		return nil
	}
	if err := gdb.AutoMigrate(&Deck{}, &Card{}, &ReviewEvent{}, &SyncOperation{}, &StudySession{}); err != nil {
		return err
	}
	return migratePendingDedupIndex(gdb)
}

// At most one pending operation may exist per entity and kind. Both sqlite and
// postgres support partial unique indexes.
func migratePendingDedupIndex(gdb *gorm.DB) error {
	return gdb.Exec(`
CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_operations_pending_dedup
ON sync_operations (entity_type, entity_id, kind)
WHERE status = 'pending'
`).Error
}

func utcNow() time.Time {
	return time.Now().UTC()
}
