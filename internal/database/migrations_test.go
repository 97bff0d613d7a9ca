package database

import (
	"path/filepath"
	"testing"

	"github.com/wavelink/backend/internal/messaging"
	"github.com/wavelink/backend/internal/relationships"
	"github.com/wavelink/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"

	sqlite "github.com/glebarez/sqlite"
)

func TestApplyMigrationsOrdersDirectChannelPairs(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	testContext.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.AutoMigrate(&messaging.Channel{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	channel := messaging.Channel{ID: 77, Type: messaging.ChannelTypeDirect, LowUserID: 9, HighUserID: 3}
	if err := database.Create(&channel).Error; err != nil {
		testContext.Fatalf("failed to insert channel: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored messaging.Channel
	if err := database.Where("id = ?", channel.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload channel: %v", err)
	}
	if stored.LowUserID != 3 || stored.HighUserID != 9 {
		testContext.Fatalf("expected ordered pair (3, 9), got (%d, %d)", stored.LowUserID, stored.HighUserID)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationOrderDirectChannelPairs).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// A second run is a no-op.
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "wavelink.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	defer sqlDB.Close()

	for _, model := range []interface{}{&users.User{}, &relationships.Relationship{}, &messaging.Channel{}, &messaging.Message{}} {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}
