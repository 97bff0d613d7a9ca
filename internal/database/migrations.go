package database

import (
	"errors"
	"time"

	"github.com/wavelink/backend/internal/messaging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationOrderDirectChannelPairs = "2024-06-01_order_direct_channel_pairs"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationOrderDirectChannelPairs, apply: orderDirectChannelPairs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// orderDirectChannelPairs swaps participant columns of direct channels
// written with the larger id first, so pair lookups hit the unique index.
func orderDirectChannelPairs(db *gorm.DB) error {
	return db.Model(&messaging.Channel{}).
		Where("low_user_id > high_user_id").
		Updates(map[string]interface{}{
			"low_user_id":  gorm.Expr("high_user_id"),
			"high_user_id": gorm.Expr("low_user_id"),
		}).Error
}
