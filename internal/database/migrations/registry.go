// Package migrations provides database migration management for reencodarr.
package migrations

import (
	"github.com/mjc/reencodarr/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
// - 001: Schema creation using GORM AutoMigrate
// - 002: Normalize zero bitrates reported by older probe versions
// - 003: Clear duplicate chosen flags left by interrupted CRF searches
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002NormalizeBitrates(),
		migration003DedupeChosenVmafs(),
	}
}

// migration001Schema creates all database tables using GORM AutoMigrate.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create all database tables",
		Up: func(tx *gorm.DB) error {
			// AutoMigrate all models in dependency order
			return tx.AutoMigrate(
				&models.Library{},
				&models.Video{},
				&models.Vmaf{},
				&models.VideoFailure{},
				&models.ServiceConfig{},
			)
		},
		Down: func(tx *gorm.DB) error {
			// Drop tables in reverse dependency order
			tables := []string{
				"service_configs",
				"video_failures",
				"vmafs",
				"videos",
				"libraries",
			}
			for _, table := range tables {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

// migration002NormalizeBitrates replaces negative bitrate sentinels with
// zero. Early probe code stored -1 when the container reported nothing;
// the selectors expect 0 to mean missing.
func migration002NormalizeBitrates() Migration {
	return Migration{
		Version:     "002",
		Description: "Normalize negative bitrates to zero",
		Up: func(tx *gorm.DB) error {
			return tx.Model(&models.Video{}).
				Where("bitrate < 0").
				Update("bitrate", 0).Error
		},
		Down: func(tx *gorm.DB) error {
			// No-op: the original sentinel values are not recoverable
			return nil
		},
	}
}

// migration003DedupeChosenVmafs clears chosen flags on videos that have
// more than one chosen sample. A crash between clearing the old flag
// and setting the new one could leave two; the CRF search stage will
// re-pick on its next pass.
func migration003DedupeChosenVmafs() Migration {
	return Migration{
		Version:     "003",
		Description: "Clear duplicate chosen VMAF flags",
		Up: func(tx *gorm.DB) error {
			var videoIDs []models.ULID
			err := tx.Model(&models.Vmaf{}).
				Select("video_id").
				Where("chosen = ?", true).
				Group("video_id").
				Having("COUNT(*) > 1").
				Find(&videoIDs).Error
			if err != nil {
				return err
			}
			if len(videoIDs) == 0 {
				return nil
			}
			return tx.Model(&models.Vmaf{}).
				Where("video_id IN ?", videoIDs).
				Update("chosen", false).Error
		},
		Down: func(tx *gorm.DB) error {
			// No-op
			return nil
		},
	}
}
