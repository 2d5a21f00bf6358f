package repository

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupRepoTestDB creates an in-memory SQLite database with the full
// schema migrated.
func setupRepoTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Library{},
		&models.Video{},
		&models.Vmaf{},
		&models.VideoFailure{},
		&models.ServiceConfig{},
	))

	return db
}

// mustCreateVideo inserts a video and fails the test on error.
func mustCreateVideo(t *testing.T, db *gorm.DB, video *models.Video) *models.Video {
	t.Helper()
	require.NoError(t, db.Create(video).Error)
	return video
}
