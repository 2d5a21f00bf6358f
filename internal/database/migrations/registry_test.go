package migrations

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return db
}

func TestAllMigrations_ReturnsExpectedCount(t *testing.T) {
	migrations := AllMigrations()

	// Migrations:
	// 001: Create all database tables (schema)
	// 002: Normalize negative bitrates to zero
	// 003: Clear duplicate chosen VMAF flags
	assert.Len(t, migrations, 3)
}

func TestAllMigrations_VersionsAreUnique(t *testing.T) {
	migrations := AllMigrations()
	versions := make(map[string]bool)

	for _, m := range migrations {
		assert.False(t, versions[m.Version], "duplicate version: %s", m.Version)
		versions[m.Version] = true
	}
}

func TestAllMigrations_VersionsAreOrdered(t *testing.T) {
	migrations := AllMigrations()

	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version,
			"migrations should be in ascending version order")
	}
}

func TestMigrator_Up_AllMigrations(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	err := migrator.Up(ctx)
	require.NoError(t, err)

	// Verify all tables exist
	assert.True(t, db.Migrator().HasTable("libraries"))
	assert.True(t, db.Migrator().HasTable("videos"))
	assert.True(t, db.Migrator().HasTable("vmafs"))
	assert.True(t, db.Migrator().HasTable("video_failures"))
	assert.True(t, db.Migrator().HasTable("service_configs"))
}

func TestMigrator_Up_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	// Run migrations twice - should not error
	err := migrator.Up(ctx)
	require.NoError(t, err)

	err = migrator.Up(ctx)
	require.NoError(t, err)
}

func TestMigrator_Status(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	// Before running migrations
	statuses, err := migrator.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, statuses, 3)

	for _, s := range statuses {
		assert.False(t, s.Applied)
		assert.Nil(t, s.AppliedAt)
	}

	// After running migrations
	err = migrator.Up(ctx)
	require.NoError(t, err)

	statuses, err = migrator.Status(ctx)
	require.NoError(t, err)

	for _, s := range statuses {
		assert.True(t, s.Applied)
		assert.NotNil(t, s.AppliedAt)
	}
}

func TestMigrator_Down_RollsBackLastMigration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	err := migrator.Up(ctx)
	require.NoError(t, err)

	assert.True(t, db.Migrator().HasTable("videos"))
	assert.True(t, db.Migrator().HasTable("vmafs"))

	// Roll back migration 003 (chosen flag dedupe - no-op down)
	err = migrator.Down(ctx)
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable("vmafs"))

	// Roll back migration 002 (bitrate normalization - no-op down)
	err = migrator.Down(ctx)
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable("videos"))

	// Roll back migration 001 (schema)
	err = migrator.Down(ctx)
	require.NoError(t, err)

	assert.False(t, db.Migrator().HasTable("videos"))
	assert.False(t, db.Migrator().HasTable("vmafs"))
	assert.False(t, db.Migrator().HasTable("libraries"))
}

func TestMigrator_Pending(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	// All should be pending initially
	pending, err := migrator.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	// Run migrations
	err = migrator.Up(ctx)
	require.NoError(t, err)

	// None should be pending
	pending, err = migrator.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 0)
}

func TestMigrations_CanInsertData(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	err := migrator.Up(ctx)
	require.NoError(t, err)

	library := &models.Library{Name: "Movies", Path: "/media/movies"}
	require.NoError(t, db.Create(library).Error)
	assert.False(t, library.ID.IsZero())

	video := &models.Video{
		Path:      "/media/movies/example.mkv",
		State:     models.VideoStateNeedsAnalysis,
		LibraryID: &library.ID,
	}
	require.NoError(t, db.Create(video).Error)
	assert.False(t, video.ID.IsZero())

	vmaf := &models.Vmaf{
		VideoID: video.ID,
		CRF:     28,
		Score:   95.4,
		Target:  95,
	}
	require.NoError(t, db.Create(vmaf).Error)

	failure := &models.VideoFailure{
		VideoID: video.ID,
		Stage:   models.StageEncode,
		Message: "exit status 137",
	}
	require.NoError(t, db.Create(failure).Error)
}

func TestMigration002_NormalizesNegativeBitrates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll([]Migration{migration001Schema()})
	require.NoError(t, migrator.Up(ctx))

	video := &models.Video{Path: "/media/a.mkv", State: models.VideoStateNeedsAnalysis}
	require.NoError(t, db.Create(video).Error)
	require.NoError(t, db.Model(video).Update("bitrate", -1).Error)

	migrator.RegisterAll([]Migration{migration002NormalizeBitrates()})
	require.NoError(t, migrator.Up(ctx))

	var reloaded models.Video
	require.NoError(t, db.First(&reloaded, "id = ?", video.ID).Error)
	assert.Zero(t, reloaded.Bitrate)
}

func TestMigration003_ClearsDuplicateChosenFlags(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll([]Migration{migration001Schema()})
	require.NoError(t, migrator.Up(ctx))

	dupe := &models.Video{Path: "/media/dupe.mkv", State: models.VideoStateCrfSearched}
	clean := &models.Video{Path: "/media/clean.mkv", State: models.VideoStateCrfSearched}
	require.NoError(t, db.Create(dupe).Error)
	require.NoError(t, db.Create(clean).Error)

	// Two chosen samples on one video, one on the other.
	require.NoError(t, db.Create(&models.Vmaf{VideoID: dupe.ID, CRF: 24, Score: 96, Chosen: true}).Error)
	require.NoError(t, db.Create(&models.Vmaf{VideoID: dupe.ID, CRF: 28, Score: 95, Chosen: true}).Error)
	require.NoError(t, db.Create(&models.Vmaf{VideoID: clean.ID, CRF: 26, Score: 95.5, Chosen: true}).Error)

	migrator.RegisterAll([]Migration{migration003DedupeChosenVmafs()})
	require.NoError(t, migrator.Up(ctx))

	var dupeChosen, cleanChosen int64
	require.NoError(t, db.Model(&models.Vmaf{}).Where("video_id = ? AND chosen = ?", dupe.ID, true).Count(&dupeChosen).Error)
	require.NoError(t, db.Model(&models.Vmaf{}).Where("video_id = ? AND chosen = ?", clean.ID, true).Count(&cleanChosen).Error)

	assert.Zero(t, dupeChosen, "duplicated flags should be cleared")
	assert.Equal(t, int64(1), cleanChosen, "single chosen flag should survive")
}
