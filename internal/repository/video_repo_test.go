package repository

import (
	"context"
	"testing"
	"time"

	"github.com/mjc/reencodarr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestVideoRepo_CreateAndGet(t *testing.T) {
	db := setupRepoTestDB(t)
	repo := NewVideoRepository(db)
	ctx := context.Background()

	video := &models.Video{
		Path:  "/media/movies/example.mkv",
		State: models.VideoStateNeedsAnalysis,
		Size:  5_000_000_000,
	}
	require.NoError(t, repo.Create(ctx, video))
	require.False(t, video.ID.IsZero())

	byID, err := repo.GetByID(ctx, video.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, video.Path, byID.Path)

	byPath, err := repo.GetByPath(ctx, video.Path)
	require.NoError(t, err)
	require.NotNil(t, byPath)
	assert.Equal(t, video.ID, byPath.ID)

	missing, err := repo.GetByPath(ctx, "/nope.mkv")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestVideoRepo_Create_Invalid(t *testing.T) {
	db := setupRepoTestDB(t)
	repo := NewVideoRepository(db)

	err := repo.Create(context.Background(), &models.Video{State: models.VideoStateNeedsAnalysis})
	assert.ErrorIs(t, err, models.ErrPathRequired)
}

func TestVideoRepo_GetByServiceRef(t *testing.T) {
	db := setupRepoTestDB(t)
	repo := NewVideoRepository(db)
	ctx := context.Background()

	sonarr := models.ServiceTypeSonarr
	id := "42"
	mustCreateVideo(t, db, &models.Video{
		Path: "/media/tv/ep.mkv", State: models.VideoStateNeedsAnalysis,
		ServiceType: &sonarr, ServiceID: &id,
	})

	found, err := repo.GetByServiceRef(ctx, models.ServiceTypeSonarr, "42")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "/media/tv/ep.mkv", found.Path)

	missing, err := repo.GetByServiceRef(ctx, models.ServiceTypeRadarr, "42")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestVideoRepo_UpsertByPath(t *testing.T) {
	db := setupRepoTestDB(t)
	repo := NewVideoRepository(db)
	vmafs := NewVmafRepository(db)
	ctx := context.Background()

	t.Run("creates when absent", func(t *testing.T) {
		v := &models.Video{Path: "/media/new.mkv", State: models.VideoStateNeedsAnalysis, Size: 100}
		require.NoError(t, repo.UpsertByPath(ctx, v))
		assert.False(t, v.ID.IsZero())
	})

	t.Run("sparse row enters at needs-analysis", func(t *testing.T) {
		// The scanner only knows path, library and size.
		v := &models.Video{Path: "/media/discovered.mkv", Size: 100}
		require.NoError(t, repo.UpsertByPath(ctx, v))

		reloaded, err := repo.GetByPath(ctx, "/media/discovered.mkv")
		require.NoError(t, err)
		require.NotNil(t, reloaded)
		assert.Equal(t, models.VideoStateNeedsAnalysis, reloaded.State)
	})

	t.Run("rescan preserves probe-derived attributes", func(t *testing.T) {
		hdr := models.HDRFormatHDR10
		existing := mustCreateVideo(t, db, &models.Video{
			Path:        "/media/probed.mkv",
			State:       models.VideoStateAnalyzed,
			Size:        100,
			Bitrate:     8_000_000,
			VideoCodecs: models.StringList{"hevc"},
			AudioCodecs: models.StringList{"eac3"},
			HDR:         &hdr,
			MediaInfo:   `{"streams":[]}`,
		})

		update := &models.Video{Path: "/media/probed.mkv", Size: 100}
		require.NoError(t, repo.UpsertByPath(ctx, update))

		reloaded, err := repo.GetByID(ctx, existing.ID)
		require.NoError(t, err)
		assert.Equal(t, models.VideoStateAnalyzed, reloaded.State)
		assert.Equal(t, int64(8_000_000), reloaded.Bitrate)
		assert.Equal(t, models.StringList{"hevc"}, reloaded.VideoCodecs)
		assert.Equal(t, models.StringList{"eac3"}, reloaded.AudioCodecs)
		require.NotNil(t, reloaded.HDR)
		assert.Equal(t, models.HDRFormatHDR10, *reloaded.HDR)
		assert.NotEmpty(t, reloaded.MediaInfo)
	})

	t.Run("same size keeps state", func(t *testing.T) {
		existing := mustCreateVideo(t, db, &models.Video{
			Path: "/media/stable.mkv", State: models.VideoStateEncoded, Size: 100,
		})

		update := &models.Video{Path: "/media/stable.mkv", State: models.VideoStateNeedsAnalysis, Size: 100}
		require.NoError(t, repo.UpsertByPath(ctx, update))

		reloaded, err := repo.GetByID(ctx, existing.ID)
		require.NoError(t, err)
		assert.Equal(t, models.VideoStateEncoded, reloaded.State)
	})

	t.Run("changed size rewinds and drops samples", func(t *testing.T) {
		existing := mustCreateVideo(t, db, &models.Video{
			Path: "/media/replaced.mkv", State: models.VideoStateCrfSearched, Size: 100, Failed: true,
		})
		require.NoError(t, vmafs.Upsert(ctx, &models.Vmaf{
			VideoID: existing.ID, CRF: 28, Score: 95, Chosen: true,
		}))

		update := &models.Video{Path: "/media/replaced.mkv", State: models.VideoStateNeedsAnalysis, Size: 200}
		require.NoError(t, repo.UpsertByPath(ctx, update))

		reloaded, err := repo.GetByID(ctx, existing.ID)
		require.NoError(t, err)
		assert.Equal(t, models.VideoStateNeedsAnalysis, reloaded.State)
		assert.False(t, reloaded.Failed)
		assert.Equal(t, int64(200), reloaded.Size)

		samples, err := vmafs.GetByVideoID(ctx, existing.ID)
		require.NoError(t, err)
		assert.Empty(t, samples)
	})
}

func TestVideoRepo_NextForAnalysis(t *testing.T) {
	db := setupRepoTestDB(t)
	repo := NewVideoRepository(db)
	ctx := context.Background()

	// Insert out of order, with explicit created_at to pin ordering.
	newer := mustCreateVideo(t, db, &models.Video{Path: "/media/newer.mkv", State: models.VideoStateNeedsAnalysis})
	older := mustCreateVideo(t, db, &models.Video{Path: "/media/older.mkv", State: models.VideoStateNeedsAnalysis})
	require.NoError(t, db.Model(older).Update("created_at", time.Now().Add(-time.Hour)).Error)

	// Ineligible rows: wrong state, failed flag set.
	mustCreateVideo(t, db, &models.Video{Path: "/media/done.mkv", State: models.VideoStateEncoded})
	mustCreateVideo(t, db, &models.Video{Path: "/media/broken.mkv", State: models.VideoStateNeedsAnalysis, Failed: true})

	videos, err := repo.NextForAnalysis(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, videos, 2)
	assert.Equal(t, older.ID, videos[0].ID, "oldest insertion first")
	assert.Equal(t, newer.ID, videos[1].ID)

	// Exclusion removes in-flight videos.
	videos, err = repo.NextForAnalysis(ctx, []models.ULID{older.ID}, 10)
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, newer.ID, videos[0].ID)
}

func TestVideoRepo_NextForCrfSearch(t *testing.T) {
	db := setupRepoTestDB(t)
	repo := NewVideoRepository(db)
	ctx := context.Background()

	small := mustCreateVideo(t, db, &models.Video{
		Path: "/media/small.mkv", State: models.VideoStateAnalyzed,
		Bitrate: 4_000_000, Size: 1_000,
	})
	big := mustCreateVideo(t, db, &models.Video{
		Path: "/media/big.mkv", State: models.VideoStateAnalyzed,
		Bitrate: 20_000_000, Size: 9_000,
	})
	// Same bitrate as small, bigger size: size breaks the tie.
	tie := mustCreateVideo(t, db, &models.Video{
		Path: "/media/tie.mkv", State: models.VideoStateAnalyzed,
		Bitrate: 4_000_000, Size: 5_000,
	})
	// Already AV1: skipped entirely.
	mustCreateVideo(t, db, &models.Video{
		Path: "/media/already.mkv", State: models.VideoStateAnalyzed,
		Bitrate: 30_000_000, VideoCodecs: models.StringList{"av1"},
	})

	videos, err := repo.NextForCrfSearch(ctx, "av1", nil, 10)
	require.NoError(t, err)
	require.Len(t, videos, 3)
	assert.Equal(t, big.ID, videos[0].ID, "highest bitrate first")
	assert.Equal(t, tie.ID, videos[1].ID, "size desc breaks bitrate ties")
	assert.Equal(t, small.ID, videos[2].ID)
}

func TestVideoRepo_NextForEncode(t *testing.T) {
	db := setupRepoTestDB(t)
	repo := NewVideoRepository(db)
	vmafs := NewVmafRepository(db)
	ctx := context.Background()

	lowSavings := mustCreateVideo(t, db, &models.Video{
		Path: "/media/low.mkv", State: models.VideoStateCrfSearched, Size: 10_000,
	})
	highSavings := mustCreateVideo(t, db, &models.Video{
		Path: "/media/high.mkv", State: models.VideoStateCrfSearched, Size: 10_000,
	})
	// No chosen sample: not eligible regardless of state.
	mustCreateVideo(t, db, &models.Video{
		Path: "/media/nochoice.mkv", State: models.VideoStateCrfSearched, Size: 50_000,
	})

	require.NoError(t, vmafs.Upsert(ctx, &models.Vmaf{
		VideoID: lowSavings.ID, CRF: 22, Score: 96, PredictedFilesize: 9_000, Chosen: true,
	}))
	require.NoError(t, vmafs.Upsert(ctx, &models.Vmaf{
		VideoID: highSavings.ID, CRF: 30, Score: 95, PredictedFilesize: 2_000, Chosen: true,
	}))

	videos, err := repo.NextForEncode(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, videos, 2)
	assert.Equal(t, highSavings.ID, videos[0].ID, "biggest predicted savings first")
	assert.Equal(t, lowSavings.ID, videos[1].ID)
}

func TestVideoRepo_SetState(t *testing.T) {
	db := setupRepoTestDB(t)
	repo := NewVideoRepository(db)
	ctx := context.Background()

	video := mustCreateVideo(t, db, &models.Video{
		Path: "/media/a.mkv", State: models.VideoStateNeedsAnalysis,
	})

	require.NoError(t, repo.SetState(ctx, video.ID, models.VideoStateAnalyzed))

	reloaded, err := repo.GetByID(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStateAnalyzed, reloaded.State)

	// Skipping a stage is rejected and leaves the row untouched.
	err = repo.SetState(ctx, video.ID, models.VideoStateEncoded)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	reloaded, err = repo.GetByID(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStateAnalyzed, reloaded.State)
}

func TestVideoRepo_SetFailedAndReset(t *testing.T) {
	db := setupRepoTestDB(t)
	repo := NewVideoRepository(db)
	ctx := context.Background()

	a := mustCreateVideo(t, db, &models.Video{Path: "/media/a.mkv", State: models.VideoStateAnalyzed})
	b := mustCreateVideo(t, db, &models.Video{Path: "/media/b.mkv", State: models.VideoStateEncoded})

	require.NoError(t, repo.SetFailed(ctx, a.ID, true))
	require.NoError(t, repo.SetFailed(ctx, b.ID, true))

	n, err := repo.ResetFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	reloaded, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.Failed)
	// Bulk reset rewinds state so the pipeline re-runs from scratch.
	assert.Equal(t, models.VideoStateNeedsAnalysis, reloaded.State)

	reloadedB, err := repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStateNeedsAnalysis, reloadedB.State)

	err = repo.SetFailed(ctx, models.NewULID(), true)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestVideoRepo_ResetToAnalysis(t *testing.T) {
	db := setupRepoTestDB(t)
	repo := NewVideoRepository(db)
	vmafs := NewVmafRepository(db)
	ctx := context.Background()

	video := mustCreateVideo(t, db, &models.Video{
		Path: "/media/a.mkv", State: models.VideoStateCrfSearched, Failed: true,
	})
	require.NoError(t, vmafs.Upsert(ctx, &models.Vmaf{VideoID: video.ID, CRF: 28, Score: 95}))

	require.NoError(t, repo.ResetToAnalysis(ctx, video.ID))

	reloaded, err := repo.GetByID(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStateNeedsAnalysis, reloaded.State)
	assert.False(t, reloaded.Failed)

	samples, err := vmafs.GetByVideoID(ctx, video.ID)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestVideoRepo_StateCounts(t *testing.T) {
	db := setupRepoTestDB(t)
	repo := NewVideoRepository(db)
	ctx := context.Background()

	mustCreateVideo(t, db, &models.Video{Path: "/a.mkv", State: models.VideoStateNeedsAnalysis})
	mustCreateVideo(t, db, &models.Video{Path: "/b.mkv", State: models.VideoStateNeedsAnalysis})
	mustCreateVideo(t, db, &models.Video{Path: "/c.mkv", State: models.VideoStateEncoded, Failed: true})

	counts, err := repo.StateCounts(ctx)
	require.NoError(t, err)

	byKey := make(map[string]int64)
	for _, c := range counts {
		key := string(c.State)
		if c.Failed {
			key += "+failed"
		}
		byKey[key] = c.Count
	}
	assert.Equal(t, int64(2), byKey["needs-analysis"])
	assert.Equal(t, int64(1), byKey["encoded+failed"])
}

func TestVideoRepo_Savings(t *testing.T) {
	db := setupRepoTestDB(t)
	repo := NewVideoRepository(db)
	vmafs := NewVmafRepository(db)
	ctx := context.Background()

	a := mustCreateVideo(t, db, &models.Video{Path: "/a.mkv", State: models.VideoStateCrfSearched, Size: 10_000})
	b := mustCreateVideo(t, db, &models.Video{Path: "/b.mkv", State: models.VideoStateCrfSearched, Size: 20_000})
	require.NoError(t, vmafs.Upsert(ctx, &models.Vmaf{VideoID: a.ID, CRF: 28, Score: 95, PredictedFilesize: 4_000, Chosen: true}))
	require.NoError(t, vmafs.Upsert(ctx, &models.Vmaf{VideoID: b.ID, CRF: 24, Score: 96, PredictedFilesize: 8_000, Chosen: true}))
	// Non-chosen samples do not contribute.
	require.NoError(t, vmafs.Upsert(ctx, &models.Vmaf{VideoID: b.ID, CRF: 30, Score: 94, PredictedFilesize: 1_000}))

	summary, err := repo.Savings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), summary.TotalSourceBytes)
	assert.Equal(t, int64(12_000), summary.TotalPredictedBytes)
	assert.Equal(t, int64(2), summary.VideoCount)
}

func TestVideoRepo_List(t *testing.T) {
	db := setupRepoTestDB(t)
	repo := NewVideoRepository(db)
	ctx := context.Background()

	for _, p := range []string{"/a.mkv", "/b.mkv", "/c.mkv"} {
		mustCreateVideo(t, db, &models.Video{Path: p, State: models.VideoStateNeedsAnalysis})
	}
	mustCreateVideo(t, db, &models.Video{Path: "/d.mkv", State: models.VideoStateEncoded})

	state := models.VideoStateNeedsAnalysis
	videos, total, err := repo.List(ctx, &state, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, videos, 2)

	all, total, err := repo.List(ctx, nil, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	assert.Len(t, all, 4)
}
