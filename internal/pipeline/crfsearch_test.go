package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/mjc/reencodarr/internal/abav1"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/mjc/reencodarr/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newSearchFixture(t *testing.T, runner *fakeRunner) (*CrfSearcher, *gorm.DB, *models.Video) {
	t.Helper()
	db := setupPipelineTestDB(t)
	videos := repository.NewVideoRepository(db)
	vmafs := repository.NewVmafRepository(db)

	video := &models.Video{
		Path:        "/media/show.mkv",
		State:       models.VideoStateAnalyzed,
		Size:        5_000_000_000,
		Width:       1920,
		Height:      1080,
		VideoCodecs: models.StringList{"hevc"},
	}
	require.NoError(t, videos.Create(context.Background(), video))

	searcher := NewCrfSearcher(videos, vmafs, runner, nil, 95.0, "6", time.Hour, nil)
	return searcher, db, video
}

func noSuitableCrfError() error {
	return &abav1.RunError{
		Stage:    models.StageCrfSearch,
		ExitCode: 1,
		Tail:     []string{"Error: Failed to find a suitable crf"},
	}
}

func TestCrfSearcher_ChoosesHighestAcceptableCrf(t *testing.T) {
	runner := &fakeRunner{script: []fakeRun{{
		lines: []string{
			"sample 1: crf 22, VMAF 97.1, predicted full encode size 3 GB, 60%",
			"sample 2: crf 28, VMAF 95.4, predicted full encode size 2 GB, 40%",
			"sample 3: crf 33, VMAF 93.0, predicted full encode size 1 GB, 20%",
			"Success: crf 28 VMAF 95.4",
		},
	}}}
	searcher, db, video := newSearchFixture(t, runner)
	ctx := context.Background()

	require.NoError(t, searcher.Handle(ctx, video))
	assert.Equal(t, 1, runner.runCount())

	var persisted models.Video
	require.NoError(t, db.First(&persisted, "id = ?", video.ID).Error)
	assert.Equal(t, models.VideoStateCrfSearched, persisted.State)

	var samples []models.Vmaf
	require.NoError(t, db.Where("video_id = ?", video.ID).Order("crf").Find(&samples).Error)
	require.Len(t, samples, 3)

	var chosen []models.Vmaf
	require.NoError(t, db.Where("video_id = ? AND chosen = ?", video.ID, true).Find(&chosen).Error)
	require.Len(t, chosen, 1, "exactly one chosen sample")
	assert.Equal(t, 28.0, chosen[0].CRF, "highest CRF meeting the target wins")
	assert.Equal(t, 95.4, chosen[0].Score)
}

func TestCrfSearcher_RetriesWithFallbackPreset(t *testing.T) {
	runner := &fakeRunner{script: []fakeRun{
		{
			lines: []string{"sample 1: crf 30, VMAF 90.0, predicted full encode size 1 GB, 30%"},
			err:   noSuitableCrfError(),
		},
		{
			lines: []string{"sample 1: crf 25, VMAF 95.8, predicted full encode size 2 GB, 45%"},
		},
	}}
	searcher, db, video := newSearchFixture(t, runner)
	ctx := context.Background()

	require.NoError(t, searcher.Handle(ctx, video))
	require.Equal(t, 2, runner.runCount(), "exactly one retry")

	// The retry carries the fallback preset.
	retryArgs := runner.runs[1]
	assert.Contains(t, retryArgs, "--preset")
	assert.Contains(t, retryArgs, "6")
	assert.NotContains(t, runner.runs[0], "--preset", "first pass runs without the fallback")

	var chosen models.Vmaf
	require.NoError(t, db.Where("video_id = ? AND chosen = ?", video.ID, true).First(&chosen).Error)
	assert.Equal(t, 25.0, chosen.CRF)
	assert.Equal(t, models.StringList{"--preset", "6"}, chosen.Params,
		"chosen sample remembers the params that produced it")

	var persisted models.Video
	require.NoError(t, db.First(&persisted, "id = ?", video.ID).Error)
	assert.Equal(t, models.VideoStateCrfSearched, persisted.State)
}

func TestCrfSearcher_RecoverableFailureWithoutSamplesRetries(t *testing.T) {
	// Any file-scoped failure that left no acceptable sample earns the
	// fallback retry, not just the tool's explicit no-suitable-crf text.
	runner := &fakeRunner{script: []fakeRun{
		{err: &abav1.RunError{
			Stage:    models.StageCrfSearch,
			ExitCode: 1,
			Tail:     []string{"ffmpeg crf sweep aborted"},
		}},
		{
			lines: []string{"sample 1: crf 26, VMAF 95.2, predicted full encode size 2 GB, 42%"},
		},
	}}
	searcher, db, video := newSearchFixture(t, runner)

	require.NoError(t, searcher.Handle(context.Background(), video))
	require.Equal(t, 2, runner.runCount(), "recoverable failure triggers the fallback pass")
	assert.Contains(t, runner.runs[1], "--preset")

	var persisted models.Video
	require.NoError(t, db.First(&persisted, "id = ?", video.ID).Error)
	assert.Equal(t, models.VideoStateCrfSearched, persisted.State)
}

func TestCrfSearcher_NoAcceptableCrfAfterRetry(t *testing.T) {
	runner := &fakeRunner{script: []fakeRun{
		{err: noSuitableCrfError()},
		{err: noSuitableCrfError()},
	}}
	searcher, db, video := newSearchFixture(t, runner)
	ctx := context.Background()

	err := searcher.Handle(ctx, video)
	require.Error(t, err)

	var sErr *stageError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, models.FailureCategoryNoAcceptable, sErr.category)
	assert.Equal(t, 2, runner.runCount(), "only one retry, ever")

	var persisted models.Video
	require.NoError(t, db.First(&persisted, "id = ?", video.ID).Error)
	assert.Equal(t, models.VideoStateAnalyzed, persisted.State, "state untouched")
}

func TestCrfSearcher_RunErrorPropagates(t *testing.T) {
	runner := &fakeRunner{script: []fakeRun{
		{err: &abav1.RunError{Stage: models.StageCrfSearch, ExitCode: 137}},
	}}
	searcher, _, video := newSearchFixture(t, runner)

	err := searcher.Handle(context.Background(), video)
	var runErr *abav1.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, 137, runErr.ExitCode)
	assert.Equal(t, 1, runner.runCount(), "crashes are not retried with the fallback")
}

func TestCrfSearcher_SampleUpsertKeyedByCrf(t *testing.T) {
	runner := &fakeRunner{script: []fakeRun{{
		lines: []string{
			"sample 1: crf 28, VMAF 94.0, predicted full encode size 2 GB, 40%",
			"sample 2: crf 28, VMAF 95.5, predicted full encode size 2 GB, 41%",
		},
	}}}
	searcher, db, video := newSearchFixture(t, runner)

	require.NoError(t, searcher.Handle(context.Background(), video))

	var samples []models.Vmaf
	require.NoError(t, db.Where("video_id = ?", video.ID).Find(&samples).Error)
	require.Len(t, samples, 1, "same crf resampled updates in place")
	assert.Equal(t, 95.5, samples[0].Score)
}

func TestCrfSearcher_CurrentTracksActiveVideo(t *testing.T) {
	runner := &fakeRunner{script: []fakeRun{{
		lines: []string{"sample 1: crf 28, VMAF 96.0, predicted full encode size 2 GB, 40%"},
	}}}
	searcher, _, video := newSearchFixture(t, runner)

	_, active := searcher.Current()
	assert.False(t, active)

	require.NoError(t, searcher.Handle(context.Background(), video))

	_, active = searcher.Current()
	assert.False(t, active, "cleared after the run")
}
