package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/mjc/reencodarr/internal/models"
	"github.com/mjc/reencodarr/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func analysisSelector(videos repository.VideoRepository) Selector {
	return func(ctx context.Context, exclude []models.ULID, limit int) ([]*models.Video, error) {
		return videos.NextForAnalysis(ctx, exclude, limit)
	}
}

func TestProducer_ClaimAndRelease(t *testing.T) {
	db := setupPipelineTestDB(t)
	videos := repository.NewVideoRepository(db)
	ctx := context.Background()

	first := &models.Video{Path: "/media/a.mkv", State: models.VideoStateNeedsAnalysis}
	second := &models.Video{Path: "/media/b.mkv", State: models.VideoStateNeedsAnalysis}
	require.NoError(t, videos.Create(ctx, first))
	require.NoError(t, videos.Create(ctx, second))

	p := NewProducer(models.StageAnalyze, analysisSelector(videos), nil, nil)

	got, err := p.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID, "oldest insertion claimed first")
	assert.Len(t, p.InFlight(), 1)

	// A second claim skips the in-flight video.
	other, err := p.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.Equal(t, second.ID, other.ID)

	// Queue exhausted.
	third, err := p.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, third)

	p.Release(got.ID)
	p.Release(other.ID)
	assert.Empty(t, p.InFlight())

	// Released videos are claimable again.
	again, err := p.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)
}

func TestProducer_PauseStopsDispatch(t *testing.T) {
	db := setupPipelineTestDB(t)
	videos := repository.NewVideoRepository(db)
	ctx := context.Background()

	require.NoError(t, videos.Create(ctx, &models.Video{Path: "/media/a.mkv"}))

	p := NewProducer(models.StageAnalyze, analysisSelector(videos), nil, nil)
	p.Pause()
	assert.True(t, p.Paused())

	got, err := p.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "paused producer dispatches nothing")

	p.Resume()
	assert.False(t, p.Paused())
	got, err = p.Claim(ctx)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestProducer_ResumePokes(t *testing.T) {
	p := NewProducer(models.StageAnalyze, nil, nil, nil)
	p.Pause()
	// Drain any pending signal.
	select {
	case <-p.Wake():
	default:
	}

	p.Resume()
	select {
	case <-p.Wake():
	case <-time.After(time.Second):
		t.Fatal("resume must wake the processor")
	}
}

func TestProducer_PokeCoalesces(t *testing.T) {
	p := NewProducer(models.StageAnalyze, nil, nil, nil)
	p.Poke()
	p.Poke()
	p.Poke()

	<-p.Wake()
	select {
	case <-p.Wake():
		t.Fatal("pokes must coalesce into one signal")
	default:
	}
}

func TestProducer_RateLimiterGatesClaims(t *testing.T) {
	db := setupPipelineTestDB(t)
	videos := repository.NewVideoRepository(db)
	ctx := context.Background()

	for _, path := range []string{"/media/a.mkv", "/media/b.mkv", "/media/c.mkv"} {
		require.NoError(t, videos.Create(ctx, &models.Video{Path: path}))
	}

	// Burst of 1, then one claim per 50ms.
	limiter := rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
	p := NewProducer(models.StageAnalyze, analysisSelector(videos), limiter, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		got, err := p.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"claims beyond the burst must wait for tokens")
}

func TestProducer_ClaimRespectsContextCancel(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	p := NewProducer(models.StageAnalyze, nil, limiter, nil)

	ctx := context.Background()
	// Consume the burst token with a nil selector guard: selector is only
	// reached with a token in hand, so use a selector that returns empty.
	p.selector = func(context.Context, []models.ULID, int) ([]*models.Video, error) {
		return nil, nil
	}
	_, err := p.Claim(ctx)
	require.NoError(t, err)

	cancelled, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Claim(cancelled)
	assert.Error(t, err, "limiter wait must respect the context")
}
