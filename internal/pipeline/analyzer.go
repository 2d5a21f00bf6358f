package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mjc/reencodarr/internal/events"
	"github.com/mjc/reencodarr/internal/ffprobe"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/mjc/reencodarr/internal/repository"
)

// Analyzer probes a video's media attributes and advances it to the
// analyzed state. Unlike the subprocess stages, analysis is cheap
// enough that its processor runs several of these concurrently.
type Analyzer struct {
	videos repository.VideoRepository
	prober *ffprobe.Prober
	bus    *events.Bus
	logger *slog.Logger
}

var _ StageHandler = (*Analyzer)(nil)

// NewAnalyzer creates the analysis stage handler.
func NewAnalyzer(videos repository.VideoRepository, prober *ffprobe.Prober, bus *events.Bus, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		videos: videos,
		prober: prober,
		bus:    bus,
		logger: logger.With("component", "analyzer"),
	}
}

// Stage implements StageHandler.
func (a *Analyzer) Stage() models.Stage { return models.StageAnalyze }

// Handle probes the file and persists the derived attributes. Probe
// failures are per-file; a broken file never stops the stage.
func (a *Analyzer) Handle(ctx context.Context, video *models.Video) error {
	a.publish(events.TypeStarted, video, nil)

	var size int64
	info, err := os.Stat(video.Path)
	if err != nil {
		return newStageError(models.FailureCategoryProbe, fmt.Errorf("stating %s: %w", video.Path, err))
	}
	size = info.Size()

	result, err := a.prober.Probe(ctx, video.Path)
	if err != nil {
		return newStageError(models.FailureCategoryProbe, fmt.Errorf("probing %s: %w", video.Path, err))
	}

	attrs, err := ffprobe.Derive(result, size)
	if err != nil {
		return newStageError(models.FailureCategoryProbe, fmt.Errorf("deriving attributes for %s: %w", video.Path, err))
	}
	attrs.Apply(video)

	if err := video.Transition(models.VideoStateAnalyzed); err != nil {
		return fmt.Errorf("advancing %s: %w", video.Path, err)
	}
	if err := a.videos.Update(ctx, video); err != nil {
		return fmt.Errorf("persisting analysis of %s: %w", video.Path, err)
	}

	a.logger.Info("video analyzed",
		"path", video.Path,
		"codec", video.VideoCodecs,
		"resolution", fmt.Sprintf("%dx%d", video.Width, video.Height),
		"bitrate", video.Bitrate,
	)
	a.publish(events.TypeCompleted, video, map[string]any{
		"width":  video.Width,
		"height": video.Height,
	})
	return nil
}

func (a *Analyzer) publish(eventType events.Type, video *models.Video, payload map[string]any) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.Event{
		Topic:   events.TopicAnalyzer,
		Type:    eventType,
		VideoID: video.ID.String(),
		Payload: payload,
	})
}
