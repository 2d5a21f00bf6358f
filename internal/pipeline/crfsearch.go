package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mjc/reencodarr/internal/abav1"
	"github.com/mjc/reencodarr/internal/events"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/mjc/reencodarr/internal/repository"
	"github.com/mjc/reencodarr/internal/rules"
)

// CrfSearcher runs ab-av1 crf-search for one video at a time, records
// every quality sample, and picks the winning CRF. When no sample
// reaches the target score, the search retries once with the fallback
// preset before giving up on the file.
type CrfSearcher struct {
	videos repository.VideoRepository
	vmafs  repository.VmafRepository
	runner SubprocessRunner
	bus    *events.Bus
	logger *slog.Logger

	targetVMAF     float64
	fallbackPreset string
	timeout        time.Duration

	mu      sync.Mutex
	current models.ULID
	active  bool
}

var _ StageHandler = (*CrfSearcher)(nil)

// NewCrfSearcher creates the CRF search stage handler.
func NewCrfSearcher(
	videos repository.VideoRepository,
	vmafs repository.VmafRepository,
	runner SubprocessRunner,
	bus *events.Bus,
	targetVMAF float64,
	fallbackPreset string,
	timeout time.Duration,
	logger *slog.Logger,
) *CrfSearcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CrfSearcher{
		videos:         videos,
		vmafs:          vmafs,
		runner:         runner,
		bus:            bus,
		logger:         logger.With("component", "crf_searcher"),
		targetVMAF:     targetVMAF,
		fallbackPreset: fallbackPreset,
		timeout:        timeout,
	}
}

// Stage implements StageHandler.
func (s *CrfSearcher) Stage() models.Stage { return models.StageCrfSearch }

// Current returns the video currently being searched, if any. The
// watchdog uses this to attribute a stall kill.
func (s *CrfSearcher) Current() (models.ULID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.active
}

func (s *CrfSearcher) setCurrent(id models.ULID) {
	s.mu.Lock()
	s.current = id
	s.active = true
	s.mu.Unlock()
}

func (s *CrfSearcher) clearCurrent() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Handle implements StageHandler.
func (s *CrfSearcher) Handle(ctx context.Context, video *models.Video) error {
	s.setCurrent(video.ID)
	defer s.clearCurrent()

	s.publish(events.TypeStarted, video, nil)

	chosen, err := s.searchOnce(ctx, video, nil)
	if err != nil && !isRecoverableSearch(err) {
		return err
	}

	if chosen == nil {
		s.logger.Info("no sample reached target, retrying with fallback preset",
			"path", video.Path,
			"preset", s.fallbackPreset,
		)
		retryParams := []string{"--preset", s.fallbackPreset}
		chosen, err = s.searchOnce(ctx, video, retryParams)
		if err != nil && !isRecoverableSearch(err) {
			return err
		}
	}

	if chosen == nil {
		return newStageError(models.FailureCategoryNoAcceptable,
			fmt.Errorf("no crf sample reached VMAF %.1f for %s", s.targetVMAF, video.Path))
	}

	if err := s.vmafs.MarkChosen(ctx, video.ID, chosen.ID); err != nil {
		return fmt.Errorf("marking chosen sample for %s: %w", video.Path, err)
	}
	if err := s.videos.SetState(ctx, video.ID, models.VideoStateCrfSearched); err != nil {
		return fmt.Errorf("advancing %s: %w", video.Path, err)
	}

	s.logger.Info("crf search complete",
		"path", video.Path,
		"crf", chosen.CRF,
		"score", chosen.Score,
		"predicted_bytes", chosen.PredictedFilesize,
	)
	s.publish(events.TypeCompleted, video, map[string]any{
		"crf":   chosen.CRF,
		"score": chosen.Score,
	})
	return nil
}

// searchOnce runs one crf-search pass and returns the best eligible
// sample, or nil when none reached the target.
func (s *CrfSearcher) searchOnce(ctx context.Context, video *models.Video, extraParams []string) (*models.Vmaf, error) {
	args := rules.CompileCrfSearch(video, s.targetVMAF, extraParams)

	onLine := func(line string) {
		event := abav1.ParseLine(line)
		if event == nil {
			return
		}
		if event.IsProgress() {
			s.runner.Touch()
		}

		switch event.Type {
		case abav1.EventCrfSampleResult:
			sample := &models.Vmaf{
				VideoID:           video.ID,
				CRF:               event.CRF,
				Score:             event.Score,
				Target:            s.targetVMAF,
				PredictedFilesize: event.PredictedFilesize,
				Percent:           event.Percent,
				Params:            extraParams,
			}
			if err := s.vmafs.Upsert(context.WithoutCancel(ctx), sample); err != nil {
				s.logger.Error("recording sample", "path", video.Path, "error", err.Error())
			}
			s.publish(events.TypeProgress, video, map[string]any{
				"crf":     event.CRF,
				"score":   event.Score,
				"percent": event.Percent,
			})
		case abav1.EventSearchProgress:
			s.publish(events.TypeProgress, video, map[string]any{
				"crf":     event.CRF,
				"score":   event.Score,
				"percent": event.Percent,
			})
		case abav1.EventWarning:
			s.logger.Warn("tool warning", "path", video.Path, "reason", event.Reason)
		}
	}

	runErr := s.runner.Run(ctx, models.StageCrfSearch, args, "", s.timeout, onLine)
	if runErr != nil && !isRecoverableSearch(runErr) {
		return nil, runErr
	}

	chosen, err := s.pickBest(ctx, video.ID)
	if err != nil {
		return nil, err
	}
	if chosen == nil {
		return nil, runErr
	}
	return chosen, nil
}

// pickBest returns the highest-CRF sample meeting the target, or nil.
// Highest CRF means smallest output among acceptable quality levels.
func (s *CrfSearcher) pickBest(ctx context.Context, videoID models.ULID) (*models.Vmaf, error) {
	samples, err := s.vmafs.GetByVideoID(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("loading samples: %w", err)
	}

	var best *models.Vmaf
	for _, sample := range samples {
		if sample.Score < s.targetVMAF {
			continue
		}
		if best == nil || sample.CRF > best.CRF {
			best = sample
		}
	}
	return best, nil
}

// isRecoverableSearch reports whether a run failure is file-scoped per
// the classifier. A failed search with no acceptable sample is a search
// verdict, not a crash: it earns one fallback-preset retry. Anything
// stage-critical propagates unchanged.
func isRecoverableSearch(err error) bool {
	var runErr *abav1.RunError
	if !errors.As(err, &runErr) {
		return false
	}
	return abav1.Classify(err).Action == abav1.ActionContinue
}

func (s *CrfSearcher) publish(eventType events.Type, video *models.Video, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Topic:   events.TopicCrfSearch,
		Type:    eventType,
		VideoID: video.ID.String(),
		Payload: payload,
	})
}
