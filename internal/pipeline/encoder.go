package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mjc/reencodarr/internal/abav1"
	"github.com/mjc/reencodarr/internal/events"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/mjc/reencodarr/internal/postprocess"
	"github.com/mjc/reencodarr/internal/repository"
	"github.com/mjc/reencodarr/internal/rules"
)

// Encoder runs the final ab-av1 encode at the chosen CRF, writing to a
// temp output that the post-processor moves over the original file.
type Encoder struct {
	videos  repository.VideoRepository
	vmafs   repository.VmafRepository
	runner  SubprocessRunner
	post    *postprocess.PostProcessor
	bus     *events.Bus
	logger  *slog.Logger
	tempDir string
	timeout time.Duration

	mu      sync.Mutex
	current models.ULID
	active  bool
}

var _ StageHandler = (*Encoder)(nil)

// NewEncoder creates the encode stage handler.
func NewEncoder(
	videos repository.VideoRepository,
	vmafs repository.VmafRepository,
	runner SubprocessRunner,
	post *postprocess.PostProcessor,
	bus *events.Bus,
	tempDir string,
	timeout time.Duration,
	logger *slog.Logger,
) *Encoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{
		videos:  videos,
		vmafs:   vmafs,
		runner:  runner,
		post:    post,
		bus:     bus,
		logger:  logger.With("component", "encoder"),
		tempDir: tempDir,
		timeout: timeout,
	}
}

// Stage implements StageHandler.
func (e *Encoder) Stage() models.Stage { return models.StageEncode }

// Current returns the video currently being encoded, if any.
func (e *Encoder) Current() (models.ULID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.active
}

// Handle implements StageHandler. A failed run leaves the video in the
// crf-searched state with its failed flag raised and the partial output
// discarded. A post-process failure after a successful run keeps the
// finished temp output for manual recovery.
func (e *Encoder) Handle(ctx context.Context, video *models.Video) error {
	e.mu.Lock()
	e.current = video.ID
	e.active = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active = false
		e.mu.Unlock()
	}()

	chosen, err := e.vmafs.GetChosen(ctx, video.ID)
	if err != nil {
		return fmt.Errorf("loading chosen sample for %s: %w", video.Path, err)
	}
	if chosen == nil {
		return fmt.Errorf("video %s reached encode without a chosen sample", video.Path)
	}

	outputPath := postprocess.TempOutputPath(e.tempDir, video.ID)
	args := rules.CompileEncode(video, outputPath, chosen.CRF, chosen.Params)

	e.logger.Info("encode starting",
		"path", video.Path,
		"crf", chosen.CRF,
		"output", outputPath,
	)
	e.publish(events.TypeStarted, video, map[string]any{"crf": chosen.CRF})

	onLine := func(line string) {
		event := abav1.ParseLine(line)
		if event == nil {
			return
		}
		if event.IsProgress() {
			e.runner.Touch()
		}
		switch event.Type {
		case abav1.EventEncodeProgress:
			e.publish(events.TypeProgress, video, map[string]any{
				"percent":     event.Percent,
				"fps":         event.FPS,
				"eta_seconds": event.ETA.Seconds(),
			})
		case abav1.EventWarning:
			e.logger.Warn("tool warning", "path", video.Path, "reason", event.Reason)
		}
	}

	if err := e.runner.Run(ctx, models.StageEncode, args, outputPath, e.timeout, onLine); err != nil {
		e.post.Discard(outputPath)
		return err
	}

	// The finished encode is kept on a post-process failure: the failure
	// record carries the temp path so an operator can re-run the move
	// without paying for the encode again.
	if err := e.post.Process(ctx, video, outputPath); err != nil {
		return newStageError(models.FailureCategoryPostProcess,
			fmt.Errorf("post-processing %s (encode kept at %s): %w", video.Path, outputPath, err))
	}

	e.logger.Info("encode complete", "path", video.Path, "new_size", video.Size)
	e.publish(events.TypeCompleted, video, map[string]any{"size": video.Size})
	return nil
}

func (e *Encoder) publish(eventType events.Type, video *models.Video, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Topic:   events.TopicEncoder,
		Type:    eventType,
		VideoID: video.ID.String(),
		Payload: payload,
	})
}
