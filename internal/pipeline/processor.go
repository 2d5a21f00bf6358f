package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mjc/reencodarr/internal/abav1"
	"github.com/mjc/reencodarr/internal/events"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/mjc/reencodarr/internal/repository"
)

// StageHandler does the actual work for one claimed video.
type StageHandler interface {
	Stage() models.Stage
	Handle(ctx context.Context, video *models.Video) error
}

// defaultPollInterval bounds how long a processor sleeps between
// drains when no dispatch signal arrives.
const defaultPollInterval = time.Minute

// Processor is one stage's worker loop. It waits for dispatch signals,
// drains the producer, and routes handler failures through the
// classifier: a per-file verdict marks the video failed and moves on,
// an environmental verdict pauses the whole stage.
type Processor struct {
	producer *Producer
	handler  StageHandler
	videos   repository.VideoRepository
	failures repository.FailureRepository
	bus      *events.Bus
	kills    *killTracker
	logger   *slog.Logger

	concurrency  int
	pollInterval time.Duration
	downstream   *Producer

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewProcessor creates a processor. concurrency below 1 means a single
// worker, which is what the subprocess stages require.
func NewProcessor(
	producer *Producer,
	handler StageHandler,
	videos repository.VideoRepository,
	failures repository.FailureRepository,
	bus *events.Bus,
	kills *killTracker,
	concurrency int,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if kills == nil {
		kills = newKillTracker()
	}
	return &Processor{
		producer:     producer,
		handler:      handler,
		videos:       videos,
		failures:     failures,
		bus:          bus,
		kills:        kills,
		logger:       logger.With("component", "processor", "stage", string(handler.Stage())),
		concurrency:  concurrency,
		pollInterval: defaultPollInterval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// WithPollInterval overrides the idle re-check interval.
func (p *Processor) WithPollInterval(d time.Duration) *Processor {
	if d > 0 {
		p.pollInterval = d
	}
	return p
}

// WithDownstream names the stage fed by this one's output. A completed
// video wakes it immediately instead of waiting for the periodic poke.
func (p *Processor) WithDownstream(d *Producer) *Processor {
	p.downstream = d
	return p
}

// Start launches the worker loop.
func (p *Processor) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop shuts the worker loop down and waits for in-flight work.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	// Initial drain picks up work left over from a previous run.
	p.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-p.producer.Wake():
			p.drain(ctx)
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain claims and processes videos until the producer runs dry. A
// video is claimed only once a worker slot is free, so a failure that
// pauses the stage stops dispatch immediately instead of after an
// already-claimed straggler.
func (p *Processor) drain(ctx context.Context) {
	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case sem <- struct{}{}:
		}

		video, err := p.producer.Claim(ctx)
		if err != nil {
			<-sem
			if ctx.Err() == nil {
				p.logger.Error("claiming work", "error", err.Error())
			}
			return
		}
		if video == nil {
			<-sem
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer p.producer.Release(video.ID)
			p.process(ctx, video)
		}()
	}
}

// process runs one video through the handler. Panics are contained
// here so a bug in one stage cannot take the others down.
func (p *Processor) process(ctx context.Context, video *models.Video) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("stage handler panicked",
				"video_id", video.ID.String(),
				"panic", fmt.Sprint(r),
			)
			p.recordFailure(ctx, video, abav1.Classification{
				Action:   abav1.ActionContinue,
				Reason:   "handler panic",
				Category: models.FailureCategoryException,
			}, fmt.Sprintf("panic: %v", r), nil)
			p.failVideo(ctx, video)
		}
	}()

	err := p.handler.Handle(ctx, video)
	if err == nil {
		if p.downstream != nil {
			p.downstream.Poke()
		}
		return
	}
	if ctx.Err() != nil {
		// Shutdown, not a verdict on the video.
		return
	}

	var tail []string
	if runErr, ok := errAsRunError(err); ok {
		tail = runErr.Tail
	}

	var c abav1.Classification
	var sErr *stageError
	if errors.As(err, &sErr) {
		c = abav1.Classification{
			Action:   abav1.ActionContinue,
			Reason:   string(sErr.category),
			Category: sErr.category,
		}
	} else {
		c = abav1.Classify(err)
	}
	if p.kills.TakeKilled(video.ID) {
		// A stall kill is stage-critical: the stuck file is failed and
		// the stage stops for operator attention.
		c = abav1.Classification{
			Action:   abav1.ActionPause,
			Reason:   "killed stuck process",
			Category: models.FailureCategoryWatchdog,
		}
	}

	p.recordFailure(ctx, video, c, err.Error(), tail)

	if c.Action == abav1.ActionPause {
		p.logger.Error("pausing stage",
			"video_id", video.ID.String(),
			"reason", c.Reason,
			"error", err.Error(),
		)
		p.failVideo(ctx, video)
		p.producer.Pause()
		p.publish(events.TypePaused, video, map[string]any{"reason": c.Reason})
		return
	}

	p.logger.Warn("video failed",
		"video_id", video.ID.String(),
		"path", video.Path,
		"reason", c.Reason,
		"error", err.Error(),
	)
	p.failVideo(ctx, video)
	p.publish(events.TypeFailed, video, map[string]any{"reason": c.Reason})
}

func (p *Processor) failVideo(ctx context.Context, video *models.Video) {
	if err := p.videos.SetFailed(ctx, video.ID, true); err != nil {
		p.logger.Error("marking video failed", "video_id", video.ID.String(), "error", err.Error())
	}
}

func (p *Processor) recordFailure(ctx context.Context, video *models.Video, c abav1.Classification, message string, tail []string) {
	failure := &models.VideoFailure{
		VideoID:  video.ID,
		Stage:    p.handler.Stage(),
		Category: c.Category,
		Code:     c.Code,
		Message:  message,
		Context:  strings.Join(tail, "\n"),
	}
	if err := p.failures.Create(ctx, failure); err != nil {
		p.logger.Error("recording failure", "video_id", video.ID.String(), "error", err.Error())
	}
}

func (p *Processor) publish(eventType events.Type, video *models.Video, payload map[string]any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{
		Topic:   TopicForStage(p.handler.Stage()),
		Type:    eventType,
		VideoID: video.ID.String(),
		Payload: payload,
	})
}

func errAsRunError(err error) (*abav1.RunError, bool) {
	var runErr *abav1.RunError
	ok := errors.As(err, &runErr)
	return runErr, ok
}
