package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mjc/reencodarr/internal/models"
	"golang.org/x/time/rate"
)

// Selector fetches the next videos eligible for a stage, skipping the
// given in-flight IDs. It returns fewer than limit (possibly none)
// when the queue runs dry.
type Selector func(ctx context.Context, exclude []models.ULID, limit int) ([]*models.Video, error)

// Producer owns one stage's dispatch state: which videos are in
// flight, whether the stage is paused, and how fast work may be
// claimed. The paused flag and the in-flight set here are the
// authority; nothing else tracks them.
type Producer struct {
	stage    models.Stage
	selector Selector
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu       sync.Mutex
	paused   bool
	inFlight map[models.ULID]struct{}

	wake chan struct{}
}

// NewProducer creates a producer for the given stage. A nil limiter
// disables rate limiting.
func NewProducer(stage models.Stage, selector Selector, limiter *rate.Limiter, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		stage:    stage,
		selector: selector,
		limiter:  limiter,
		logger:   logger.With("component", "producer", "stage", string(stage)),
		inFlight: make(map[models.ULID]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Stage returns the stage this producer feeds.
func (p *Producer) Stage() models.Stage { return p.stage }

// Pause stops dispatch. In-flight work is unaffected.
func (p *Producer) Pause() {
	p.mu.Lock()
	was := p.paused
	p.paused = true
	p.mu.Unlock()
	if !was {
		p.logger.Info("stage paused")
	}
}

// Resume re-enables dispatch and wakes the processor.
func (p *Producer) Resume() {
	p.mu.Lock()
	was := p.paused
	p.paused = false
	p.mu.Unlock()
	if was {
		p.logger.Info("stage resumed")
		p.Poke()
	}
}

// Paused reports the dispatch state.
func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Poke signals that new work may be available. Coalesces; never blocks.
func (p *Producer) Poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel the processor waits on between drains.
func (p *Producer) Wake() <-chan struct{} { return p.wake }

// Claim returns the next eligible video and marks it in flight, or nil
// when the stage is paused or the queue is empty. The rate limiter
// gates the claim, so a flood of dispatch signals cannot outrun the
// configured stage rate.
func (p *Producer) Claim(ctx context.Context) (*models.Video, error) {
	if p.Paused() {
		return nil, nil
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	// Re-check after the limiter wait; a pause may have landed meanwhile.
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return nil, nil
	}
	exclude := make([]models.ULID, 0, len(p.inFlight))
	for id := range p.inFlight {
		exclude = append(exclude, id)
	}
	p.mu.Unlock()

	videos, err := p.selector(ctx, exclude, 1)
	if err != nil {
		return nil, fmt.Errorf("selecting next %s video: %w", p.stage, err)
	}
	if len(videos) == 0 {
		return nil, nil
	}

	video := videos[0]
	p.mu.Lock()
	p.inFlight[video.ID] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("video claimed", "video_id", video.ID.String(), "path", video.Path)
	return video, nil
}

// Release returns a claimed video and signals the processor in case
// more work became eligible while it was held.
func (p *Producer) Release(id models.ULID) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
	p.Poke()
}

// InFlight returns a snapshot of currently claimed video IDs.
func (p *Producer) InFlight() []models.ULID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.ULID, 0, len(p.inFlight))
	for id := range p.inFlight {
		out = append(out, id)
	}
	return out
}
