// Package stats maintains the aggregated queue projection served to
// operators. Recomputation is triggered by pipeline lifecycle events and
// throttled to roughly one refresh per second regardless of event volume.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mjc/reencodarr/internal/events"
	"github.com/mjc/reencodarr/internal/repository"
)

// DefaultTTL is how long a computed snapshot stays fresh.
const DefaultTTL = time.Second

// Snapshot is one consistent view of the queue.
type Snapshot struct {
	TotalVideos        int64                        `json:"total_videos"`
	States             []repository.StateCount      `json:"states"`
	ChosenSamples      int64                        `json:"chosen_samples"`
	TotalSourceBytes   int64                        `json:"total_source_bytes"`
	PredictedBytes     int64                        `json:"predicted_bytes"`
	EstimatedSavings   int64                        `json:"estimated_savings_bytes"`
	Libraries          []repository.LibrarySavings  `json:"libraries,omitempty"`
	UnresolvedFailures int64                        `json:"unresolved_failures"`
	LastActivity       *time.Time                   `json:"last_activity,omitempty"`
	ComputedAt         time.Time                    `json:"computed_at"`
}

// Collector computes and caches queue snapshots.
type Collector struct {
	videos   repository.VideoRepository
	failures repository.FailureRepository
	bus      *events.Bus
	logger   *slog.Logger
	ttl      time.Duration

	mu     sync.Mutex
	cached *Snapshot
	dirty  bool

	sub  *events.Subscription
	done chan struct{}
}

// NewCollector creates a stats collector. The bus is optional; without it
// snapshots refresh purely on the TTL.
func NewCollector(videos repository.VideoRepository, failures repository.FailureRepository, bus *events.Bus, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		videos:   videos,
		failures: failures,
		bus:      bus,
		logger:   logger,
		ttl:      DefaultTTL,
		dirty:    true,
	}
}

// WithTTL overrides the snapshot freshness window.
func (c *Collector) WithTTL(ttl time.Duration) *Collector {
	if ttl > 0 {
		c.ttl = ttl
	}
	return c
}

// Start subscribes to pipeline lifecycle events so DB-changing activity
// invalidates the cache promptly.
func (c *Collector) Start() {
	if c.bus == nil {
		return
	}
	c.sub = c.bus.Subscribe(events.TopicAnalyzer, events.TopicCrfSearch, events.TopicEncoder)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		for event := range c.sub.Events() {
			if event.IsProgress() {
				continue
			}
			c.MarkDirty()
		}
	}()
}

// Stop unsubscribes from the bus and waits for the event loop to drain.
func (c *Collector) Stop() {
	if c.sub == nil {
		return
	}
	c.bus.Unsubscribe(c.sub)
	<-c.done
	c.sub = nil
}

// MarkDirty invalidates the cached snapshot.
func (c *Collector) MarkDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// Snapshot returns the current projection, recomputing when the cache is
// stale or invalidated. Concurrent callers within the TTL share one
// computation.
func (c *Collector) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && !c.dirty && time.Since(c.cached.ComputedAt) < c.ttl {
		return c.cached, nil
	}

	snap, err := c.compute(ctx)
	if err != nil {
		return nil, err
	}
	c.cached = snap
	c.dirty = false

	if c.bus != nil {
		c.bus.Publish(events.Event{
			Topic:   events.TopicStats,
			Type:    events.TypeProgress,
			Payload: snap,
		})
	}
	return snap, nil
}

func (c *Collector) compute(ctx context.Context) (*Snapshot, error) {
	states, err := c.videos.StateCounts(ctx)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, bucket := range states {
		total += bucket.Count
	}

	savings, err := c.videos.Savings(ctx)
	if err != nil {
		return nil, err
	}
	libraries, err := c.videos.SavingsByLibrary(ctx)
	if err != nil {
		return nil, err
	}
	lastActivity, err := c.videos.LastActivity(ctx)
	if err != nil {
		return nil, err
	}
	unresolved, err := c.failures.CountUnresolved(ctx)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		TotalVideos:        total,
		States:             states,
		ChosenSamples:      savings.VideoCount,
		TotalSourceBytes:   savings.TotalSourceBytes,
		PredictedBytes:     savings.TotalPredictedBytes,
		EstimatedSavings:   savings.TotalSourceBytes - savings.TotalPredictedBytes,
		Libraries:          libraries,
		UnresolvedFailures: unresolved,
		LastActivity:       lastActivity,
		ComputedAt:         time.Now(),
	}, nil
}
