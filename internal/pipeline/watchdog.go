package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mjc/reencodarr/internal/events"
	"github.com/mjc/reencodarr/internal/models"
)

// defaultWatchdogInterval is how often stall checks run.
const defaultWatchdogInterval = 30 * time.Second

// Watchdog watches one subprocess stage for stalls. When the tool
// stops reporting progress it first logs a warning, then kills the
// process group so the stage can move on. The kill is attributed to
// the stalled video through the shared kill tracker, which keeps the
// classifier from reading the SIGKILL exit code as an OOM; the
// processor records the failure when the killed run returns.
type Watchdog struct {
	stage   models.Stage
	runner  SubprocessRunner
	current func() (models.ULID, bool)
	kills   *killTracker
	bus     *events.Bus
	logger  *slog.Logger

	warnAfter time.Duration
	killAfter time.Duration
	interval  time.Duration

	mu     sync.Mutex
	warned bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWatchdog creates a watchdog for one stage. current reports which
// video the stage handler is working on.
func NewWatchdog(
	stage models.Stage,
	runner SubprocessRunner,
	current func() (models.ULID, bool),
	kills *killTracker,
	bus *events.Bus,
	warnAfter, killAfter time.Duration,
	logger *slog.Logger,
) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		stage:     stage,
		runner:    runner,
		current:   current,
		kills:     kills,
		bus:       bus,
		logger:    logger.With("component", "watchdog", "stage", string(stage)),
		warnAfter: warnAfter,
		killAfter: killAfter,
		interval:  defaultWatchdogInterval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// WithInterval overrides the check interval.
func (w *Watchdog) WithInterval(d time.Duration) *Watchdog {
	if d > 0 {
		w.interval = d
	}
	return w
}

// Start launches the stall check loop.
func (w *Watchdog) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop shuts the watchdog down.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watchdog) check() {
	pid := w.runner.PID()
	if pid == 0 {
		w.mu.Lock()
		w.warned = false
		w.mu.Unlock()
		return
	}

	stalled := time.Since(w.runner.ProgressTimestamp())

	if w.killAfter > 0 && stalled >= w.killAfter {
		videoID, ok := w.current()
		w.logger.Error("killing stalled subprocess",
			"pid", pid,
			"stalled_for", stalled.Round(time.Second).String(),
		)
		if ok {
			w.kills.MarkKilled(videoID)
		}
		w.runner.Kill(pid)
		w.publish(events.TypeKilled, pid, stalled)

		w.mu.Lock()
		w.warned = false
		w.mu.Unlock()
		return
	}

	if w.warnAfter > 0 && stalled >= w.warnAfter {
		w.mu.Lock()
		shouldWarn := !w.warned
		w.warned = true
		w.mu.Unlock()
		if shouldWarn {
			w.logger.Warn("subprocess has not reported progress",
				"pid", pid,
				"stalled_for", stalled.Round(time.Second).String(),
				"kill_after", w.killAfter.String(),
			)
			w.publish(events.TypeStalled, pid, stalled)
		}
		return
	}

	// Progress resumed since the last warning.
	w.mu.Lock()
	w.warned = false
	w.mu.Unlock()
}

// publish emits a health alert for the UI collaborator.
func (w *Watchdog) publish(t events.Type, pid int, stalled time.Duration) {
	if w.bus == nil {
		return
	}
	event := events.Event{
		Topic: events.TopicHealth,
		Type:  t,
		Payload: map[string]any{
			"stage":       string(w.stage),
			"pid":         pid,
			"stalled_for": stalled.Round(time.Second).String(),
		},
	}
	if videoID, ok := w.current(); ok {
		event.VideoID = videoID.String()
	}
	w.bus.Publish(event)
}
