// Package pipeline drives videos through the processing stages:
// analysis, CRF search, and encoding. Each stage pairs a producer
// (which owns eligibility, pause state, rate limiting, and the
// in-flight set) with a processor (a worker loop that claims videos
// and hands them to the stage handler). CRF search and encoding run
// exactly one subprocess at a time; analysis fans out probes under a
// bounded concurrency limit.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/mjc/reencodarr/internal/events"
	"github.com/mjc/reencodarr/internal/models"
)

// TopicForStage maps a pipeline stage to its event bus topic.
func TopicForStage(stage models.Stage) events.Topic {
	switch stage {
	case models.StageAnalyze:
		return events.TopicAnalyzer
	case models.StageCrfSearch:
		return events.TopicCrfSearch
	default:
		return events.TopicEncoder
	}
}

// SubprocessRunner is the slice of the ab-av1 runner the stage handlers
// and the watchdog need.
type SubprocessRunner interface {
	Run(ctx context.Context, stage models.Stage, args []string, outputPath string, timeout time.Duration, onLine func(string)) error
	Touch()
	PID() int
	ProgressTimestamp() time.Time
	Kill(pid int)
	OutputTail() []string
}

// killTracker remembers which videos the watchdog killed so the
// processor can attribute the resulting run failure to a stall rather
// than to the kill signal's exit code.
type killTracker struct {
	mu     sync.Mutex
	killed map[models.ULID]struct{}
}

func newKillTracker() *killTracker {
	return &killTracker{killed: make(map[models.ULID]struct{})}
}

// MarkKilled records a watchdog kill for the given video.
func (k *killTracker) MarkKilled(id models.ULID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed[id] = struct{}{}
}

// TakeKilled reports and clears the kill mark for the given video.
func (k *killTracker) TakeKilled(id models.ULID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.killed[id]
	delete(k.killed, id)
	return ok
}
