package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjc/reencodarr/internal/abav1"
	"github.com/mjc/reencodarr/internal/config"
	"github.com/mjc/reencodarr/internal/events"
	"github.com/mjc/reencodarr/internal/ffprobe"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/mjc/reencodarr/internal/postprocess"
	"github.com/mjc/reencodarr/internal/repository"
	"github.com/mjc/reencodarr/internal/services"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// TargetCodec is the codec the pipeline converts everything into.
// Videos already in it skip CRF search and encoding.
const TargetCodec = "av1"

// StageStatus is one stage's runtime state, reported to the operator API.
type StageStatus struct {
	Stage    models.Stage `json:"stage"`
	Paused   bool         `json:"paused"`
	InFlight int          `json:"in_flight"`
	PID      int          `json:"pid,omitempty"`
}

// Supervisor owns the three stage pipelines and their support
// machinery. It builds everything from config, starts the pieces in
// dependency order, and tears them down in reverse.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	bus      *events.Bus
	videos   repository.VideoRepository
	vmafs    repository.VmafRepository
	failures repository.FailureRepository

	producers  map[models.Stage]*Producer
	processors map[models.Stage]*Processor
	watchdogs  []*Watchdog
	runners    map[models.Stage]*abav1.Runner
	kills      *killTracker

	cron *cron.Cron
}

// NewSupervisor wires the full pipeline from config and an open
// database handle.
func NewSupervisor(cfg *config.Config, db *gorm.DB, bus *events.Bus, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	binaryPath, err := abav1.ResolveBinary(cfg.AbAv1.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("resolving encoder binary: %w", err)
	}

	videos := repository.NewVideoRepository(db)
	vmafs := repository.NewVmafRepository(db)
	failures := repository.NewFailureRepository(db)
	serviceConfigs := repository.NewServiceConfigRepository(db)

	prober := ffprobe.NewProber(cfg.AbAv1.ProbePath).
		WithTimeout(cfg.Pipeline.Analyze.Timeout.Duration())

	notifier := services.NewNotifier(cfg.Notify, logger)
	if stored, err := serviceConfigs.GetEnabled(context.Background()); err == nil {
		configs := make([]models.ServiceConfig, 0, len(stored))
		for _, sc := range stored {
			configs = append(configs, *sc)
		}
		notifier.AddServiceConfigs(configs, cfg.Notify)
	}

	post := postprocess.New(videos, failures, prober, notifier, logger)
	kills := newKillTracker()

	s := &Supervisor{
		cfg:        cfg,
		logger:     logger.With("component", "supervisor"),
		bus:        bus,
		videos:     videos,
		vmafs:      vmafs,
		failures:   failures,
		producers:  make(map[models.Stage]*Producer),
		processors: make(map[models.Stage]*Processor),
		runners:    make(map[models.Stage]*abav1.Runner),
		kills:      kills,
		cron:       cron.New(),
	}

	// Analysis: bounded probe fan-out, no subprocess, no watchdog.
	analyzeProducer := NewProducer(models.StageAnalyze,
		func(ctx context.Context, exclude []models.ULID, limit int) ([]*models.Video, error) {
			return videos.NextForAnalysis(ctx, exclude, limit)
		},
		stageLimiter(cfg.Pipeline.Analyze), logger)
	analyzer := NewAnalyzer(videos, prober, bus, logger)
	s.producers[models.StageAnalyze] = analyzeProducer
	s.processors[models.StageAnalyze] = NewProcessor(
		analyzeProducer, analyzer, videos, failures, bus, kills,
		cfg.Pipeline.AnalyzeConcurrency, logger)

	// CRF search: one subprocess at a time, watched for stalls.
	searchRunner := abav1.NewRunner(binaryPath, cfg.AbAv1.OutputTailLines, logger)
	s.runners[models.StageCrfSearch] = searchRunner
	searchProducer := NewProducer(models.StageCrfSearch,
		func(ctx context.Context, exclude []models.ULID, limit int) ([]*models.Video, error) {
			return videos.NextForCrfSearch(ctx, TargetCodec, exclude, limit)
		},
		stageLimiter(cfg.Pipeline.CrfSearch), logger)
	searcher := NewCrfSearcher(videos, vmafs, searchRunner, bus,
		cfg.AbAv1.TargetVMAF, cfg.AbAv1.FallbackPreset,
		cfg.Pipeline.CrfSearch.Timeout.Duration(), logger)
	s.producers[models.StageCrfSearch] = searchProducer
	s.processors[models.StageCrfSearch] = NewProcessor(
		searchProducer, searcher, videos, failures, bus, kills, 1, logger)
	s.watchdogs = append(s.watchdogs, NewWatchdog(
		models.StageCrfSearch, searchRunner, searcher.Current, kills, bus,
		cfg.Watchdog.CrfSearch.WarnAfter.Duration(),
		cfg.Watchdog.CrfSearch.KillAfter.Duration(), logger))

	// Encode: one subprocess at a time, watched for stalls.
	encodeRunner := abav1.NewRunner(binaryPath, cfg.AbAv1.OutputTailLines, logger)
	s.runners[models.StageEncode] = encodeRunner
	encodeProducer := NewProducer(models.StageEncode,
		func(ctx context.Context, exclude []models.ULID, limit int) ([]*models.Video, error) {
			return videos.NextForEncode(ctx, exclude, limit)
		},
		stageLimiter(cfg.Pipeline.Encode), logger)
	encoder := NewEncoder(videos, vmafs, encodeRunner, post, bus,
		cfg.Storage.TempDir, cfg.Pipeline.Encode.Timeout.Duration(), logger)
	s.producers[models.StageEncode] = encodeProducer
	s.processors[models.StageEncode] = NewProcessor(
		encodeProducer, encoder, videos, failures, bus, kills, 1, logger)
	s.watchdogs = append(s.watchdogs, NewWatchdog(
		models.StageEncode, encodeRunner, encoder.Current, kills, bus,
		cfg.Watchdog.Encode.WarnAfter.Duration(),
		cfg.Watchdog.Encode.KillAfter.Duration(), logger))

	// Completed work wakes the next stage immediately; otherwise a
	// freshly analyzed video would sit until the periodic poke.
	s.processors[models.StageAnalyze].WithDownstream(searchProducer)
	s.processors[models.StageCrfSearch].WithDownstream(encodeProducer)

	return s, nil
}

// stageLimiter converts stage limits into a token bucket, or nil when
// rate limiting is disabled for the stage.
func stageLimiter(limits config.StageLimits) *rate.Limiter {
	if limits.RateLimitMessages <= 0 || limits.RateLimitInterval <= 0 {
		return nil
	}
	perSecond := float64(limits.RateLimitMessages) / limits.RateLimitInterval.Seconds()
	return rate.NewLimiter(rate.Limit(perSecond), limits.RateLimitMessages)
}

// Start brings the pipeline up: orphan cleanup, stage workers,
// watchdogs, then the periodic dispatch cron. Each stage worker is
// isolated; one stage pausing or crashing leaves the others running.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.Storage.CleanOrphansOnStart {
		if _, err := postprocess.CleanOrphans(s.cfg.Storage.TempDir, s.logger); err != nil {
			s.logger.Warn("orphan cleanup failed", "error", err.Error())
		}
	}

	for _, proc := range s.processors {
		proc.Start(ctx)
	}
	for _, wd := range s.watchdogs {
		wd.Start(ctx)
	}

	// A periodic poke catches work that arrived without a dispatch
	// signal, e.g. rows inserted by an external tool.
	if _, err := s.cron.AddFunc("@every 1m", s.Poke); err != nil {
		return fmt.Errorf("scheduling dispatch poke: %w", err)
	}
	if retention := s.cfg.Pipeline.FailureRetention.Duration(); retention > 0 {
		if _, err := s.cron.AddFunc("@daily", func() { s.pruneFailures(ctx, retention) }); err != nil {
			return fmt.Errorf("scheduling failure prune: %w", err)
		}
	}
	s.cron.Start()

	s.logger.Info("pipeline started",
		"target_codec", TargetCodec,
		"target_vmaf", s.cfg.AbAv1.TargetVMAF,
	)
	return nil
}

// Stop tears the pipeline down in reverse start order.
func (s *Supervisor) Stop() {
	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(5 * time.Second):
	}

	for _, wd := range s.watchdogs {
		wd.Stop()
	}
	for _, proc := range s.processors {
		proc.Stop()
	}
	s.logger.Info("pipeline stopped")
}

// pruneFailures drops resolved failure records past the retention window.
func (s *Supervisor) pruneFailures(ctx context.Context, retention time.Duration) {
	pruned, err := s.failures.PruneResolved(ctx, time.Now().Add(-retention))
	if err != nil {
		s.logger.Warn("failure prune failed", "error", err.Error())
		return
	}
	if pruned > 0 {
		s.logger.Info("pruned resolved failures", "count", pruned)
	}
}

// Poke signals every stage that new work may be available.
func (s *Supervisor) Poke() {
	for _, p := range s.producers {
		p.Poke()
	}
}

// PokeStage signals one stage.
func (s *Supervisor) PokeStage(stage models.Stage) {
	if p, ok := s.producers[stage]; ok {
		p.Poke()
	}
}

// PauseStage pauses dispatch for one stage.
func (s *Supervisor) PauseStage(stage models.Stage) error {
	p, ok := s.producers[stage]
	if !ok {
		return fmt.Errorf("%w: %q", models.ErrInvalidStage, stage)
	}
	p.Pause()
	s.bus.Publish(events.Event{Topic: TopicForStage(stage), Type: events.TypePaused})
	return nil
}

// ResumeStage resumes dispatch for one stage.
func (s *Supervisor) ResumeStage(stage models.Stage) error {
	p, ok := s.producers[stage]
	if !ok {
		return fmt.Errorf("%w: %q", models.ErrInvalidStage, stage)
	}
	p.Resume()
	s.bus.Publish(events.Event{Topic: TopicForStage(stage), Type: events.TypeResumed})
	return nil
}

// Status reports each stage's runtime state.
func (s *Supervisor) Status() []StageStatus {
	stages := []models.Stage{models.StageAnalyze, models.StageCrfSearch, models.StageEncode}
	out := make([]StageStatus, 0, len(stages))
	for _, stage := range stages {
		p := s.producers[stage]
		status := StageStatus{
			Stage:    stage,
			Paused:   p.Paused(),
			InFlight: len(p.InFlight()),
		}
		if runner, ok := s.runners[stage]; ok {
			status.PID = runner.PID()
		}
		out = append(out, status)
	}
	return out
}

// ProcessStats samples CPU and memory for the running subprocesses.
func (s *Supervisor) ProcessStats() map[models.Stage]*abav1.ProcessStats {
	out := make(map[models.Stage]*abav1.ProcessStats)
	for stage, runner := range s.runners {
		if stats := runner.Stats(); stats != nil {
			out[stage] = stats
		}
	}
	return out
}
