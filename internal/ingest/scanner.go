// Package ingest walks monitored library roots and feeds discovered
// video files into the pipeline queue.
package ingest

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mjc/reencodarr/internal/models"
	"github.com/mjc/reencodarr/internal/postprocess"
	"github.com/mjc/reencodarr/internal/repository"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentScans bounds how many library trees one sweep walks at
// once.
const maxConcurrentScans = 4

// videoExtensions are the container formats the scanner ingests.
var videoExtensions = map[string]struct{}{
	".mkv":  {},
	".mp4":  {},
	".m4v":  {},
	".avi":  {},
	".mov":  {},
	".ts":   {},
	".webm": {},
	".wmv":  {},
}

// IsVideoFile reports whether the path looks like an ingestable video.
// In-progress encode outputs are never ingested.
func IsVideoFile(path string) bool {
	if strings.HasSuffix(path, postprocess.TempSuffix) {
		return false
	}
	_, ok := videoExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Poker wakes a pipeline stage's dispatcher.
type Poker interface {
	PokeStage(stage models.Stage)
}

// Scanner discovers video files under the monitored library roots.
type Scanner struct {
	libraries repository.LibraryRepository
	videos    repository.VideoRepository
	poker     Poker
	logger    *slog.Logger

	cron        *cron.Cron
	schedule    string
	minFileSize int64

	mu       sync.Mutex
	scanning bool
}

// NewScanner creates a library scanner. The poker is optional.
func NewScanner(libraries repository.LibraryRepository, videos repository.VideoRepository, poker Poker, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		libraries: libraries,
		videos:    videos,
		poker:     poker,
		logger:    logger.With("component", "ingest"),
	}
}

// WithSchedule enables periodic rescans with the given cron expression.
func (s *Scanner) WithSchedule(schedule string) *Scanner {
	s.schedule = schedule
	return s
}

// WithMinFileSize skips files below the given size. Zero disables the
// filter.
func (s *Scanner) WithMinFileSize(bytes int64) *Scanner {
	s.minFileSize = bytes
	return s
}

// Start schedules periodic rescans. A no-op without a schedule.
func (s *Scanner) Start(ctx context.Context) error {
	if s.schedule == "" {
		return nil
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.ScanAll(ctx); err != nil {
			s.logger.Error("scheduled scan failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop cancels the rescan schedule and waits for a running scan job.
func (s *Scanner) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// ScanAll walks every monitored library, returning the total number of
// files ingested or refreshed. Overlapping scans are coalesced.
func (s *Scanner) ScanAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		s.logger.Debug("scan already in progress, skipping")
		return 0, nil
	}
	s.scanning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()

	libraries, err := s.libraries.GetMonitored(ctx)
	if err != nil {
		return 0, err
	}

	// Libraries usually live on separate mounts, so their walks can
	// overlap. A failed library is logged and skipped, not fatal.
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentScans)
	for _, library := range libraries {
		g.Go(func() error {
			count, err := s.scanTree(gctx, library)
			if err != nil {
				s.logger.Error("library scan failed",
					"library", library.Path,
					"error", err,
				)
				return nil
			}
			total.Add(int64(count))
			return nil
		})
	}
	_ = g.Wait()

	if total.Load() > 0 && s.poker != nil {
		s.poker.PokeStage(models.StageAnalyze)
	}
	return int(total.Load()), nil
}

// ScanLibrary walks one library tree and pokes the analysis stage when
// anything new turned up.
func (s *Scanner) ScanLibrary(ctx context.Context, library *models.Library) (int, error) {
	count, err := s.scanTree(ctx, library)
	if err != nil {
		return 0, err
	}
	if count > 0 && s.poker != nil {
		s.poker.PokeStage(models.StageAnalyze)
	}
	return count, nil
}

func (s *Scanner) scanTree(ctx context.Context, library *models.Library) (int, error) {
	var count int
	err := filepath.WalkDir(library.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			s.logger.Warn("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != library.Path {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsVideoFile(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if s.minFileSize > 0 && info.Size() < s.minFileSize {
			s.logger.Debug("skipping undersized file", "path", path, "size", info.Size())
			return nil
		}

		video := &models.Video{
			Path:      path,
			LibraryID: &library.ID,
			Size:      info.Size(),
		}
		if err := s.videos.UpsertByPath(ctx, video); err != nil {
			s.logger.Error("ingesting file failed", "path", path, "error", err)
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}

	s.logger.Info("library scanned",
		"library", library.Path,
		"files", count,
	)
	return count, nil
}
