// Package postprocess lands a finished encode: it verifies the output,
// moves it over the original file (handling cross-device moves), refreshes
// the probe-derived attributes, advances the video's state, and tells the
// owning media manager to rescan.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mjc/reencodarr/internal/ffprobe"
	"github.com/mjc/reencodarr/internal/models"
	"github.com/mjc/reencodarr/internal/repository"
)

// Post-processing errors.
var (
	ErrOutputMissing = errors.New("encode output missing or empty")
)

// TempSuffix marks in-progress encode outputs so orphan cleanup can
// recognize them after a crash.
const TempSuffix = ".reencodarr.tmp"

// TempOutputPath returns where the encoder writes a video's in-progress
// output inside the work dir.
func TempOutputPath(tempDir string, videoID models.ULID) string {
	return filepath.Join(tempDir, videoID.String()+".mkv"+TempSuffix)
}

// Notifier is satisfied by the services notifier.
type Notifier interface {
	NotifyEncoded(ctx context.Context, video *models.Video) error
}

// PostProcessor finalizes successful encodes.
type PostProcessor struct {
	videos   repository.VideoRepository
	failures repository.FailureRepository
	prober   *ffprobe.Prober
	notifier Notifier
	logger   *slog.Logger
}

// New creates a post-processor. notifier may be nil when no external
// services are configured.
func New(videos repository.VideoRepository, failures repository.FailureRepository, prober *ffprobe.Prober, notifier Notifier, logger *slog.Logger) *PostProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostProcessor{
		videos:   videos,
		failures: failures,
		prober:   prober,
		notifier: notifier,
		logger:   logger.With("component", "postprocess"),
	}
}

// Process replaces the source file with the encoded output and advances
// the video to its final state. A notification failure is recorded in
// the failure log but does not fail the video; the file on disk is
// already replaced at that point.
func (p *PostProcessor) Process(ctx context.Context, video *models.Video, encodedPath string) error {
	info, err := os.Stat(encodedPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrOutputMissing, encodedPath)
	}

	if err := MoveFile(encodedPath, video.Path); err != nil {
		return fmt.Errorf("replacing %s: %w", video.Path, err)
	}

	p.logger.Info("encode landed",
		"path", video.Path,
		"encoded_bytes", info.Size(),
		"source_bytes", video.Size,
	)

	if err := p.reprobe(ctx, video); err != nil {
		// The file was replaced; stale attributes are recoverable by a
		// later re-analysis, so log and keep going.
		p.logger.Warn("re-probing replaced file", "path", video.Path, "error", err.Error())
		video.Size = info.Size()
	}

	if err := video.Transition(models.VideoStateEncoded); err != nil {
		return fmt.Errorf("advancing %s: %w", video.Path, err)
	}
	if err := p.videos.Update(ctx, video); err != nil {
		return fmt.Errorf("persisting %s: %w", video.Path, err)
	}

	p.notify(ctx, video)
	return nil
}

// reprobe refreshes the video's media attributes from the replaced file.
func (p *PostProcessor) reprobe(ctx context.Context, video *models.Video) error {
	if p.prober == nil {
		return errors.New("no prober configured")
	}
	result, err := p.prober.Probe(ctx, video.Path)
	if err != nil {
		return err
	}

	var size int64
	if info, err := os.Stat(video.Path); err == nil {
		size = info.Size()
	}

	attrs, err := ffprobe.Derive(result, size)
	if err != nil {
		return err
	}
	attrs.Apply(video)
	return nil
}

func (p *PostProcessor) notify(ctx context.Context, video *models.Video) {
	if p.notifier == nil {
		return
	}
	err := p.notifier.NotifyEncoded(ctx, video)
	if err == nil {
		return
	}

	p.logger.Warn("library notification failed", "path", video.Path, "error", err.Error())
	if p.failures != nil {
		failure := &models.VideoFailure{
			VideoID:  video.ID,
			Stage:    models.StagePostProcess,
			Category: models.FailureCategoryPostProcess,
			Message:  err.Error(),
		}
		if createErr := p.failures.Create(ctx, failure); createErr != nil {
			p.logger.Error("recording notification failure", "error", createErr.Error())
		}
	}
}

// Discard removes a partial encode output after a failed run. Missing
// files are fine; anything else is logged and swallowed.
func (p *PostProcessor) Discard(encodedPath string) {
	if encodedPath == "" {
		return
	}
	if err := os.Remove(encodedPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("removing partial output", "path", encodedPath, "error", err.Error())
	}
}

// MoveFile moves src over dst, replacing it. Within one filesystem this
// is a rename; across devices it copies through a temp file beside dst
// and cleans up the partial copy on error.
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return fmt.Errorf("renaming %s: %w", src, err)
	}
	return copyAcrossDevices(src, dst)
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return errors.Is(linkErr.Err, syscall.EXDEV)
	}
	return errors.Is(err, syscall.EXDEV)
}

func copyAcrossDevices(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	// Copy into a temp file on the destination filesystem so a crash
	// mid-copy never leaves a truncated file at dst.
	tmp := dst + TempSuffix
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmp)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return fmt.Errorf("copying to %s: %w", tmp, err)
	}
	if err = out.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp, err)
	}

	if srcInfo, statErr := os.Stat(src); statErr == nil {
		_ = os.Chmod(tmp, srcInfo.Mode())
	}

	if err = os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	if err = os.Remove(src); err != nil {
		return fmt.Errorf("removing source %s: %w", src, err)
	}
	return nil
}

// CleanOrphans removes leftover in-progress outputs from the work dir.
// Returns how many files were removed.
func CleanOrphans(tempDir string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading temp dir: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), TempSuffix) {
			continue
		}
		path := filepath.Join(tempDir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("removing orphan temp output", "path", path, "error", err.Error())
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.Info("cleaned orphan temp outputs", "count", removed, "dir", tempDir)
	}
	return removed, nil
}
