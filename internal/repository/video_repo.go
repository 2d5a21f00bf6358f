package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mjc/reencodarr/internal/models"
	"gorm.io/gorm"
)

// videoRepo implements VideoRepository using GORM.
type videoRepo struct {
	db *gorm.DB
}

// NewVideoRepository creates a new VideoRepository.
func NewVideoRepository(db *gorm.DB) *videoRepo {
	return &videoRepo{db: db}
}

// Create creates a new video.
func (r *videoRepo) Create(ctx context.Context, video *models.Video) error {
	if err := video.Validate(); err != nil {
		return fmt.Errorf("validating video: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(video).Error; err != nil {
		return fmt.Errorf("creating video: %w", err)
	}
	return nil
}

// GetByID retrieves a video by ID.
func (r *videoRepo) GetByID(ctx context.Context, id models.ULID) (*models.Video, error) {
	var video models.Video
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&video).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting video by ID: %w", err)
	}
	return &video, nil
}

// GetByPath retrieves a video by its file path.
func (r *videoRepo) GetByPath(ctx context.Context, path string) (*models.Video, error) {
	var video models.Video
	if err := r.db.WithContext(ctx).Where("path = ?", path).First(&video).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting video by path: %w", err)
	}
	return &video, nil
}

// GetByServiceRef retrieves a video by its external service reference.
func (r *videoRepo) GetByServiceRef(ctx context.Context, serviceType models.ServiceType, serviceID string) (*models.Video, error) {
	var video models.Video
	if err := r.db.WithContext(ctx).
		Where("service_type = ? AND service_id = ?", serviceType, serviceID).
		First(&video).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting video by service ref: %w", err)
	}
	return &video, nil
}

// UpsertByPath creates the video or refreshes the existing row with the
// same path. When the file on disk changed size the row is rewound to
// needs-analysis and its stale samples are dropped, so the pipeline
// picks it up again from the start.
func (r *videoRepo) UpsertByPath(ctx context.Context, video *models.Video) error {
	if err := video.Validate(); err != nil {
		return fmt.Errorf("validating video: %w", err)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Video
		err := tx.Where("path = ?", video.Path).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(video).Error
		}
		if err != nil {
			return fmt.Errorf("looking up video by path: %w", err)
		}

		// Touch only the columns the caller actually knows. Probe-derived
		// attributes on the existing row survive a rescan.
		updates := map[string]interface{}{"size": video.Size}
		if video.LibraryID != nil {
			updates["library_id"] = video.LibraryID
		}

		changed := existing.Size != video.Size && video.Size > 0
		if changed {
			updates["state"] = models.VideoStateNeedsAnalysis
			updates["failed"] = false
			if err := tx.Where("video_id = ?", existing.ID).Delete(&models.Vmaf{}).Error; err != nil {
				return fmt.Errorf("dropping stale samples: %w", err)
			}
		}

		if err := tx.Model(&models.Video{}).Where("id = ?", existing.ID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("refreshing video row: %w", err)
		}
		return tx.Where("id = ?", existing.ID).First(video).Error
	})
}

// Update updates an existing video.
func (r *videoRepo) Update(ctx context.Context, video *models.Video) error {
	if err := video.Validate(); err != nil {
		return fmt.Errorf("validating video: %w", err)
	}
	if err := r.db.WithContext(ctx).Save(video).Error; err != nil {
		return fmt.Errorf("updating video: %w", err)
	}
	return nil
}

// Delete deletes a video by ID.
func (r *videoRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Video{}).Error; err != nil {
		return fmt.Errorf("deleting video: %w", err)
	}
	return nil
}

// List retrieves videos with pagination, optionally filtered by state.
func (r *videoRepo) List(ctx context.Context, state *models.VideoState, offset, limit int) ([]*models.Video, int64, error) {
	var videos []*models.Video
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Video{})
	if state != nil {
		query = query.Where("state = ?", *state)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting videos: %w", err)
	}

	if err := query.Order("created_at ASC").Offset(offset).Limit(limit).Find(&videos).Error; err != nil {
		return nil, 0, fmt.Errorf("listing videos: %w", err)
	}

	return videos, total, nil
}

// excludeIDs adds a NOT IN clause when the exclusion list is non-empty.
func excludeIDs(query *gorm.DB, exclude []models.ULID) *gorm.DB {
	if len(exclude) == 0 {
		return query
	}
	return query.Where("videos.id NOT IN ?", exclude)
}

// NextForAnalysis returns non-failed videos awaiting analysis, oldest
// insertion first.
func (r *videoRepo) NextForAnalysis(ctx context.Context, exclude []models.ULID, limit int) ([]*models.Video, error) {
	var videos []*models.Video
	query := r.db.WithContext(ctx).
		Where("state = ? AND failed = ?", models.VideoStateNeedsAnalysis, false).
		Order("created_at ASC").
		Limit(limit)
	if err := excludeIDs(query, exclude).Find(&videos).Error; err != nil {
		return nil, fmt.Errorf("selecting videos for analysis: %w", err)
	}
	return videos, nil
}

// NextForCrfSearch returns non-failed analyzed videos ordered by bitrate
// then size descending. Videos already in the target codec are skipped;
// they would gain nothing from a search.
func (r *videoRepo) NextForCrfSearch(ctx context.Context, targetCodec string, exclude []models.ULID, limit int) ([]*models.Video, error) {
	var videos []*models.Video
	query := r.db.WithContext(ctx).
		Where("state = ? AND failed = ?", models.VideoStateAnalyzed, false).
		Order("bitrate DESC, size DESC").
		Limit(limit)
	if targetCodec != "" {
		// StringList columns hold a JSON array; quoted match avoids
		// substring collisions between codec names.
		query = query.Where("video_codecs NOT LIKE ?", `%"`+targetCodec+`"%`)
	}
	if err := excludeIDs(query, exclude).Find(&videos).Error; err != nil {
		return nil, fmt.Errorf("selecting videos for crf search: %w", err)
	}
	return videos, nil
}

// NextForEncode returns non-failed crf-searched videos with a chosen
// sample, biggest predicted savings first.
func (r *videoRepo) NextForEncode(ctx context.Context, exclude []models.ULID, limit int) ([]*models.Video, error) {
	var videos []*models.Video
	query := r.db.WithContext(ctx).Model(&models.Video{}).
		Joins("JOIN vmafs ON vmafs.video_id = videos.id AND vmafs.chosen = ? AND vmafs.deleted_at IS NULL", true).
		Where("videos.state = ? AND videos.failed = ?", models.VideoStateCrfSearched, false).
		Order("(videos.size - vmafs.predicted_filesize) DESC").
		Limit(limit)
	if err := excludeIDs(query, exclude).Find(&videos).Error; err != nil {
		return nil, fmt.Errorf("selecting videos for encode: %w", err)
	}
	return videos, nil
}

// SetState transitions a video, persisting only the state column. The
// transition rules are enforced against the stored row inside the
// transaction, so concurrent writers cannot race a video backwards.
func (r *videoRepo) SetState(ctx context.Context, id models.ULID, state models.VideoState) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var video models.Video
		if err := tx.Where("id = ?", id).First(&video).Error; err != nil {
			return fmt.Errorf("loading video for transition: %w", err)
		}
		if err := video.Transition(state); err != nil {
			return err
		}
		return tx.Model(&models.Video{}).Where("id = ?", id).
			Update("state", state).Error
	})
}

// SetFailed flips the failed flag.
func (r *videoRepo) SetFailed(ctx context.Context, id models.ULID, failed bool) error {
	result := r.db.WithContext(ctx).Model(&models.Video{}).Where("id = ?", id).
		Update("failed", failed)
	if result.Error != nil {
		return fmt.Errorf("setting failed flag: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ResetFailed rewinds every failed video to needs-analysis with the
// failed flag cleared. Stale samples are left in place; a re-run
// overwrites them.
func (r *videoRepo) ResetFailed(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Video{}).
		Where("failed = ?", true).
		Updates(map[string]interface{}{
			"failed": false,
			"state":  models.VideoStateNeedsAnalysis,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("resetting failed videos: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ResetToAnalysis rewinds a video to needs-analysis, clears its failed
// flag and drops its samples.
func (r *videoRepo) ResetToAnalysis(ctx context.Context, id models.ULID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Video{}).Where("id = ?", id).
			Updates(map[string]interface{}{
				"state":  models.VideoStateNeedsAnalysis,
				"failed": false,
			})
		if result.Error != nil {
			return fmt.Errorf("rewinding video: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if err := tx.Where("video_id = ?", id).Delete(&models.Vmaf{}).Error; err != nil {
			return fmt.Errorf("dropping samples: %w", err)
		}
		return nil
	})
}

// StateCounts returns per-state, per-failed-flag video counts.
func (r *videoRepo) StateCounts(ctx context.Context) ([]StateCount, error) {
	var counts []StateCount
	err := r.db.WithContext(ctx).Model(&models.Video{}).
		Select("state, failed, COUNT(*) as count").
		Group("state, failed").
		Find(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("counting videos by state: %w", err)
	}
	return counts, nil
}

// Savings aggregates predicted savings over videos with a chosen sample.
func (r *videoRepo) Savings(ctx context.Context) (*SavingsSummary, error) {
	var summary SavingsSummary
	err := r.db.WithContext(ctx).Model(&models.Video{}).
		Select("COALESCE(SUM(videos.size), 0) as total_source_bytes, " +
			"COALESCE(SUM(vmafs.predicted_filesize), 0) as total_predicted_bytes, " +
			"COUNT(*) as video_count").
		Joins("JOIN vmafs ON vmafs.video_id = videos.id AND vmafs.chosen = ? AND vmafs.deleted_at IS NULL", true).
		Find(&summary).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating savings: %w", err)
	}
	return &summary, nil
}

// SavingsByLibrary groups the savings aggregate by library.
func (r *videoRepo) SavingsByLibrary(ctx context.Context) ([]LibrarySavings, error) {
	var rows []LibrarySavings
	err := r.db.WithContext(ctx).Model(&models.Video{}).
		Select("videos.library_id, " +
			"COUNT(*) as video_count, " +
			"COALESCE(SUM(videos.size), 0) as total_source_bytes, " +
			"COALESCE(SUM(vmafs.predicted_filesize), 0) as total_predicted_bytes").
		Joins("JOIN vmafs ON vmafs.video_id = videos.id AND vmafs.chosen = ? AND vmafs.deleted_at IS NULL", true).
		Group("videos.library_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating savings by library: %w", err)
	}
	return rows, nil
}

// LastActivity returns the most recent video insert or update time.
func (r *videoRepo) LastActivity(ctx context.Context) (*time.Time, error) {
	var last struct {
		UpdatedAt *time.Time
	}
	err := r.db.WithContext(ctx).Model(&models.Video{}).
		Select("MAX(updated_at) as updated_at").
		Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("finding last activity: %w", err)
	}
	return last.UpdatedAt, nil
}

// Ensure videoRepo implements VideoRepository at compile time.
var _ VideoRepository = (*videoRepo)(nil)
