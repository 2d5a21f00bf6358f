package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/mjc/reencodarr/internal/models"
	"gorm.io/gorm"
)

// failureRepo implements FailureRepository using GORM.
type failureRepo struct {
	db *gorm.DB
}

// NewFailureRepository creates a new FailureRepository.
func NewFailureRepository(db *gorm.DB) *failureRepo {
	return &failureRepo{db: db}
}

// Create creates a new failure record.
func (r *failureRepo) Create(ctx context.Context, failure *models.VideoFailure) error {
	if err := failure.Validate(); err != nil {
		return fmt.Errorf("validating failure: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(failure).Error; err != nil {
		return fmt.Errorf("creating failure: %w", err)
	}
	return nil
}

// GetByID retrieves a failure by ID.
func (r *failureRepo) GetByID(ctx context.Context, id models.ULID) (*models.VideoFailure, error) {
	var failure models.VideoFailure
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&failure).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting failure by ID: %w", err)
	}
	return &failure, nil
}

// GetByVideoID retrieves all failures for a video, newest first.
func (r *failureRepo) GetByVideoID(ctx context.Context, videoID models.ULID) ([]*models.VideoFailure, error) {
	var failures []*models.VideoFailure
	if err := r.db.WithContext(ctx).
		Where("video_id = ?", videoID).
		Order("created_at DESC").
		Find(&failures).Error; err != nil {
		return nil, fmt.Errorf("getting failures by video ID: %w", err)
	}
	return failures, nil
}

// List retrieves failures with pagination, newest first.
func (r *failureRepo) List(ctx context.Context, unresolvedOnly bool, offset, limit int) ([]*models.VideoFailure, int64, error) {
	var failures []*models.VideoFailure
	var total int64

	query := r.db.WithContext(ctx).Model(&models.VideoFailure{})
	if unresolvedOnly {
		query = query.Where("resolved = ?", false)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting failures: %w", err)
	}

	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&failures).Error; err != nil {
		return nil, 0, fmt.Errorf("listing failures: %w", err)
	}

	return failures, total, nil
}

// Resolve marks a failure as acknowledged.
func (r *failureRepo) Resolve(ctx context.Context, id models.ULID) error {
	result := r.db.WithContext(ctx).Model(&models.VideoFailure{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": models.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("resolving failure: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ResolveByVideoID marks all failures for a video as acknowledged.
func (r *failureRepo) ResolveByVideoID(ctx context.Context, videoID models.ULID) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.VideoFailure{}).
		Where("video_id = ? AND resolved = ?", videoID, false).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": models.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("resolving failures for video: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PruneResolved deletes resolved failures older than the cutoff,
// keeping the audit log from growing without bound.
func (r *failureRepo) PruneResolved(ctx context.Context, olderThan models.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("resolved = ? AND resolved_at < ?", true, olderThan).
		Delete(&models.VideoFailure{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning resolved failures: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountUnresolved returns the number of unresolved failures.
func (r *failureRepo) CountUnresolved(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.VideoFailure{}).
		Where("resolved = ?", false).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting unresolved failures: %w", err)
	}
	return count, nil
}

// Ensure failureRepo implements FailureRepository at compile time.
var _ FailureRepository = (*failureRepo)(nil)
