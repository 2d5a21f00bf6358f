package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/mjc/reencodarr/internal/models"
	"gorm.io/gorm"
)

// vmafRepo implements VmafRepository using GORM.
type vmafRepo struct {
	db *gorm.DB
}

// NewVmafRepository creates a new VmafRepository.
func NewVmafRepository(db *gorm.DB) *vmafRepo {
	return &vmafRepo{db: db}
}

// Upsert inserts the sample or updates the existing row with the same
// (video_id, crf) pair. Re-running a search must not accumulate
// duplicate samples for the same CRF.
func (r *vmafRepo) Upsert(ctx context.Context, vmaf *models.Vmaf) error {
	if err := vmaf.Validate(); err != nil {
		return fmt.Errorf("validating vmaf: %w", err)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Vmaf
		err := tx.Where("video_id = ? AND crf = ?", vmaf.VideoID, vmaf.CRF).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(vmaf).Error
		}
		if err != nil {
			return fmt.Errorf("looking up sample: %w", err)
		}

		vmaf.ID = existing.ID
		vmaf.CreatedAt = existing.CreatedAt
		return tx.Save(vmaf).Error
	})
}

// GetByVideoID retrieves all samples for a video, lowest CRF first.
func (r *vmafRepo) GetByVideoID(ctx context.Context, videoID models.ULID) ([]*models.Vmaf, error) {
	var vmafs []*models.Vmaf
	if err := r.db.WithContext(ctx).
		Where("video_id = ?", videoID).
		Order("crf ASC").
		Find(&vmafs).Error; err != nil {
		return nil, fmt.Errorf("getting samples by video ID: %w", err)
	}
	return vmafs, nil
}

// GetChosen retrieves the chosen sample for a video, or nil.
func (r *vmafRepo) GetChosen(ctx context.Context, videoID models.ULID) (*models.Vmaf, error) {
	var vmaf models.Vmaf
	if err := r.db.WithContext(ctx).
		Where("video_id = ? AND chosen = ?", videoID, true).
		First(&vmaf).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting chosen sample: %w", err)
	}
	return &vmaf, nil
}

// MarkChosen atomically clears any previous chosen flag for the video
// and sets it on the given sample. A crash can never leave two chosen
// samples because both writes share the transaction.
func (r *vmafRepo) MarkChosen(ctx context.Context, videoID, vmafID models.ULID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Vmaf{}).
			Where("video_id = ? AND chosen = ?", videoID, true).
			Update("chosen", false).Error; err != nil {
			return fmt.Errorf("clearing previous chosen flag: %w", err)
		}

		result := tx.Model(&models.Vmaf{}).
			Where("id = ? AND video_id = ?", vmafID, videoID).
			Update("chosen", true)
		if result.Error != nil {
			return fmt.Errorf("setting chosen flag: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// ClearChosen clears all chosen flags for a video.
func (r *vmafRepo) ClearChosen(ctx context.Context, videoID models.ULID) error {
	if err := r.db.WithContext(ctx).Model(&models.Vmaf{}).
		Where("video_id = ? AND chosen = ?", videoID, true).
		Update("chosen", false).Error; err != nil {
		return fmt.Errorf("clearing chosen flags: %w", err)
	}
	return nil
}

// DeleteByVideoID deletes all samples for a video.
func (r *vmafRepo) DeleteByVideoID(ctx context.Context, videoID models.ULID) error {
	if err := r.db.WithContext(ctx).
		Where("video_id = ?", videoID).
		Delete(&models.Vmaf{}).Error; err != nil {
		return fmt.Errorf("deleting samples: %w", err)
	}
	return nil
}

// Ensure vmafRepo implements VmafRepository at compile time.
var _ VmafRepository = (*vmafRepo)(nil)
