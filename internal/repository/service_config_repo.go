package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/mjc/reencodarr/internal/models"
	"gorm.io/gorm"
)

// serviceConfigRepo implements ServiceConfigRepository using GORM.
type serviceConfigRepo struct {
	db *gorm.DB
}

// NewServiceConfigRepository creates a new ServiceConfigRepository.
func NewServiceConfigRepository(db *gorm.DB) *serviceConfigRepo {
	return &serviceConfigRepo{db: db}
}

// Upsert inserts the config or updates the row with the same
// (kind, base_url) pair.
func (r *serviceConfigRepo) Upsert(ctx context.Context, cfg *models.ServiceConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating service config: %w", err)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ServiceConfig
		err := tx.Where("kind = ? AND base_url = ?", cfg.Kind, cfg.BaseURL).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(cfg).Error
		}
		if err != nil {
			return fmt.Errorf("looking up service config: %w", err)
		}

		cfg.ID = existing.ID
		cfg.CreatedAt = existing.CreatedAt
		return tx.Save(cfg).Error
	})
}

// GetAll retrieves all service configs.
func (r *serviceConfigRepo) GetAll(ctx context.Context) ([]*models.ServiceConfig, error) {
	var configs []*models.ServiceConfig
	if err := r.db.WithContext(ctx).Order("kind ASC, base_url ASC").Find(&configs).Error; err != nil {
		return nil, fmt.Errorf("getting all service configs: %w", err)
	}
	return configs, nil
}

// GetEnabled retrieves enabled service configs.
func (r *serviceConfigRepo) GetEnabled(ctx context.Context) ([]*models.ServiceConfig, error) {
	var configs []*models.ServiceConfig
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("kind ASC, base_url ASC").
		Find(&configs).Error; err != nil {
		return nil, fmt.Errorf("getting enabled service configs: %w", err)
	}
	return configs, nil
}

// Delete deletes a service config by ID.
func (r *serviceConfigRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.ServiceConfig{}).Error; err != nil {
		return fmt.Errorf("deleting service config: %w", err)
	}
	return nil
}

// Ensure serviceConfigRepo implements ServiceConfigRepository at compile time.
var _ ServiceConfigRepository = (*serviceConfigRepo)(nil)
