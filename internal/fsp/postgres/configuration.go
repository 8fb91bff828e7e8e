package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/core/database"
	fspmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/fsp"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
)

type ConfigurationRepository struct {
	db *gorm.DB
}

func NewConfigurationRepository(db *gorm.DB) fsp.ConfigurationRepositoryAPI {
	return &ConfigurationRepository{db: db}
}

func (r *ConfigurationRepository) GetByCode(ctx context.Context, fspCode string) (*fspmodel.Configuration, error) {
	var cfg fspmodel.Configuration
	err := r.db.WithContext(ctx).Where("fsp_code = ?", fspCode).First(&cfg).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, internal.NewNotFoundError(fmt.Sprintf("FSP %s not found", fspCode), internal.ErrCodeFSPNotFound)
		}
		return nil, err
	}
	return &cfg, nil
}

func (r *ConfigurationRepository) List(ctx context.Context) ([]*fspmodel.Configuration, error) {
	var configs []*fspmodel.Configuration
	err := r.db.WithContext(ctx).Order("fsp_code ASC").Find(&configs).Error
	return configs, err
}

func (r *ConfigurationRepository) Create(ctx context.Context, cfg *fspmodel.Configuration) error {
	err := r.db.WithContext(ctx).Create(cfg).Error
	if database.IsDuplicateKey(err) {
		return internal.NewConflictError(fmt.Sprintf("FSP %s already exists", cfg.FSPCode), internal.ErrCodeDuplicateFSP)
	}
	return err
}

// Update writes every column when the stored version still matches cfg's.
func (r *ConfigurationRepository) Update(ctx context.Context, cfg *fspmodel.Configuration) error {
	expected := cfg.Version
	cfg.Version = expected + 1
	cfg.UpdatedAt = time.Now().UTC()

	result := r.db.WithContext(ctx).
		Model(&fspmodel.Configuration{}).
		Where("id = ? AND version = ?", cfg.ID, expected).
		Select("*").
		Omit("id", "created_at", "created_by").
		Updates(cfg)
	if result.Error != nil {
		cfg.Version = expected
		return result.Error
	}
	if result.RowsAffected == 0 {
		cfg.Version = expected
		return internal.NewConflictError(
			fmt.Sprintf("FSP %s was modified concurrently", cfg.FSPCode), internal.ErrCodeVersionConflict)
	}
	return nil
}

// UpdateHealth leaves the version alone; health columns are probe output,
// not configuration.
func (r *ConfigurationRepository) UpdateHealth(ctx context.Context, fspCode string, status fspmodel.HealthStatus, checkedAt time.Time, lastHealthyAt *time.Time) error {
	updates := map[string]interface{}{
		"health_status":     status,
		"last_health_check": checkedAt,
	}
	if lastHealthyAt != nil {
		updates["last_healthy_at"] = *lastHealthyAt
	}
	return r.db.WithContext(ctx).
		Model(&fspmodel.Configuration{}).
		Where("fsp_code = ?", fspCode).
		UpdateColumns(updates).Error
}
