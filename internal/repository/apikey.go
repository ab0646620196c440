package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/aman-churiwal/tiered-gateway/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type APIKeyRepository struct {
	db *storage.Postgres
}

func NewAPIKeyRepository(db *storage.Postgres) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) Create(ctx context.Context, apiKey *models.APIKey) error {
	return r.db.DB.WithContext(ctx).Create(apiKey).Error
}

// Returns the record regardless of its active flag; the caller decides whether it is usable
func (r *APIKeyRepository) Lookup(ctx context.Context, fingerprint string) (*models.APIKey, error) {
	var apiKey models.APIKey
	err := r.db.DB.WithContext(ctx).
		Where("key_hash = ?", fingerprint).
		First(&apiKey).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &apiKey, nil
}

// Flips is_active to false. Reports whether this call changed the row
func (r *APIKeyRepository) Deactivate(ctx context.Context, fingerprint string) (bool, error) {
	result := r.db.DB.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("key_hash = ? AND is_active = ?", fingerprint, true).
		Updates(map[string]interface{}{
			"is_active":      false,
			"deactivated_at": time.Now().UTC(),
		})

	return result.RowsAffected > 0, result.Error
}

// Active keys whose expiry lies before now, oldest first
func (r *APIKeyRepository) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := r.db.DB.WithContext(ctx).
		Where("is_active = ? AND expires_at < ?", true, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&keys).Error

	return keys, err
}

func (r *APIKeyRepository) FindByID(ctx context.Context, id string) (*models.APIKey, error) {
	var apiKey models.APIKey
	err := r.db.DB.WithContext(ctx).
		Where("id = ?", id).
		First(&apiKey).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &apiKey, nil
}

func (r *APIKeyRepository) List(ctx context.Context) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := r.db.DB.WithContext(ctx).
		Order("created_at DESC").
		Find(&keys).Error

	return keys, err
}

func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	return r.db.DB.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("id IN ?", ids).
		Update("last_used_at", at).Error
}

func (r *APIKeyRepository) CountByTier(ctx context.Context, tier string) (int64, error) {
	var count int64
	err := r.db.DB.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("tier = ? AND is_active = ?", tier, true).
		Count(&count).Error

	return count, err
}
