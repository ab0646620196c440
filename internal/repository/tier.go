package repository

import (
	"context"

	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/aman-churiwal/tiered-gateway/internal/storage"
	"gorm.io/gorm/clause"
)

type TierRepository struct {
	db *storage.Postgres
}

func NewTierRepository(db *storage.Postgres) *TierRepository {
	return &TierRepository{db: db}
}

// Inserts the tiers, overwriting rows that already exist under the same name
func (r *TierRepository) Seed(ctx context.Context, tiers []models.RateLimitTier) error {
	if len(tiers) == 0 {
		return nil
	}

	return r.db.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"requests_per_minute", "burst_limit", "concurrent_requests", "endpoint_limits"}),
		}).
		Create(&tiers).Error
}

func (r *TierRepository) LoadAll(ctx context.Context) ([]models.RateLimitTier, error) {
	var tiers []models.RateLimitTier
	err := r.db.DB.WithContext(ctx).
		Order("name ASC").
		Find(&tiers).Error

	return tiers, err
}
