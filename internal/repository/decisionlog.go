package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/aman-churiwal/tiered-gateway/internal/storage"
)

type DecisionLogRepository struct {
	db *storage.Postgres
}

func NewDecisionLogRepository(db *storage.Postgres) *DecisionLogRepository {
	return &DecisionLogRepository{db: db}
}

// Inserts multiple decision logs in one statement
func (r *DecisionLogRepository) CreateBatch(ctx context.Context, logs []models.DecisionLog) error {
	if len(logs) == 0 {
		return nil
	}

	return r.db.DB.WithContext(ctx).Create(&logs).Error
}

type OutcomeCount struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Count   int64  `json:"count"`
}

// Counts decisions in a time range grouped by outcome and rejection reason
func (r *DecisionLogRepository) CountByOutcome(ctx context.Context, from, to time.Time) ([]OutcomeCount, error) {
	var results []OutcomeCount

	err := r.db.DB.WithContext(ctx).
		Model(&models.DecisionLog{}).
		Select("allowed, reason, COUNT(*) AS count").
		Where("timestamp BETWEEN ? AND ?", from, to).
		Group("allowed, reason").
		Order("count DESC").
		Scan(&results).Error

	return results, err
}

type PathCount struct {
	Path  string `json:"path"`
	Count int64  `json:"count"`
}

// Returns the most rejected paths in a time range
func (r *DecisionLogRepository) TopRejectedPaths(ctx context.Context, from, to time.Time, limit int) ([]PathCount, error) {
	var results []PathCount

	err := r.db.DB.WithContext(ctx).
		Model(&models.DecisionLog{}).
		Select("path, COUNT(*) AS count").
		Where("allowed = ? AND timestamp BETWEEN ? AND ?", false, from, to).
		Group("path").
		Order("count DESC").
		Limit(limit).
		Scan(&results).Error

	return results, err
}

// Deletes decision logs older than the specified time
func (r *DecisionLogRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("timestamp < ?", before).
		Delete(&models.DecisionLog{})

	return result.RowsAffected, result.Error
}
