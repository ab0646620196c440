package service

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/repository"
)

type DecisionStats interface {
	CountByOutcome(ctx context.Context, from, to time.Time) ([]repository.OutcomeCount, error)
	TopRejectedPaths(ctx context.Context, from, to time.Time, limit int) ([]repository.PathCount, error)
}

type AnalyticsService struct {
	repository DecisionStats
}

func NewAnalyticsService(repo DecisionStats) *AnalyticsService {
	return &AnalyticsService{repository: repo}
}

// Admission decisions over a time range
type DecisionSummary struct {
	From          time.Time              `json:"from"`
	To            time.Time              `json:"to"`
	Total         int64                  `json:"total"`
	Allowed       int64                  `json:"allowed"`
	Rejected      int64                  `json:"rejected"`
	RejectionRate float64                `json:"rejection_rate"`
	ByReason      map[string]int64       `json:"by_reason"`
	TopRejected   []repository.PathCount `json:"top_rejected_paths"`
}

var ErrInvalidRange = errors.New("'from' must be before 'to'")

func (s *AnalyticsService) GetSummary(ctx context.Context, from, to time.Time) (*DecisionSummary, error) {
	if !from.Before(to) {
		return nil, ErrInvalidRange
	}

	counts, err := s.repository.CountByOutcome(ctx, from, to)
	if err != nil {
		return nil, err
	}

	summary := &DecisionSummary{
		From:     from,
		To:       to,
		ByReason: make(map[string]int64),
	}
	for _, c := range counts {
		summary.Total += c.Count
		if c.Allowed {
			summary.Allowed += c.Count
			continue
		}
		summary.Rejected += c.Count
		summary.ByReason[c.Reason] += c.Count
	}

	if summary.Total == 0 {
		return summary, nil
	}
	summary.RejectionRate = float64(summary.Rejected) / float64(summary.Total)

	top, err := s.repository.TopRejectedPaths(ctx, from, to, 10)
	if err != nil {
		return nil, err
	}
	summary.TopRejected = top

	return summary, nil
}
