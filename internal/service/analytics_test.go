package service

import (
	"context"
	"testing"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	counts []repository.OutcomeCount
	top    []repository.PathCount
}

func (f *fakeStats) CountByOutcome(ctx context.Context, from, to time.Time) ([]repository.OutcomeCount, error) {
	return f.counts, nil
}

func (f *fakeStats) TopRejectedPaths(ctx context.Context, from, to time.Time, limit int) ([]repository.PathCount, error) {
	return f.top, nil
}

func TestAnalyticsService_GetSummary(t *testing.T) {
	stats := &fakeStats{
		counts: []repository.OutcomeCount{
			{Allowed: true, Count: 70},
			{Allowed: false, Reason: "rate_exceeded", Count: 20},
			{Allowed: false, Reason: "key_invalid", Count: 10},
		},
		top: []repository.PathCount{{Path: "/api/heavy-operation", Count: 25}},
	}
	svc := NewAnalyticsService(stats)
	to := time.Now()

	summary, err := svc.GetSummary(context.Background(), to.Add(-time.Hour), to)
	require.NoError(t, err)

	assert.Equal(t, int64(100), summary.Total)
	assert.Equal(t, int64(70), summary.Allowed)
	assert.Equal(t, int64(30), summary.Rejected)
	assert.InDelta(t, 0.3, summary.RejectionRate, 1e-9)
	assert.Equal(t, int64(20), summary.ByReason["rate_exceeded"])
	assert.Equal(t, stats.top, summary.TopRejected)
}

func TestAnalyticsService_EmptyAndInvalidRange(t *testing.T) {
	svc := NewAnalyticsService(&fakeStats{})
	now := time.Now()

	summary, err := svc.GetSummary(context.Background(), now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
	assert.Nil(t, summary.TopRejected)

	_, err = svc.GetSummary(context.Background(), now, now.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrInvalidRange)
}
