package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/service"
	"github.com/gin-gonic/gin"
)

type AnalyticsHandler struct {
	service *service.AnalyticsService
}

func NewAnalyticsHandler(service *service.AnalyticsService) *AnalyticsHandler {
	return &AnalyticsHandler{service: service}
}

// Handles GET /admin/decisions/summary
func (h *AnalyticsHandler) DecisionSummary(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	summary, err := h.service.GetSummary(ctx, from, to)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRange) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Parses 'from' and 'to' query parameters as RFC3339 or unix seconds. Defaults to the last 24 hours
func parseTimeRange(c *gin.Context) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if s := c.Query("from"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = t
	}

	if s := c.Query("to"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = t
	}

	return from, to, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time " + strconv.Quote(s) + ": use RFC3339 or unix seconds")
}
