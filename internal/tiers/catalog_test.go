package tiers

import (
	"errors"
	"testing"

	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_GetTier(t *testing.T) {
	c, err := NewCatalog(DefaultTiers()...)
	require.NoError(t, err)

	gold, err := c.GetTier("gold")
	require.NoError(t, err)
	assert.Equal(t, uint(25), gold.ConcurrentRequests)
	assert.Equal(t, uint(50), gold.BurstLimit)

	_, err = c.GetTier("platinum")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTier))

	var unknown *UnknownTierError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "platinum", unknown.Name)
}

func TestTier_LimitFor(t *testing.T) {
	tier := Tier{
		Name:              "custom",
		RequestsPerMinute: 10,
		EndpointLimits: map[string]uint{
			DefaultEndpoint: 20,
			"/exact":        30,
		},
	}

	assert.Equal(t, uint(30), tier.LimitFor("/exact"))
	assert.Equal(t, uint(20), tier.LimitFor("/other"))

	tier.EndpointLimits = map[string]uint{"/exact": 30}
	assert.Equal(t, uint(10), tier.LimitFor("/other"))

	tier.EndpointLimits = nil
	assert.Equal(t, uint(10), tier.LimitFor("/exact"))
}

func TestDefaultTiers_BronzeHeavy(t *testing.T) {
	c, err := NewCatalog(DefaultTiers()...)
	require.NoError(t, err)

	bronze, err := c.GetTier("bronze")
	require.NoError(t, err)
	assert.Equal(t, uint(30), bronze.LimitFor("/api/heavy-operation"))
	assert.Equal(t, uint(120), bronze.LimitFor("/api/light-operation"))
	assert.Equal(t, uint(60), bronze.LimitFor("/api/anything"))
}

func TestNewCatalog_Validation(t *testing.T) {
	tests := []struct {
		name  string
		tiers []Tier
	}{
		{"empty", nil},
		{"missing name", []Tier{{RequestsPerMinute: 1, ConcurrentRequests: 1}}},
		{"zero rpm", []Tier{{Name: "a", ConcurrentRequests: 1}}},
		{"zero concurrency", []Tier{{Name: "a", RequestsPerMinute: 1}}},
		{"zero endpoint limit", []Tier{{Name: "a", RequestsPerMinute: 1, ConcurrentRequests: 1, EndpointLimits: map[string]uint{"/x": 0}}}},
		{"duplicate", []Tier{
			{Name: "a", RequestsPerMinute: 1, ConcurrentRequests: 1},
			{Name: "a", RequestsPerMinute: 2, ConcurrentRequests: 1},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.tiers...)
			assert.Error(t, err)
		})
	}
}

func TestNewCatalog_CopiesEndpointLimits(t *testing.T) {
	limits := map[string]uint{"/x": 5}
	c, err := NewCatalog(Tier{Name: "a", RequestsPerMinute: 1, ConcurrentRequests: 1, EndpointLimits: limits})
	require.NoError(t, err)

	limits["/x"] = 500

	tier, err := c.GetTier("a")
	require.NoError(t, err)
	assert.Equal(t, uint(5), tier.LimitFor("/x"))
}

func TestFromModels(t *testing.T) {
	rows := []models.RateLimitTier{
		DefaultTiers()[2].Model(),
		DefaultTiers()[0].Model(),
	}

	c, err := FromModels(rows)
	require.NoError(t, err)
	assert.Equal(t, []string{"bronze", "gold"}, c.Names())
	assert.True(t, c.Has("gold"))
	assert.False(t, c.Has("silver"))
}

func TestNewCatalog_ExpandsBareEndpointNames(t *testing.T) {
	c, err := NewCatalog(Tier{
		Name:               "bronze",
		RequestsPerMinute:  60,
		BurstLimit:         5,
		ConcurrentRequests: 3,
		EndpointLimits:     map[string]uint{DefaultEndpoint: 60, "heavy": 30, "light": 120},
	})
	require.NoError(t, err)

	bronze, err := c.GetTier("bronze")
	require.NoError(t, err)
	assert.Equal(t, uint(30), bronze.LimitFor("/api/heavy-operation"))
	assert.Equal(t, uint(120), bronze.LimitFor("/api/light-operation"))
	assert.Equal(t, uint(30), bronze.LimitFor("heavy"))
	assert.Equal(t, uint(60), bronze.LimitFor("/api/other"))
}

func TestNewCatalog_ExplicitPathBeatsBareName(t *testing.T) {
	c, err := NewCatalog(Tier{
		Name:               "a",
		RequestsPerMinute:  10,
		ConcurrentRequests: 1,
		EndpointLimits:     map[string]uint{"heavy": 30, "/api/heavy-operation": 7},
	})
	require.NoError(t, err)

	tier, err := c.GetTier("a")
	require.NoError(t, err)
	assert.Equal(t, uint(7), tier.LimitFor("/api/heavy-operation"))
}

func TestDefaultTiers_SeedShape(t *testing.T) {
	for _, tier := range DefaultTiers() {
		assert.Contains(t, tier.EndpointLimits, "heavy", tier.Name)
		assert.Contains(t, tier.EndpointLimits, "light", tier.Name)
		assert.Contains(t, tier.EndpointLimits, DefaultEndpoint, tier.Name)
	}
}
