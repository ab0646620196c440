package models

// Endpoint path -> requests per minute. The "default" entry applies to paths without their own entry
type EndpointLimits map[string]uint

type RateLimitTier struct {
	Name               string         `gorm:"primaryKey" json:"name"`
	RequestsPerMinute  uint           `gorm:"not null" json:"requests_per_minute"`
	BurstLimit         uint           `gorm:"not null" json:"burst_limit"`
	ConcurrentRequests uint           `gorm:"not null" json:"concurrent_requests"`
	EndpointLimits     EndpointLimits `gorm:"type:jsonb;serializer:json" json:"endpoint_limits"`
}

func (RateLimitTier) TableName() string {
	return "rate_limit_tiers"
}
