package tiers

// Seed tiers used when neither the database nor the config file provides any.
// Bare endpoint names are expanded to request paths by NewCatalog
func DefaultTiers() []Tier {
	return []Tier{
		{
			Name:               "bronze",
			RequestsPerMinute:  60,
			BurstLimit:         5,
			ConcurrentRequests: 3,
			EndpointLimits: map[string]uint{
				DefaultEndpoint: 60,
				"heavy":         30,
				"light":         120,
			},
		},
		{
			Name:               "silver",
			RequestsPerMinute:  300,
			BurstLimit:         15,
			ConcurrentRequests: 10,
			EndpointLimits: map[string]uint{
				DefaultEndpoint: 300,
				"heavy":         150,
				"light":         600,
			},
		},
		{
			Name:               "gold",
			RequestsPerMinute:  1000,
			BurstLimit:         50,
			ConcurrentRequests: 25,
			EndpointLimits: map[string]uint{
				DefaultEndpoint: 1000,
				"heavy":         500,
				"light":         2000,
			},
		},
	}
}
