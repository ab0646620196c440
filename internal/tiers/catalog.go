// Package tiers holds the immutable catalog of subscription tiers.
package tiers

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aman-churiwal/tiered-gateway/internal/models"
)

// Endpoint-limit entry applied to paths without an exact override
const DefaultEndpoint = "default"

// Request path a bare endpoint name such as "heavy" stands for
const EndpointPathFormat = "/api/%s-operation"

var ErrUnknownTier = errors.New("unknown tier")

type UnknownTierError struct {
	Name string
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown tier %q", e.Name)
}

func (e *UnknownTierError) Is(target error) bool {
	return target == ErrUnknownTier
}

// Tier is a named bundle of limits. Values returned by the catalog share the
// endpoint map with it and must be treated as read-only.
type Tier struct {
	Name               string
	RequestsPerMinute  uint
	BurstLimit         uint
	ConcurrentRequests uint
	EndpointLimits     map[string]uint
}

// Returns the per-minute budget for path: exact match, then "default", then the tier base rate
func (t Tier) LimitFor(path string) uint {
	if limit, ok := t.EndpointLimits[path]; ok {
		return limit
	}
	if limit, ok := t.EndpointLimits[DefaultEndpoint]; ok {
		return limit
	}
	return t.RequestsPerMinute
}

func (t Tier) Model() models.RateLimitTier {
	limits := make(models.EndpointLimits, len(t.EndpointLimits))
	for path, limit := range t.EndpointLimits {
		limits[path] = limit
	}

	return models.RateLimitTier{
		Name:               t.Name,
		RequestsPerMinute:  t.RequestsPerMinute,
		BurstLimit:         t.BurstLimit,
		ConcurrentRequests: t.ConcurrentRequests,
		EndpointLimits:     limits,
	}
}

// Catalog is built once and never written afterwards, so lookups take no locks.
type Catalog struct {
	tiers map[string]Tier
	names []string
}

func NewCatalog(list ...Tier) (*Catalog, error) {
	if len(list) == 0 {
		return nil, errors.New("tier catalog is empty")
	}

	c := &Catalog{tiers: make(map[string]Tier, len(list))}

	for _, t := range list {
		if err := validate(t); err != nil {
			return nil, err
		}
		if _, dup := c.tiers[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tier %q", t.Name)
		}

		t.EndpointLimits = expandEndpoints(t.EndpointLimits)

		c.tiers[t.Name] = t
		c.names = append(c.names, t.Name)
	}

	sort.Strings(c.names)
	return c, nil
}

// Builds a catalog from rows loaded from the rate_limit_tiers table
func FromModels(rows []models.RateLimitTier) (*Catalog, error) {
	list := make([]Tier, 0, len(rows))
	for _, row := range rows {
		list = append(list, Tier{
			Name:               row.Name,
			RequestsPerMinute:  row.RequestsPerMinute,
			BurstLimit:         row.BurstLimit,
			ConcurrentRequests: row.ConcurrentRequests,
			EndpointLimits:     row.EndpointLimits,
		})
	}

	return NewCatalog(list...)
}

func (c *Catalog) GetTier(name string) (Tier, error) {
	t, ok := c.tiers[name]
	if !ok {
		return Tier{}, &UnknownTierError{Name: name}
	}
	return t, nil
}

func (c *Catalog) Has(name string) bool {
	_, ok := c.tiers[name]
	return ok
}

// Tier names in lexical order
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.tiers[name])
	}
	return out
}

// Copies limits, adding the request path for every bare endpoint name. Explicit
// path entries win over an expanded bare name
func expandEndpoints(in map[string]uint) map[string]uint {
	out := make(map[string]uint, 2*len(in))
	for endpoint, limit := range in {
		out[endpoint] = limit
	}
	for endpoint, limit := range in {
		if endpoint == DefaultEndpoint || strings.HasPrefix(endpoint, "/") {
			continue
		}
		path := fmt.Sprintf(EndpointPathFormat, endpoint)
		if _, explicit := in[path]; !explicit {
			out[path] = limit
		}
	}
	return out
}

func validate(t Tier) error {
	if t.Name == "" {
		return errors.New("tier name is required")
	}
	if t.RequestsPerMinute == 0 {
		return fmt.Errorf("tier %q: requests_per_minute must be positive", t.Name)
	}
	if t.ConcurrentRequests == 0 {
		return fmt.Errorf("tier %q: concurrent_requests must be positive", t.Name)
	}
	for path, limit := range t.EndpointLimits {
		if limit == 0 {
			return fmt.Errorf("tier %q: endpoint %q has a zero limit", t.Name, path)
		}
	}
	return nil
}
