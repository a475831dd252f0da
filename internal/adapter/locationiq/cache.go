package locationiq

import (
	"context"
	"fmt"
	"strings"

	"github.com/couchcryptid/wildflower-sightings/internal/domain"
	"github.com/couchcryptid/wildflower-sightings/internal/observability"
	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheEntry struct {
	point domain.GeoPoint
	found bool
}

// CachedGeocoder wraps a Geocoder with an in-memory LRU cache. "Not found"
// answers are cached too, so unknown place names cost one API call per
// process lifetime.
type CachedGeocoder struct {
	inner   domain.Geocoder
	cache   *lru.Cache[string, cacheEntry]
	metrics *observability.Metrics
}

// NewCachedGeocoder creates a cache decorator around a geocoder.
func NewCachedGeocoder(inner domain.Geocoder, maxEntries int, metrics *observability.Metrics) (*CachedGeocoder, error) {
	cache, err := lru.New[string, cacheEntry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create geocode cache: %w", err)
	}
	return &CachedGeocoder{inner: inner, cache: cache, metrics: metrics}, nil
}

func (c *CachedGeocoder) Geocode(ctx context.Context, query string) (domain.GeoPoint, bool, error) {
	key := strings.ToLower(domain.CleanName(query))
	if e, ok := c.cache.Get(key); ok {
		c.metrics.GeocodeCache.WithLabelValues("hit").Inc()
		return e.point, e.found, nil
	}
	c.metrics.GeocodeCache.WithLabelValues("miss").Inc()

	point, found, err := c.inner.Geocode(ctx, query)
	if err != nil {
		// Transport failures are retried on the next load.
		return point, false, err
	}
	c.cache.Add(key, cacheEntry{point: point, found: found})
	return point, found, nil
}

// Len returns the number of cached queries.
func (c *CachedGeocoder) Len() int {
	return c.cache.Len()
}
