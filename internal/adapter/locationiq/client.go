package locationiq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/wildflower-sightings/internal/domain"
	"github.com/couchcryptid/wildflower-sightings/internal/observability"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://us1.locationiq.com/v1"

// Options tunes the LocationIQ client.
type Options struct {
	Timeout     time.Duration
	MinInterval time.Duration // minimum spacing between API calls; 0 disables
	Country     string        // countrycodes filter, e.g. "il"
	Language    string        // accept-language, e.g. "he,en"
}

// Client implements domain.Geocoder using the LocationIQ forward geocoding API.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	country    string
	language   string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a LocationIQ geocoding client.
func NewClient(token string, opts Options, metrics *observability.Metrics, logger *slog.Logger) *Client {
	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	return &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		baseURL:  defaultBaseURL,
		limiter:  rate.NewLimiter(limit, 1),
		country:  opts.Country,
		language: opts.Language,
		metrics:  metrics,
		logger:   logger,
	}
}

// Geocode returns the first match for query. LocationIQ answers 404 when
// nothing matches; that is reported as ok == false, not an error.
func (c *Client) Geocode(ctx context.Context, query string) (domain.GeoPoint, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.GeoPoint{}, false, fmt.Errorf("rate limit wait: %w", err)
	}

	params := url.Values{
		"key":    {c.token},
		"q":      {query},
		"format": {"json"},
		"limit":  {"1"},
	}
	if c.country != "" {
		params.Set("countrycodes", c.country)
	}
	if c.language != "" {
		params.Set("accept-language", c.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return domain.GeoPoint{}, false, c.redact(fmt.Errorf("create request: %w", err))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.GeocodeAPIDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.GeocodeRequests.WithLabelValues("error").Inc()
		if ctx.Err() != nil {
			return domain.GeoPoint{}, false, ctx.Err()
		}
		return domain.GeoPoint{}, false, c.redact(fmt.Errorf("geocode request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.metrics.GeocodeRequests.WithLabelValues("empty").Inc()
		return domain.GeoPoint{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		c.metrics.GeocodeRequests.WithLabelValues("error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.GeoPoint{}, false, c.redact(fmt.Errorf("locationiq API error: status %d: %s", resp.StatusCode, body))
	}

	var places []place
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		c.metrics.GeocodeRequests.WithLabelValues("error").Inc()
		return domain.GeoPoint{}, false, fmt.Errorf("decode response: %w", err)
	}
	if len(places) == 0 {
		c.metrics.GeocodeRequests.WithLabelValues("empty").Inc()
		return domain.GeoPoint{}, false, nil
	}

	p := places[0]
	lat, errLat := strconv.ParseFloat(p.Lat, 64)
	lon, errLon := strconv.ParseFloat(p.Lon, 64)
	if err := errors.Join(errLat, errLon); err != nil {
		c.metrics.GeocodeRequests.WithLabelValues("error").Inc()
		return domain.GeoPoint{}, false, fmt.Errorf("parse coordinates for %q: %w", query, err)
	}

	c.metrics.GeocodeRequests.WithLabelValues("success").Inc()
	c.logger.Debug("geocoded location", "query", query, "display_name", p.DisplayName, "lat", lat, "lon", lon)
	return domain.GeoPoint{Lat: lat, Lon: lon}, true, nil
}

// redact strips the API key from err's text. Request URLs carry the key and
// net/http includes them in transport errors.
func (c *Client) redact(err error) error {
	if err == nil || c.token == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, c.token) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, c.token, "REDACTED"))
}

// LocationIQ API response types.

type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}
