// Package feed fetches wildflower report feeds: static JSON documents served
// over HTTP or read from local files.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/wildflower-sightings/internal/config"
	"github.com/couchcryptid/wildflower-sightings/internal/domain"
)

// maxFeedBytes bounds a single feed document.
const maxFeedBytes = 32 << 20

// Source is one named provider of reports.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]domain.Report, error)
}

// Client fetches one feed URL. file:// URLs and bare paths are read from
// disk.
type Client struct {
	name       string
	url        string
	httpClient *http.Client
}

// NewClient creates a feed client with the given request timeout.
func NewClient(name, url string, timeout time.Duration) *Client {
	return &Client{
		name: name,
		url:  url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the source tag applied to this feed's reports.
func (c *Client) Name() string { return c.name }

// URL returns the feed location.
func (c *Client) URL() string { return c.url }

// Fetch downloads and decodes the feed, tagging every report with the
// feed's name.
func (c *Client) Fetch(ctx context.Context) ([]domain.Report, error) {
	var (
		data []byte
		err  error
	)
	if path, ok := strings.CutPrefix(c.url, "file://"); ok {
		data, err = c.readFile(ctx, path)
	} else if !strings.Contains(c.url, "://") {
		data, err = c.readFile(ctx, c.url)
	} else {
		data, err = c.get(ctx)
	}
	if err != nil {
		return nil, err
	}

	reports, err := DecodeReports(data, c.name)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", c.name, err)
	}
	return reports, nil
}

func (c *Client) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("feed %s: create request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed %s: request: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("feed %s: status %d", c.name, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("feed %s: read body: %w", c.name, err)
	}
	return data, nil
}

func (c *Client) readFile(ctx context.Context, path string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feed %s: read %s: %w", c.name, path, err)
	}
	return data, nil
}

// DecodeReports parses a feed document: either a bare array of reports or
// an object with a "reports" array. Each element decodes on its own; one
// that is not a report object is kept without a shape so the normalizer
// counts and skips it instead of rejecting the feed. Reports are tagged with
// source, and reports without an id get "<source>-<n>" (1-based position in
// the feed).
func DecodeReports(data []byte, source string) ([]domain.Report, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty feed document")
	}

	var elems []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &elems); err != nil {
			return nil, fmt.Errorf("decode report array: %w", err)
		}
	case '{':
		var envelope struct {
			Reports *[]json.RawMessage `json:"reports"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("decode report envelope: %w", err)
		}
		if envelope.Reports == nil {
			return nil, errors.New(`feed object has no "reports" array`)
		}
		elems = *envelope.Reports
	default:
		return nil, errors.New("feed is neither an array nor an object")
	}

	reports := make([]domain.Report, len(elems))
	for i, elem := range elems {
		// A failed element stays the zero Report.
		_ = json.Unmarshal(elem, &reports[i])
		if reports[i].ID == "" {
			reports[i].ID = source + "-" + strconv.Itoa(i+1)
		}
	}
	return domain.TagSource(reports, source), nil
}

// Registry unions several feeds.
type Registry struct {
	sources []Source
}

// NewRegistry builds a registry with the provided sources.
func NewRegistry(sources ...Source) (*Registry, error) {
	if len(sources) == 0 {
		return nil, errors.New("feed: at least one source is required")
	}
	return &Registry{sources: sources}, nil
}

// FromConfig builds a registry with one Client per configured feed.
func FromConfig(feeds []config.FeedSource, timeout time.Duration) (*Registry, error) {
	sources := make([]Source, 0, len(feeds))
	for _, f := range feeds {
		sources = append(sources, NewClient(f.Name, f.URL, timeout))
	}
	return NewRegistry(sources...)
}

// Add registers another source.
func (r *Registry) Add(source Source) {
	r.sources = append(r.sources, source)
}

// Names lists the registered source tags in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for _, s := range r.sources {
		names = append(names, s.Name())
	}
	return names
}

// FetchAll fetches every source in order and returns the union. Any failing
// source fails the whole fetch so callers keep their previous state.
func (r *Registry) FetchAll(ctx context.Context) ([]domain.Report, error) {
	var results []domain.Report
	for _, src := range r.sources {
		reports, err := src.Fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch from %s: %w", src.Name(), err)
		}
		results = append(results, reports...)
	}
	return results, nil
}
