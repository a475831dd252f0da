package feed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/couchcryptid/wildflower-sightings/internal/config"
	"github.com/couchcryptid/wildflower-sightings/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	legacyFixture = "file://../../data/mock/reports_legacy.json"
	nestedFixture = "file://../../data/mock/reports_nested.json"
)

func serveJSON(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDecodeReports(t *testing.T) {
	t.Run("bare array", func(t *testing.T) {
		reports, err := DecodeReports([]byte(`[{"flowers": ["Iris"], "lat": 1, "lon": 2}]`), "primary")
		require.NoError(t, err)
		require.Len(t, reports, 1)
		assert.Equal(t, "primary", reports[0].Source)
		assert.Equal(t, "primary-1", reports[0].ID)
	})

	t.Run("envelope", func(t *testing.T) {
		reports, err := DecodeReports([]byte(`{"reports": [{"id": "x", "source": "tiuli", "locations": []}]}`), "merged")
		require.NoError(t, err)
		require.Len(t, reports, 1)
		assert.Equal(t, "x", reports[0].ID)
		assert.Equal(t, "tiuli", reports[0].Source, "existing source tag is kept")
		assert.Equal(t, domain.ShapeNested, reports[0].Shape())
	})

	t.Run("bad report among good ones", func(t *testing.T) {
		body := `[
			{"id": "a", "flowers": ["Iris"], "lat": 32, "lon": 35},
			{"id": "b", "original_text": 123, "observer": 5, "flowers": ["Lupine"], "lat": 32, "lon": 35},
			"garbage",
			{"id": "d", "locations": [{"location_name": "Gilboa", "flowers": ["Iris"]}],
			 "geocoded_locations": {"Gilboa": {"latitude": 32.5, "longitude": 35.4}}}
		]`
		reports, err := DecodeReports([]byte(body), "primary")
		require.NoError(t, err)
		require.Len(t, reports, 4)

		assert.Equal(t, domain.ShapeLegacy, reports[1].Shape())
		assert.Equal(t, "123", reports[1].OriginalText)
		assert.Equal(t, "primary-3", reports[2].ID)
		assert.Equal(t, "primary", reports[2].Source)
		assert.Equal(t, domain.ShapeUnknown, reports[2].Shape())
		assert.Equal(t, domain.ShapeNested, reports[3].Shape())

		sightings, skipped := domain.NewNormalizer(slog.New(slog.DiscardHandler)).Normalize(reports)
		assert.Len(t, sightings, 3)
		assert.Equal(t, domain.SkipCounts{domain.SkipUnknownShape: 1}, skipped)
	})

	t.Run("empty array", func(t *testing.T) {
		reports, err := DecodeReports([]byte(` [] `), "primary")
		require.NoError(t, err)
		assert.Empty(t, reports)
	})

	errCases := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"object without reports", `{"items": []}`},
		{"scalar", `"reports"`},
		{"malformed", `[{"id": }]`},
	}
	for _, tt := range errCases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeReports([]byte(tt.body), "primary")
			assert.Error(t, err)
		})
	}
}

func TestClient_FetchHTTP(t *testing.T) {
	srv := serveJSON(t, http.StatusOK, `{"reports": [{"id": "a", "date": "01/03/2024", "flowers": ["Iris"], "lat": 32, "lon": 35}]}`)

	c := NewClient("primary", srv.URL, 5*time.Second)
	reports, err := c.Fetch(context.Background())

	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "primary", reports[0].Source)
	assert.Equal(t, "primary", c.Name())
	assert.Equal(t, srv.URL, c.URL())
}

func TestClient_FetchStatusError(t *testing.T) {
	srv := serveJSON(t, http.StatusInternalServerError, `oops`)

	_, err := NewClient("merged", srv.URL, 5*time.Second).Fetch(context.Background())

	require.Error(t, err)
	assert.Equal(t, "feed merged: status 500", err.Error())
}

func TestClient_FetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewClient("primary", srv.URL, 50*time.Millisecond).Fetch(context.Background())
	assert.Error(t, err)
}

func TestClient_FetchFile(t *testing.T) {
	reports, err := NewClient("primary", legacyFixture, time.Second).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, reports, 4)

	reports, err = NewClient("merged", nestedFixture, time.Second).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, "merged", reports[0].Source)
	assert.Equal(t, "scraped/tiuli.json", reports[0].SourceFile)
}

func TestClient_FetchMissingFile(t *testing.T) {
	_, err := NewClient("primary", "file://does/not/exist.json", time.Second).Fetch(context.Background())
	assert.Error(t, err)
}

func TestClient_FetchFileCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient("primary", legacyFixture, time.Second).Fetch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// --- registry ---

type stubSource struct {
	name    string
	reports []domain.Report
	err     error
}

func (s stubSource) Name() string { return s.name }

func (s stubSource) Fetch(context.Context) ([]domain.Report, error) {
	return s.reports, s.err
}

func TestNewRegistry_RequiresSource(t *testing.T) {
	_, err := NewRegistry()
	assert.Error(t, err)
}

func TestRegistry_FetchAll(t *testing.T) {
	reg, err := NewRegistry(
		stubSource{name: "primary", reports: []domain.Report{{ID: "1", Source: "primary"}}},
	)
	require.NoError(t, err)
	reg.Add(stubSource{name: "merged", reports: []domain.Report{{ID: "2", Source: "merged"}, {ID: "3", Source: "merged"}}})

	reports, err := reg.FetchAll(context.Background())

	require.NoError(t, err)
	assert.Len(t, reports, 3)
	assert.Equal(t, []string{"primary", "merged"}, reg.Names())
}

func TestRegistry_FetchAllFailure(t *testing.T) {
	boom := errors.New("boom")
	reg, err := NewRegistry(
		stubSource{name: "primary", reports: []domain.Report{{ID: "1"}}},
		stubSource{name: "merged", err: boom},
	)
	require.NoError(t, err)

	reports, err := reg.FetchAll(context.Background())

	assert.Nil(t, reports)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "merged")
}

func TestFromConfig(t *testing.T) {
	reg, err := FromConfig([]config.FeedSource{
		{Name: "primary", URL: "../../data/mock/reports_legacy.json"},
		{Name: "merged", URL: nestedFixture},
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "merged"}, reg.Names())

	reports, err := reg.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, reports, 7, "bare paths are read from disk")

	_, err = FromConfig(nil, time.Second)
	assert.Error(t, err)
}
