package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/couchcryptid/wildflower-sightings/internal/domain"
	"github.com/couchcryptid/wildflower-sightings/internal/feed"
	"github.com/couchcryptid/wildflower-sightings/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadMockDashboard loads both fixture feeds from data/mock.
func loadMockDashboard(t *testing.T) *pipeline.Dashboard {
	t.Helper()
	registry, err := feed.NewRegistry(
		feed.NewClient("primary", "file://../../data/mock/reports_legacy.json", time.Second),
		feed.NewClient("merged", "file://../../data/mock/reports_nested.json", time.Second),
	)
	require.NoError(t, err)

	d, _ := newDashboard(t, registry, pipeline.Options{})
	require.NoError(t, d.Load(context.Background()))
	return d
}

func TestDashboard_WithMockData(t *testing.T) {
	d := loadMockDashboard(t)

	st := d.Status()
	assert.Equal(t, 7, st.Reports)
	assert.Equal(t, 5, st.Sightings)
	assert.Equal(t, 2, st.Unlocated, "p-104 and the ungeocoded m-202 entry")
	assert.Equal(t, map[string]int{"primary": 4, "merged": 3}, st.Sources)
	assert.Equal(t, domain.SkipCounts{
		domain.SkipMissingCoordinates: 1,
		domain.SkipNotGeocoded:        1,
		domain.SkipMissingGeocodes:    1,
	}, st.Skipped)
	assert.Equal(t, "20/03/2024", st.LatestDate)

	byReport := make(map[string][]domain.Sighting)
	for _, s := range d.Sightings(domain.Filter{}) {
		byReport[s.ReportID] = append(byReport[s.ReportID], s)
	}

	require.Len(t, byReport["p-102"], 1, "string coordinates are accepted")
	assert.Equal(t, 32.6686, byReport["p-102"][0].Lat)

	require.Len(t, byReport["p-103"], 1, "invalid date keeps the sighting")
	assert.False(t, byReport["p-103"][0].HasDate)
	assert.Equal(t, "31/02/2024", byReport["p-103"][0].RawDate)

	assert.Empty(t, byReport["p-104"], "no coordinates, no marker")
	assert.Empty(t, byReport["m-202"], "not geocoded, no marker")

	require.Len(t, byReport["m-201"], 2)
	assert.Equal(t, "הכרמל", byReport["m-201"][1].LocationName)
	assert.Equal(t, 32.7297, byReport["m-201"][1].Lat)
	assert.Equal(t, domain.CanonicalDate{Year: 2024, Month: time.March, Day: 12}, byReport["m-201"][0].Date)
}

func TestDashboard_WithMockData_Statistics(t *testing.T) {
	d := loadMockDashboard(t)

	stats := d.Statistics(domain.Filter{})
	// Flowers from p-104 and m-202 count even though neither is on the map.
	assert.Equal(t, 6, stats.TotalReports)
	assert.Equal(t, 7, stats.TotalSightings)
	assert.Equal(t, 5, stats.LocatedSightings)
	assert.Equal(t, 9, stats.TotalFlowerMentions)
	assert.Equal(t, 4, stats.DistinctFlowers)
	assert.Equal(t, []domain.Count{
		{Name: "כלנית מצויה", Count: 3},
		{Name: "איריס הגלבוע", Count: 2},
		{Name: "רקפת מצויה", Count: 2},
		{Name: "תורמוס ההרים", Count: 2},
	}, stats.TopFlowers)
	assert.Equal(t, map[string]int{"March 2024": 6}, stats.MonthlyCounts)
	assert.NotContains(t, stats.LocationCounts, "שמורת פורייה")
	assert.NotContains(t, stats.LocationCounts, "עין חמד")
}

func TestDashboard_WithMockData_RangeExcludesUndated(t *testing.T) {
	d := loadMockDashboard(t)

	from := domain.CanonicalDate{Year: 2024, Month: time.March, Day: 5}
	to := domain.CanonicalDate{Year: 2024, Month: time.March, Day: 10}

	got := d.Sightings(domain.Filter{Range: domain.NewDateRange(from, to)})
	require.Len(t, got, 1)
	assert.Equal(t, "p-102", got[0].ReportID)

	merged := d.Sightings(domain.Filter{Sources: []string{"merged"}})
	assert.Len(t, merged, 2)
}
