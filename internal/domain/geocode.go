package domain

import (
	"context"
	"log/slog"
	"maps"
	"slices"
)

// EnrichWithGeocoding resolves nested location entries missing from the
// report's geocoded_locations map. The entry's maps_query_location is
// preferred over its name as the query. If geocoder is nil or a lookup
// fails, the entry stays unresolved and the normalizer later skips it
// (graceful degradation). The input report is never modified.
func EnrichWithGeocoding(ctx context.Context, report Report, geocoder Geocoder, logger *slog.Logger) Report {
	if geocoder == nil || report.Nested == nil {
		return report
	}

	geocoded := maps.Clone(report.Nested.Geocoded)
	resolved := 0
	for _, entry := range report.Nested.Locations {
		if entry.Malformed || CleanName(entry.Name) == "" {
			continue
		}
		if _, ok := LookupGeocoded(geocoded, entry.Name); ok {
			continue
		}

		query := CleanName(entry.MapsQuery)
		if query == "" {
			query = CleanName(entry.Name)
		}
		point, ok, err := geocoder.Geocode(ctx, query)
		if err != nil {
			logger.Warn("geocoding failed",
				"report_id", report.ID,
				"location", entry.Name,
				"query", query,
				"error", err,
			)
			continue
		}
		if !ok {
			logger.Debug("no geocoding match",
				"report_id", report.ID,
				"location", entry.Name,
				"query", query,
			)
			continue
		}
		if geocoded == nil {
			geocoded = make(map[string]GeoPoint)
		}
		geocoded[entry.Name] = point
		resolved++
	}

	if resolved == 0 {
		return report
	}
	report.Nested = &NestedReport{
		Locations: slices.Clone(report.Nested.Locations),
		Geocoded:  geocoded,
	}
	return report
}
