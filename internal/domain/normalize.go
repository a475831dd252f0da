package domain

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// SkipReason classifies why a report or location entry has no map marker.
// Entries that still name flowers are kept as unlocated sightings so they
// count towards flower statistics.
type SkipReason string

const (
	SkipUnknownShape       SkipReason = "unknown_shape"
	SkipMissingGeocodes    SkipReason = "missing_geocoded_locations"
	SkipMalformedEntry     SkipReason = "malformed_entry"
	SkipMissingName        SkipReason = "missing_location_name"
	SkipNotGeocoded        SkipReason = "not_geocoded"
	SkipMissingCoordinates SkipReason = "missing_coordinates"
	SkipInvalidCoordinates SkipReason = "invalid_coordinates"
)

// SkipCounts tallies skipped items by reason.
type SkipCounts map[SkipReason]int

// Total returns the number of skipped items across all reasons.
func (c SkipCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Sighting is one (report, location, flowers) tuple. Sightings are rebuilt
// wholesale on every load and never mutated afterwards. Only Located
// sightings carry coordinates and appear on the map.
type Sighting struct {
	ID           string        `json:"id"`
	ReportID     string        `json:"report_id"`
	LocationName string        `json:"location_name"`
	Located      bool          `json:"located"`
	Lat          float64       `json:"lat"`
	Lon          float64       `json:"lon"`
	Flowers      []string      `json:"flowers"`
	Date         CanonicalDate `json:"date"`
	HasDate      bool          `json:"has_date"`
	RawDate      string        `json:"raw_date,omitempty"`
	Source       string        `json:"source,omitempty"`
	OriginalText string        `json:"original_text,omitempty"`
	Observer     string        `json:"observer,omitempty"`
}

// reportKey identifies the report a sighting came from across feeds.
func (s Sighting) reportKey() string {
	return s.Source + "\x00" + s.ReportID
}

var sightingNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:wildflower-sightings:sighting"))

func sightingID(source, reportID string, entry int, location string, date CanonicalDate) string {
	key := strings.Join([]string{source, reportID, strconv.Itoa(entry), location, date.String()}, "|")
	return uuid.NewSHA1(sightingNamespace, []byte(key)).String()
}

var (
	errMissingCoordinates = errors.New("missing coordinates")
	errInvalidCoordinates = errors.New("coordinates out of range")
)

// Normalizer maps decoded reports into sightings.
type Normalizer struct {
	dates  Dates
	logger *slog.Logger
}

// NewNormalizer returns a Normalizer that logs skipped items through logger.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Normalizer{dates: NewDates(logger), logger: logger}
}

// Normalize converts reports into sightings. Nested reports yield one
// sighting per location entry; legacy reports yield one. Entries without
// usable coordinates are counted as skipped with a warning and come back
// unlocated. Reports with no geocoded_locations and entries that are not
// objects yield nothing. No item stops the remaining reports from being
// processed.
func (n *Normalizer) Normalize(reports []Report) ([]Sighting, SkipCounts) {
	sightings := make([]Sighting, 0, len(reports))
	skipped := make(SkipCounts)

	for i, r := range reports {
		reportID := r.ID
		if reportID == "" {
			reportID = r.Source + "#" + strconv.Itoa(i)
		}
		base := Sighting{
			ReportID:     reportID,
			RawDate:      r.Date,
			Source:       r.Source,
			OriginalText: r.OriginalText,
			Observer:     r.Observer,
		}
		if date, ok := n.dates.Parse(r.Date); ok {
			base.Date, base.HasDate = date, true
		}

		switch r.Shape() {
		case ShapeNested:
			sightings = n.normalizeNested(sightings, skipped, base, r.Nested)
		case ShapeLegacy:
			sightings = n.normalizeLegacy(sightings, skipped, base, r.Legacy)
		default:
			n.skip(skipped, SkipUnknownShape, base, "report has no recognizable shape")
		}
	}
	return sightings, skipped
}

func (n *Normalizer) normalizeNested(out []Sighting, skipped SkipCounts, base Sighting, r *NestedReport) []Sighting {
	if r.Geocoded == nil {
		n.skip(skipped, SkipMissingGeocodes, base, "nested report has no geocoded_locations")
		return out
	}

	for idx, entry := range r.Locations {
		if entry.Malformed {
			n.skip(skipped, SkipMalformedEntry, base, "location entry is not an object", "entry", idx)
			continue
		}
		name := CleanName(entry.Name)
		if name == "" {
			n.skip(skipped, SkipMissingName, base, "location entry has no location_name", "entry", idx)
			out = append(out, unlocatedSighting(base, idx, "", entry.Flowers))
			continue
		}
		point, ok := LookupGeocoded(r.Geocoded, entry.Name)
		if !ok {
			n.skip(skipped, SkipNotGeocoded, base, "location not in geocoded_locations", "entry", idx, "location", name)
			out = append(out, unlocatedSighting(base, idx, name, entry.Flowers))
			continue
		}

		s, err := newSighting(base, idx, name, point.Lat, point.Lon, entry.Flowers)
		if err != nil {
			n.skip(skipped, SkipInvalidCoordinates, base, "invalid sighting", "entry", idx, "location", name, "error", err)
			out = append(out, unlocatedSighting(base, idx, name, entry.Flowers))
			continue
		}
		out = append(out, s)
	}
	return out
}

func (n *Normalizer) normalizeLegacy(out []Sighting, skipped SkipCounts, base Sighting, r *LegacyReport) []Sighting {
	name := CleanName(r.Location)
	if r.Lat == nil || r.Lon == nil {
		n.skip(skipped, SkipMissingCoordinates, base, "legacy report has no coordinates", "error", errMissingCoordinates)
		return append(out, unlocatedSighting(base, 0, name, r.Flowers))
	}
	s, err := newSighting(base, 0, name, *r.Lat, *r.Lon, r.Flowers)
	if err != nil {
		n.skip(skipped, SkipInvalidCoordinates, base, "invalid sighting", "location", name, "error", err)
		return append(out, unlocatedSighting(base, 0, name, r.Flowers))
	}
	return append(out, s)
}

func (n *Normalizer) skip(skipped SkipCounts, reason SkipReason, base Sighting, msg string, args ...any) {
	skipped[reason]++
	attrs := append([]any{"report_id", base.ReportID, "source", base.Source, "reason", string(reason)}, args...)
	n.logger.Warn(msg, attrs...)
}

func newSighting(base Sighting, entry int, location string, lat, lon float64, flowers []string) (Sighting, error) {
	if err := validateCoordinates(lat, lon); err != nil {
		return Sighting{}, err
	}
	s := unlocatedSighting(base, entry, location, flowers)
	s.Located = true
	s.Lat, s.Lon = lat, lon
	return s, nil
}

func unlocatedSighting(base Sighting, entry int, location string, flowers []string) Sighting {
	s := base
	s.LocationName = location
	s.Flowers = CleanNames(flowers)
	s.ID = sightingID(base.Source, base.ReportID, entry, location, base.Date)
	return s
}

// Located returns the sightings that have coordinates, in order.
func Located(sightings []Sighting) []Sighting {
	out := make([]Sighting, 0, len(sightings))
	for _, s := range sightings {
		if s.Located {
			out = append(out, s)
		}
	}
	return out
}

func validateCoordinates(lat, lon float64) error {
	for _, v := range []float64{lat, lon} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %v,%v", errInvalidCoordinates, lat, lon)
		}
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: %v,%v", errInvalidCoordinates, lat, lon)
	}
	return nil
}

// CleanName trims s and normalizes it to Unicode NFC.
func CleanName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// CleanNames applies CleanName to each element and drops empty results.
// The result is never nil.
func CleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if c := CleanName(name); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// LookupGeocoded finds name in a geocoded_locations map, matching the exact
// key first and then keys equal after CleanName.
func LookupGeocoded(m map[string]GeoPoint, name string) (GeoPoint, bool) {
	if p, ok := m[name]; ok {
		return p, true
	}
	clean := CleanName(name)
	if clean == "" {
		return GeoPoint{}, false
	}
	if p, ok := m[clean]; ok {
		return p, true
	}
	for k, p := range m {
		if CleanName(k) == clean {
			return p, true
		}
	}
	return GeoPoint{}, false
}
