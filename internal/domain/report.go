package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Shape identifies which report schema a Report was decoded from.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeLegacy
	ShapeNested
)

func (s Shape) String() string {
	switch s {
	case ShapeLegacy:
		return "legacy"
	case ShapeNested:
		return "nested"
	default:
		return "unknown"
	}
}

// Report is one sighting submission as published in a feed. Exactly one of
// Legacy and Nested is set on a decoded report.
type Report struct {
	ID           string
	Date         string
	OriginalText string
	Observer     string
	Source       string
	SourceFile   string

	Legacy *LegacyReport
	Nested *NestedReport
}

// LegacyReport is the flat schema: one location with coordinates inline.
type LegacyReport struct {
	Flowers  []string
	Location string
	Lat      *float64
	Lon      *float64
}

// NestedReport is the multi-location schema. Geocoded is nil when the feed
// omitted "geocoded_locations" entirely.
type NestedReport struct {
	Locations []LocationEntry
	Geocoded  map[string]GeoPoint
}

// LocationEntry is one element of a nested report's "locations" array.
// Malformed marks an element that was not a JSON object.
type LocationEntry struct {
	Name      string   `json:"location_name"`
	Flowers   []string `json:"flowers"`
	MapsQuery string   `json:"maps_query_location,omitempty"`
	Malformed bool     `json:"-"`
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// UnmarshalJSON accepts latitude/longitude as numbers or numeric strings.
func (p *GeoPoint) UnmarshalJSON(data []byte) error {
	var raw struct {
		Lat json.RawMessage `json:"latitude"`
		Lon json.RawMessage `json:"longitude"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	lat, err := decodeNumber(raw.Lat)
	if err != nil || lat == nil {
		return fmt.Errorf("latitude: invalid value %s", raw.Lat)
	}
	lon, err := decodeNumber(raw.Lon)
	if err != nil || lon == nil {
		return fmt.Errorf("longitude: invalid value %s", raw.Lon)
	}
	p.Lat, p.Lon = *lat, *lon
	return nil
}

// Shape reports the schema the report was decoded from.
func (r Report) Shape() Shape {
	switch {
	case r.Nested != nil:
		return ShapeNested
	case r.Legacy != nil:
		return ShapeLegacy
	default:
		return ShapeUnknown
	}
}

// reportWire is the feed representation shared by both shapes.
type reportWire struct {
	ID             json.RawMessage `json:"id,omitempty"`
	Date           json.RawMessage `json:"date,omitempty"`
	OriginalText   json.RawMessage `json:"original_text,omitempty"`
	OriginalReport json.RawMessage `json:"original_report,omitempty"`
	Observer       json.RawMessage `json:"observer,omitempty"`
	Source         json.RawMessage `json:"source,omitempty"`
	SourceFile     json.RawMessage `json:"source_file,omitempty"`
	Flowers        json.RawMessage `json:"flowers,omitempty"`
	Locations      json.RawMessage `json:"locations,omitempty"`
	Location       json.RawMessage `json:"location,omitempty"`
	Geocoded       json.RawMessage `json:"geocoded_locations,omitempty"`
	Lat            json.RawMessage `json:"lat,omitempty"`
	Lon            json.RawMessage `json:"lon,omitempty"`
}

// UnmarshalJSON decodes either schema. A "locations" array selects the
// nested shape; any other report field selects legacy, and a report with
// none of them has no shape. Individual malformed fields are tolerated so
// one bad value does not reject the whole report: text fields of the wrong
// type read as empty.
func (r *Report) UnmarshalJSON(data []byte) error {
	var w reportWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*r = Report{
		ID:           scalarString(w.ID),
		Date:         scalarString(w.Date),
		OriginalText: firstNonEmpty(scalarString(w.OriginalText), scalarString(w.OriginalReport)),
		Observer:     scalarString(w.Observer),
		Source:       scalarString(w.Source),
		SourceFile:   scalarString(w.SourceFile),
	}

	if isJSONArray(w.Locations) {
		nested, err := decodeNested(w.Locations, w.Geocoded)
		if err != nil {
			return err
		}
		r.Nested = nested
		return nil
	}

	if len(w.Flowers) == 0 && len(w.Locations) == 0 && len(w.Location) == 0 && len(w.Lat) == 0 && len(w.Lon) == 0 {
		return nil
	}

	legacy := &LegacyReport{
		Flowers:  decodeStrings(w.Flowers),
		Location: firstNonEmpty(scalarString(w.Locations), scalarString(w.Location)),
	}
	// Coordinates that fail to decode stay nil and the normalizer skips the
	// report with a warning.
	legacy.Lat, _ = decodeNumber(w.Lat)
	legacy.Lon, _ = decodeNumber(w.Lon)
	r.Legacy = legacy
	return nil
}

func decodeNested(locations, geocoded json.RawMessage) (*NestedReport, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(locations, &elems); err != nil {
		return nil, fmt.Errorf("decode locations: %w", err)
	}

	nested := &NestedReport{Locations: make([]LocationEntry, 0, len(elems))}
	for _, elem := range elems {
		nested.Locations = append(nested.Locations, decodeEntry(elem))
	}

	if isJSONObject(geocoded) {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(geocoded, &raw); err != nil {
			return nil, fmt.Errorf("decode geocoded_locations: %w", err)
		}
		nested.Geocoded = make(map[string]GeoPoint, len(raw))
		for name, v := range raw {
			var p GeoPoint
			if err := json.Unmarshal(v, &p); err != nil {
				// Left out of the map; the entry resolves as not geocoded.
				continue
			}
			nested.Geocoded[name] = p
		}
	}
	return nested, nil
}

func decodeEntry(elem json.RawMessage) LocationEntry {
	if !isJSONObject(elem) {
		return LocationEntry{Malformed: true}
	}
	var raw struct {
		Name      json.RawMessage `json:"location_name"`
		Flowers   json.RawMessage `json:"flowers"`
		MapsQuery json.RawMessage `json:"maps_query_location"`
	}
	if err := json.Unmarshal(elem, &raw); err != nil {
		return LocationEntry{Malformed: true}
	}
	return LocationEntry{
		Name:      scalarString(raw.Name),
		Flowers:   decodeStrings(raw.Flowers),
		MapsQuery: scalarString(raw.MapsQuery),
	}
}

// MarshalJSON writes the report back in its feed schema.
func (r Report) MarshalJSON() ([]byte, error) {
	var w reportWire
	var err error
	for _, f := range []struct {
		dst *json.RawMessage
		val string
	}{
		{&w.ID, r.ID},
		{&w.Date, r.Date},
		{&w.OriginalText, r.OriginalText},
		{&w.Observer, r.Observer},
		{&w.Source, r.Source},
		{&w.SourceFile, r.SourceFile},
	} {
		if f.val == "" {
			continue
		}
		if *f.dst, err = json.Marshal(f.val); err != nil {
			return nil, err
		}
	}

	switch {
	case r.Nested != nil:
		elems := make([]json.RawMessage, 0, len(r.Nested.Locations))
		for _, e := range r.Nested.Locations {
			if e.Malformed {
				elems = append(elems, json.RawMessage("null"))
				continue
			}
			b, err := json.Marshal(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, b)
		}
		if w.Locations, err = json.Marshal(elems); err != nil {
			return nil, err
		}
		if r.Nested.Geocoded != nil {
			if w.Geocoded, err = json.Marshal(r.Nested.Geocoded); err != nil {
				return nil, err
			}
		}
	case r.Legacy != nil:
		if len(r.Legacy.Flowers) > 0 {
			if w.Flowers, err = json.Marshal(r.Legacy.Flowers); err != nil {
				return nil, err
			}
		}
		if r.Legacy.Location != "" {
			if w.Locations, err = json.Marshal(r.Legacy.Location); err != nil {
				return nil, err
			}
		}
		w.Lat = encodeNumber(r.Legacy.Lat)
		w.Lon = encodeNumber(r.Legacy.Lon)
	}
	return json.Marshal(w)
}

// TagSource stamps source onto every report that does not carry one and
// returns the same slice.
func TagSource(reports []Report, source string) []Report {
	for i := range reports {
		if reports[i].Source == "" {
			reports[i].Source = source
		}
	}
	return reports
}

// decodeNumber reads a JSON number or a numeric string. It returns nil for
// absent or null values.
func decodeNumber(raw json.RawMessage) (*float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var f float64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parse coordinate %q: %w", s, err)
		}
		f = v
	} else if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// encodeNumber writes a coordinate as a JSON number. Non-finite values are
// quoted so they survive a round trip through decodeNumber.
func encodeNumber(f *float64) json.RawMessage {
	if f == nil {
		return nil
	}
	s := strconv.FormatFloat(*f, 'f', -1, 64)
	if math.IsNaN(*f) || math.IsInf(*f, 0) {
		s = strconv.Quote(s)
	}
	return json.RawMessage(s)
}

// decodeStrings keeps the string elements of a JSON array, or wraps a lone
// string. Anything else yields nil.
func decodeStrings(raw json.RawMessage) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return []string{s}
		}
		return nil
	}
	var elems []json.RawMessage
	if json.Unmarshal(raw, &elems) != nil {
		return nil
	}
	out := make([]string, 0, len(elems))
	for _, e := range elems {
		var s string
		if json.Unmarshal(e, &s) == nil {
			out = append(out, s)
		}
	}
	return out
}

// scalarString renders a JSON string or number as text. Other values are "".
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(raw)
	}
	return ""
}

func isJSONArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

func isJSONObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
