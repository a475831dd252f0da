// Package domain models crowd-sourced wildflower sighting reports.
//
// # Data Source
//
// Reports come from static JSON feeds produced by an upstream scraping and
// merging job. A feed is either a bare JSON array of reports or an object
// with a "reports" array. Deployments usually serve two feeds: "primary"
// (hand-curated) and "merged" (the union of scraped sources). Every report is
// tagged with the name of the feed it came from before normalization, and
// that tag drives source filtering.
//
// # Report Shapes
//
// Two schemas coexist in the feeds and are discriminated once, at decode
// time (see [Report.UnmarshalJSON]):
//
//	Legacy (flat):
//	  {"date": "01/03/2024", "flowers": ["Iris"], "locations": "Mount Gilboa",
//	   "lat": 32.5, "lon": 35.4}
//
//	Nested:
//	  {"date": "2024-03-01",
//	   "locations": [{"location_name": "Mount Gilboa", "flowers": ["Iris"]}],
//	   "geocoded_locations": {"Mount Gilboa": {"latitude": 32.5, "longitude": 35.4}}}
//
// A "locations" array marks the nested shape; anything else is legacy.
// Coordinates may arrive as JSON numbers or numeric strings.
//
// A nested location entry is usable only when its name is a key of
// "geocoded_locations". Entries failing that check are dropped with a
// warning. A nested report with no "geocoded_locations" at all contributes
// zero sightings. A legacy report needs both "lat" and "lon".
//
// # Date Conventions
//
// The feeds mix several date conventions:
//
//	"01/03/2024"           DD/MM/YYYY, day first (never month first)
//	"2024-03-01"           ISO calendar date
//	"2024-03-01T09:30:00Z" ISO date-time; the calendar date is taken as written
//	"1 March 2024"         free-form, parsed against a fixed list of layouts
//
// Slash dates must round-trip: "31/02/2024" is rejected instead of rolling
// over into March. Unparseable or missing dates yield an explicit absent
// value ([CanonicalDate] with ok == false), never a guessed date.
//
// # Text
//
// Flower and location names are trimmed and normalized to Unicode NFC, since
// Hebrew names scraped from different sources differ in combining mark order.
//
// # ID Generation
//
// Sighting IDs are name-based UUIDs (version 5) of
// source|report|entry|location|date, so the same feed content always yields the
// same IDs across reloads. See [sightingID].
package domain
