// Command validate performs data integrity checks on one or more sighting
// report feeds: decoding, report shape, date parsing, and the invariants of
// the normalized sightings. It exits non-zero when any phase fails.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -feed primary=data/mock/reports_legacy.json \
//	  -feed merged=data/mock/reports_nested.json
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/couchcryptid/wildflower-sightings/internal/config"
	"github.com/couchcryptid/wildflower-sightings/internal/domain"
	"github.com/couchcryptid/wildflower-sightings/internal/feed"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
	notes  []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) notef(format string, args ...any) {
	p.notes = append(p.notes, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

type options struct {
	feeds           config.FeedList
	timeout         time.Duration
	maxInvalidDates float64
	maxSkipRatio    float64
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var opts options
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Var(&opts.feeds, "feed", "feed as name=url or a bare url/path (repeatable)")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-feed request timeout")
	fs.Float64Var(&opts.maxInvalidDates, "max-invalid-dates", 0.5, "largest tolerated share of reports with unparseable dates")
	fs.Float64Var(&opts.maxSkipRatio, "max-skip-ratio", 0.5, "largest tolerated share of skipped items")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(opts.feeds) == 0 {
		fs.Usage()
		return 2
	}

	fmt.Fprintln(stdout, "=== Wildflower Feed Validation ===")
	fmt.Fprintln(stdout)

	decode, reports := validateDecode(opts)
	phases := []*phase{
		decode,
		validateShapes(reports),
		validateDates(reports, opts.maxInvalidDates),
		validateSightings(reports, opts.maxSkipRatio),
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(stdout, "  %-42s %s\n", p.name, status)
	}

	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "Reports: %d across %d feed(s)\n", len(reports), len(opts.feeds))

	for _, p := range phases {
		if len(p.notes) == 0 {
			continue
		}
		fmt.Fprintf(stdout, "\n--- %s (notes) ---\n", p.name)
		for _, n := range p.notes {
			fmt.Fprintf(stdout, "  - %s\n", n)
		}
	}

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(stdout, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(stdout, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(stdout, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(stdout, "\nValidation FAILED.")
	return 1
}

// ── Phase 1: Decode ──
// Every configured feed must be reachable and decode as a report array.

func validateDecode(opts options) (*phase, []domain.Report) {
	p := &phase{name: "Phase 1: Feed Decode"}

	var all []domain.Report
	for _, f := range opts.feeds {
		client := feed.NewClient(f.Name, f.URL, opts.timeout)
		ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
		reports, err := client.Fetch(ctx)
		cancel()
		if err != nil {
			p.errorf("feed %s (%s): %v", f.Name, f.URL, err)
			continue
		}
		if len(reports) == 0 {
			p.notef("feed %s is empty", f.Name)
		}
		all = append(all, reports...)
	}
	return p, all
}

// ── Phase 2: Report Shape ──
// Reports must match one of the known schemas and carry unique IDs per feed.

func validateShapes(reports []domain.Report) *phase {
	p := &phase{name: "Phase 2: Report Shape"}

	seen := map[string]bool{}
	shapes := map[domain.Shape]int{}
	for i := range reports {
		r := &reports[i]
		shapes[r.Shape()]++

		key := r.Source + "/" + r.ID
		if seen[key] {
			p.errorf("report %s: duplicate id in feed %s", r.ID, r.Source)
		}
		seen[key] = true

		switch r.Shape() {
		case domain.ShapeUnknown:
			p.errorf("report %s (%s): unrecognized shape", r.ID, r.Source)
		case domain.ShapeLegacy:
			if len(domain.CleanNames(r.Legacy.Flowers)) == 0 {
				p.notef("report %s (%s): no flowers listed", r.ID, r.Source)
			}
		case domain.ShapeNested:
			if len(r.Nested.Locations) == 0 {
				p.notef("report %s (%s): empty locations list", r.ID, r.Source)
			}
			for j, loc := range r.Nested.Locations {
				if loc.Malformed {
					p.errorf("report %s (%s): location %d is not an object", r.ID, r.Source, j)
				}
			}
		}
	}
	p.notef("shapes: %d legacy, %d nested, %d unknown",
		shapes[domain.ShapeLegacy], shapes[domain.ShapeNested], shapes[domain.ShapeUnknown])
	return p
}

// ── Phase 3: Dates ──
// Unparseable dates are tolerated up to a share of the reports.

func validateDates(reports []domain.Report, maxInvalid float64) *phase {
	p := &phase{name: "Phase 3: Report Dates"}

	invalid := 0
	for i := range reports {
		if _, ok := domain.ParseDate(reports[i].Date); !ok {
			invalid++
			p.notef("report %s (%s): unparseable date %q", reports[i].ID, reports[i].Source, reports[i].Date)
		}
	}
	if len(reports) > 0 {
		if share := float64(invalid) / float64(len(reports)); share > maxInvalid {
			p.errorf("%d of %d reports have unparseable dates (%.0f%% > %.0f%%)", invalid, len(reports), share*100, maxInvalid*100)
		}
	}
	return p
}

// ── Phase 4: Sightings ──
// Located sightings must satisfy the map invariants. Unlocated ones only
// feed the statistics.

func validateSightings(reports []domain.Report, maxSkipRatio float64) *phase {
	p := &phase{name: "Phase 4: Normalized Sightings"}

	sightings, skipped := domain.NewNormalizer(slog.New(slog.DiscardHandler)).Normalize(reports)

	ids := map[string]bool{}
	located := 0
	for i := range sightings {
		s := &sightings[i]
		if ids[s.ID] {
			p.errorf("sighting %s: duplicate id", s.ID)
		}
		ids[s.ID] = true

		if !s.Located {
			continue
		}
		located++
		if s.LocationName == "" {
			p.errorf("sighting %s (report %s): empty location name", s.ID, s.ReportID)
		}
		if len(s.Flowers) == 0 {
			p.errorf("sighting %s (report %s): no flowers", s.ID, s.ReportID)
		}
		if !finite(s.Lat) || !finite(s.Lon) || math.Abs(s.Lat) > 90 || math.Abs(s.Lon) > 180 {
			p.errorf("sighting %s (report %s): coordinates out of range (%g, %g)", s.ID, s.ReportID, s.Lat, s.Lon)
		}
	}

	reasons := make([]string, 0, len(skipped))
	for reason, n := range skipped {
		reasons = append(reasons, fmt.Sprintf("%s=%d", reason, n))
	}
	slices.Sort(reasons)
	if len(reasons) > 0 {
		p.notef("skipped: %s", strings.Join(reasons, ", "))
	}

	total := located + skipped.Total()
	if total > 0 {
		if ratio := float64(skipped.Total()) / float64(total); ratio > maxSkipRatio {
			p.errorf("%d of %d items skipped (%.0f%% > %.0f%%)", skipped.Total(), total, ratio*100, maxSkipRatio*100)
		}
	}
	p.notef("sightings: %d on the map, %d unlocated", located, len(sightings)-located)
	return p
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
