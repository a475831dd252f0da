// Command bloomstats fetches report feeds once and prints sighting
// statistics for an optional date range and source selection. It uses the
// same feed, normalizer, and aggregation code as the server.
//
// Usage:
//
//	go run ./cmd/bloomstats \
//	  -feed primary=data/mock/reports_legacy.json \
//	  -feed merged=data/mock/reports_nested.json \
//	  -from 01/03/2024 -to 2024-03-31 -top 3
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/couchcryptid/wildflower-sightings/internal/config"
	"github.com/couchcryptid/wildflower-sightings/internal/domain"
	"github.com/couchcryptid/wildflower-sightings/internal/feed"
	"github.com/couchcryptid/wildflower-sightings/internal/observability"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		log.Fatal(err)
	}
}

type options struct {
	feeds   config.FeedList
	from    string
	to      string
	sources string
	top     int
	asJSON  bool
	timeout time.Duration
	level   string
}

func run(args []string, stdout, stderr io.Writer) error {
	var opts options
	fs := flag.NewFlagSet("bloomstats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Var(&opts.feeds, "feed", "feed as name=url or a bare url/path (repeatable)")
	fs.StringVar(&opts.from, "from", "", "range start, any supported date format")
	fs.StringVar(&opts.to, "to", "", "range end, any supported date format")
	fs.StringVar(&opts.sources, "source", "", "comma-separated source names to include")
	fs.IntVar(&opts.top, "top", domain.DefaultTopN, "length of the top lists")
	fs.BoolVar(&opts.asJSON, "json", false, "print statistics as JSON")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-feed request timeout")
	fs.StringVar(&opts.level, "log-level", "warn", "log level for skipped items and bad dates")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(opts.feeds) == 0 {
		fs.Usage()
		return fmt.Errorf("missing required flag: -feed")
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: observability.ParseLevel(opts.level)}))
	dates := domain.NewDates(logger)

	dateRange, err := selectRange(dates, opts.from, opts.to)
	if err != nil {
		return err
	}
	filter := domain.Filter{Range: dateRange, Sources: splitSources(opts.sources)}

	registry, err := feed.FromConfig(opts.feeds, opts.timeout)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout*time.Duration(len(opts.feeds)))
	defer cancel()

	reports, err := registry.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("fetch feeds: %w", err)
	}

	sightings, skipped := domain.NewNormalizer(logger).Normalize(reports)
	stats := domain.Aggregate(filter.Apply(sightings), opts.top)

	if opts.asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	return printStatistics(stdout, len(reports), skipped, filter, stats)
}

// selectRange turns -from/-to into a range the way the dashboard date picker
// does: two picks in either order give an ordered, inclusive range.
func selectRange(dates domain.Dates, from, to string) (domain.DateRange, error) {
	var sel domain.RangeSelector
	if from != "" {
		d, ok := dates.Parse(from)
		if !ok {
			return domain.DateRange{}, fmt.Errorf("invalid -from date %q", from)
		}
		sel.Select(d)
	}
	if to != "" {
		d, ok := dates.Parse(to)
		if !ok {
			return domain.DateRange{}, fmt.Errorf("invalid -to date %q", to)
		}
		if !sel.Pending() {
			return domain.DateRange{To: &d}, nil
		}
		sel.Select(d)
	}
	return sel.Range(), nil
}

func splitSources(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func printStatistics(w io.Writer, reports int, skipped domain.SkipCounts, f domain.Filter, stats domain.Statistics) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "Range:\t%s\n", describeRange(f.Range))
	if len(f.Sources) > 0 {
		fmt.Fprintf(tw, "Sources:\t%s\n", strings.Join(f.Sources, ", "))
	}
	fmt.Fprintf(tw, "Reports fetched:\t%d\n", reports)
	fmt.Fprintf(tw, "Items skipped:\t%d\n", skipped.Total())
	fmt.Fprintf(tw, "Reports:\t%d\n", stats.TotalReports)
	fmt.Fprintf(tw, "Sightings:\t%d\n", stats.TotalSightings)
	fmt.Fprintf(tw, "On map:\t%d\n", stats.LocatedSightings)
	fmt.Fprintf(tw, "Flower mentions:\t%d\n", stats.TotalFlowerMentions)
	fmt.Fprintf(tw, "Distinct flowers:\t%d\n", stats.DistinctFlowers)
	if stats.LatestDate != nil {
		fmt.Fprintf(tw, "Last update:\t%s\n", stats.LatestDate.Display())
	}

	printCounts(tw, "Top flowers", stats.TopFlowers)
	printCounts(tw, "Top locations", stats.TopLocations)

	if len(stats.MonthlyTrend) > 0 {
		fmt.Fprintln(tw, "\nMonthly trend")
		for _, m := range stats.MonthlyTrend {
			fmt.Fprintf(tw, "  %s\t%d\n", m.Label, m.Count)
		}
	}

	if len(stats.RecentSightings) > 0 {
		fmt.Fprintln(tw, "\nRecent sightings")
		for _, s := range stats.RecentSightings {
			date := domain.InvalidDate
			if s.HasDate {
				date = s.Date.Display()
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", date, s.LocationName, strings.Join(s.Flowers, ", "))
		}
	}
	return tw.Flush()
}

func printCounts(w io.Writer, title string, counts []domain.Count) {
	if len(counts) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", title)
	for i, c := range counts {
		fmt.Fprintf(w, "  %d. %s\t%d\n", i+1, c.Name, c.Count)
	}
}

func describeRange(r domain.DateRange) string {
	switch {
	case r.Unbounded():
		return "all dates"
	case r.To == nil:
		return "from " + r.From.Display()
	case r.From == nil:
		return "until " + r.To.Display()
	default:
		return r.From.Display() + " - " + r.To.Display()
	}
}
