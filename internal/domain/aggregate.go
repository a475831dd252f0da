package domain

import (
	"cmp"
	"slices"
	"time"
)

// DefaultTopN is the length of the top and recent lists.
const DefaultTopN = 5

// Count is one entry of a ranked list.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// MonthCount is one point of the chronological monthly trend.
type MonthCount struct {
	Label string     `json:"label"`
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
	Count int        `json:"count"`
}

// Statistics is the aggregate view of a sighting set.
type Statistics struct {
	TotalReports        int            `json:"total_reports"`
	TotalSightings      int            `json:"total_sightings"`
	LocatedSightings    int            `json:"located_sightings"`
	TotalFlowerMentions int            `json:"total_flower_mentions"`
	DistinctFlowers     int            `json:"distinct_flowers"`
	FlowerCounts        map[string]int `json:"flower_counts"`
	LocationCounts      map[string]int `json:"location_counts"`
	MonthlyCounts       map[string]int `json:"monthly_counts"`
	MonthlyTrend        []MonthCount   `json:"monthly_trend"`
	TopFlowers          []Count        `json:"top_flowers"`
	TopLocations        []Count        `json:"top_locations"`
	RecentSightings     []Sighting     `json:"recent_sightings"`
	LatestDate          *CanonicalDate `json:"latest_date"`
}

// tally counts names while remembering first-seen order for tie breaks.
type tally struct {
	counts map[string]int
	order  []string
}

func newTally() *tally {
	return &tally{counts: make(map[string]int)}
}

func (t *tally) add(name string) {
	if _, seen := t.counts[name]; !seen {
		t.order = append(t.order, name)
	}
	t.counts[name]++
}

// top returns the n highest counts, descending. Equal counts keep
// first-seen order.
func (t *tally) top(n int) []Count {
	ranked := make([]Count, 0, len(t.order))
	for _, name := range t.order {
		ranked = append(ranked, Count{Name: name, Count: t.counts[name]})
	}
	slices.SortStableFunc(ranked, func(a, b Count) int {
		return cmp.Compare(b.Count, a.Count)
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// Aggregate computes statistics over sightings. Flower, report, and month
// figures cover every sighting; location figures cover located ones only.
// It is a pure function of its input; topN <= 0 selects DefaultTopN.
func Aggregate(sightings []Sighting, topN int) Statistics {
	if topN <= 0 {
		topN = DefaultTopN
	}

	flowers := newTally()
	locations := newTally()
	reports := make(map[string]struct{})
	months := make(map[CanonicalDate]int)
	monthly := make(map[string]int)
	mentions, located := 0, 0
	var latest *CanonicalDate

	for _, s := range sightings {
		reports[s.reportKey()] = struct{}{}
		mentions += len(s.Flowers)
		for _, f := range s.Flowers {
			flowers.add(f)
		}
		if s.Located {
			located++
			if s.LocationName != "" {
				locations.add(s.LocationName)
			}
		}
		if !s.HasDate {
			continue
		}
		monthly[s.Date.MonthLabel()]++
		months[CanonicalDate{Year: s.Date.Year, Month: s.Date.Month, Day: 1}]++
		if latest == nil || s.Date.After(*latest) {
			d := s.Date
			latest = &d
		}
	}

	return Statistics{
		TotalReports:        len(reports),
		TotalSightings:      len(sightings),
		LocatedSightings:    located,
		TotalFlowerMentions: mentions,
		DistinctFlowers:     len(flowers.counts),
		FlowerCounts:        flowers.counts,
		LocationCounts:      locations.counts,
		MonthlyCounts:       monthly,
		MonthlyTrend:        monthlyTrend(months),
		TopFlowers:          flowers.top(topN),
		TopLocations:        locations.top(topN),
		RecentSightings:     Recent(sightings, topN),
		LatestDate:          latest,
	}
}

func monthlyTrend(months map[CanonicalDate]int) []MonthCount {
	trend := make([]MonthCount, 0, len(months))
	for m, n := range months {
		trend = append(trend, MonthCount{Label: m.MonthLabel(), Year: m.Year, Month: m.Month, Count: n})
	}
	slices.SortFunc(trend, func(a, b MonthCount) int {
		if c := cmp.Compare(a.Year, b.Year); c != 0 {
			return c
		}
		return cmp.Compare(a.Month, b.Month)
	})
	return trend
}

// Recent returns up to n sightings ordered by date, newest first. Undated
// sightings sort after every dated one.
func Recent(sightings []Sighting, n int) []Sighting {
	sorted := slices.Clone(sightings)
	slices.SortStableFunc(sorted, func(a, b Sighting) int {
		switch {
		case a.HasDate && !b.HasDate:
			return -1
		case !a.HasDate && b.HasDate:
			return 1
		case !a.HasDate && !b.HasDate:
			return 0
		}
		return b.Date.Compare(a.Date)
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	if sorted == nil {
		sorted = []Sighting{}
	}
	return sorted
}
