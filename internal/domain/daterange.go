package domain

import "slices"

// DateRange is an inclusive [From, To] window. A nil bound is open; both nil
// matches every date.
type DateRange struct {
	From *CanonicalDate `json:"from"`
	To   *CanonicalDate `json:"to"`
}

// NewDateRange returns the complete range spanning a and b in either order.
func NewDateRange(a, b CanonicalDate) DateRange {
	if b.Before(a) {
		a, b = b, a
	}
	return DateRange{From: &a, To: &b}
}

// Unbounded reports whether neither bound is set.
func (r DateRange) Unbounded() bool {
	return r.From == nil && r.To == nil
}

// Contains reports whether d falls inside r. From is compared at start of
// day and To at end of day, so both boundary days are fully included.
func (r DateRange) Contains(d CanonicalDate) bool {
	if r.Unbounded() {
		return true
	}
	candidate := d.StartOfDay()
	if r.From != nil && candidate.Before(r.From.StartOfDay()) {
		return false
	}
	if r.To != nil && candidate.After(r.To.EndOfDay()) {
		return false
	}
	return true
}

// RangeSelector builds a DateRange from two successive date picks.
type RangeSelector struct {
	from *CanonicalDate
	to   *CanonicalDate
}

// Select records a pick. The first pick, or any pick after a complete range,
// starts a new range with only From set. The second pick completes it,
// swapping the pair when it lands before From.
func (s *RangeSelector) Select(d CanonicalDate) DateRange {
	if s.from == nil || s.to != nil {
		s.from, s.to = &d, nil
		return s.Range()
	}
	r := NewDateRange(*s.from, d)
	s.from, s.to = r.From, r.To
	return s.Range()
}

// Pending reports whether a first pick is waiting for its second.
func (s *RangeSelector) Pending() bool {
	return s.from != nil && s.to == nil
}

// Range returns a copy of the current selection.
func (s *RangeSelector) Range() DateRange {
	var r DateRange
	if s.from != nil {
		from := *s.from
		r.From = &from
	}
	if s.to != nil {
		to := *s.to
		r.To = &to
	}
	return r
}

// Clear drops the selection.
func (s *RangeSelector) Clear() {
	s.from, s.to = nil, nil
}

// Filter combines the date range with a source allow-list. Both predicates
// must pass. An empty Sources list allows every source.
type Filter struct {
	Range   DateRange
	Sources []string
}

// AllowsSource reports whether sightings tagged source pass the source
// predicate.
func (f Filter) AllowsSource(source string) bool {
	return len(f.Sources) == 0 || slices.Contains(f.Sources, source)
}

// Matches reports whether s passes both predicates. Undated sightings pass
// only an unbounded range; their parse failure was logged when normalized.
func (f Filter) Matches(s Sighting) bool {
	if !f.AllowsSource(s.Source) {
		return false
	}
	if f.Range.Unbounded() {
		return true
	}
	return s.HasDate && f.Range.Contains(s.Date)
}

// Apply returns the sightings that match f, in input order.
func (f Filter) Apply(sightings []Sighting) []Sighting {
	out := make([]Sighting, 0, len(sightings))
	for _, s := range sightings {
		if f.Matches(s) {
			out = append(out, s)
		}
	}
	return out
}
