package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// InvalidDate is rendered in place of a date that could not be parsed.
const InvalidDate = "Invalid date"

const (
	isoLayout     = "2006-01-02"
	displayLayout = "02/01/2006"
	monthLayout   = "January 2006"
)

var (
	errEmptyDate     = errors.New("empty date")
	errZeroDate      = errors.New("zero time value")
	errNoRoundTrip   = errors.New("date does not round-trip")
	errUnknownFormat = errors.New("unrecognized date format")
)

// isoDateTimeLayouts are tried for strings shaped like "YYYY-MM-DDT...".
var isoDateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// genericLayouts are the fallback for strings with neither '/' nor '-'.
var genericLayouts = []string{
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"January 2 2006",
	"02.01.2006",
	"2.1.2006",
	"20060102",
	time.RFC1123,
	time.RFC1123Z,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
}

// CanonicalDate is a calendar day with no time-of-day and no day/month
// ambiguity. The zero value is the absent date.
type CanonicalDate struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) CanonicalDate {
	y, m, d := t.Date()
	return CanonicalDate{Year: y, Month: m, Day: d}
}

// Valid reports whether d names a real calendar day.
func (d CanonicalDate) Valid() bool {
	if d.Year <= 0 || d.Month < time.January || d.Month > time.December || d.Day < 1 {
		return false
	}
	return DateOf(d.StartOfDay()) == d
}

// StartOfDay returns midnight UTC of d.
func (d CanonicalDate) StartOfDay() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns 23:59:59.999 UTC of d.
func (d CanonicalDate) EndOfDay() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 23, 59, 59, int(999*time.Millisecond), time.UTC)
}

// Compare returns -1, 0 or +1 when d is before, equal to or after o.
func (d CanonicalDate) Compare(o CanonicalDate) int {
	return d.StartOfDay().Compare(o.StartOfDay())
}

// Before reports whether d is strictly earlier than o.
func (d CanonicalDate) Before(o CanonicalDate) bool { return d.Compare(o) < 0 }

// After reports whether d is strictly later than o.
func (d CanonicalDate) After(o CanonicalDate) bool { return d.Compare(o) > 0 }

// String renders d as YYYY-MM-DD, or "" for the absent date.
func (d CanonicalDate) String() string {
	if !d.Valid() {
		return ""
	}
	return d.StartOfDay().Format(isoLayout)
}

// Display renders d as DD/MM/YYYY, or InvalidDate for the absent date.
func (d CanonicalDate) Display() string {
	if !d.Valid() {
		return InvalidDate
	}
	return d.StartOfDay().Format(displayLayout)
}

// MonthLabel renders the "Month Year" bucket label, e.g. "March 2024".
func (d CanonicalDate) MonthLabel() string {
	return d.StartOfDay().Format(monthLayout)
}

// MarshalJSON encodes d as "YYYY-MM-DD", or null for the absent date.
func (d CanonicalDate) MarshalJSON() ([]byte, error) {
	if !d.Valid() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts null or any string ParseDate understands.
func (d *CanonicalDate) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = CanonicalDate{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode date: %w", err)
	}
	parsed, err := parseDate(s)
	if err != nil {
		return fmt.Errorf("decode date %q: %w", s, err)
	}
	*d = parsed
	return nil
}

// ParseDate converts a string, time.Time, *time.Time or CanonicalDate into a
// calendar day. ok is false for nil, empty, zero or unparseable input.
func ParseDate(input any) (CanonicalDate, bool) {
	d, err := parseDate(input)
	return d, err == nil
}

func parseDate(input any) (CanonicalDate, error) {
	switch v := input.(type) {
	case nil:
		return CanonicalDate{}, errEmptyDate
	case CanonicalDate:
		if !v.Valid() {
			return CanonicalDate{}, errNoRoundTrip
		}
		return v, nil
	case *CanonicalDate:
		if v == nil {
			return CanonicalDate{}, errEmptyDate
		}
		return parseDate(*v)
	case time.Time:
		if v.IsZero() {
			return CanonicalDate{}, errZeroDate
		}
		return DateOf(v), nil
	case *time.Time:
		if v == nil {
			return CanonicalDate{}, errEmptyDate
		}
		return parseDate(*v)
	case string:
		return parseDateString(v)
	default:
		return CanonicalDate{}, fmt.Errorf("unsupported date type %T", input)
	}
}

func parseDateString(raw string) (CanonicalDate, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return CanonicalDate{}, errEmptyDate
	}

	switch {
	case isISODateTime(s):
		for _, layout := range isoDateTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return DateOf(t), nil
			}
		}
		return CanonicalDate{}, errUnknownFormat
	case strings.Contains(s, "/"):
		// Day first, always.
		return parseFields(s, "/", false)
	case strings.Contains(s, "-"):
		d, err := parseFields(s, "-", true)
		if !errors.Is(err, errUnknownFormat) {
			return d, err
		}
		// Not numeric; RFC 1123Z and RFC 850 also contain dashes.
	}

	for _, layout := range genericLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return CanonicalDate{}, errUnknownFormat
}

// isISODateTime matches "YYYY-MM-DD" followed by a 'T' or ' ' time part.
func isISODateTime(s string) bool {
	return len(s) > 10 && s[4] == '-' && s[7] == '-' && (s[10] == 'T' || s[10] == ' ')
}

// parseFields reads three numeric fields split by sep. With yearFirst the
// layout is YYYY-MM-DD; a four-digit trailing field switches to DD-MM-YYYY.
// Otherwise the layout is DD/MM/YYYY.
func parseFields(s, sep string, yearFirst bool) (CanonicalDate, error) {
	parts := strings.Split(s, sep)
	if len(parts) != 3 {
		return CanonicalDate{}, errUnknownFormat
	}
	if yearFirst && len(parts[0]) != 4 && len(parts[2]) == 4 {
		yearFirst = false
	}

	yi, mi, di := 2, 1, 0
	if yearFirst {
		yi, mi, di = 0, 1, 2
	}
	if len(parts[yi]) != 4 || !shortField(parts[mi]) || !shortField(parts[di]) {
		return CanonicalDate{}, errUnknownFormat
	}

	year, err := strconv.Atoi(parts[yi])
	if err != nil {
		return CanonicalDate{}, errUnknownFormat
	}
	month, err := strconv.Atoi(parts[mi])
	if err != nil {
		return CanonicalDate{}, errUnknownFormat
	}
	day, err := strconv.Atoi(parts[di])
	if err != nil {
		return CanonicalDate{}, errUnknownFormat
	}

	d := CanonicalDate{Year: year, Month: time.Month(month), Day: day}
	if !d.Valid() {
		return CanonicalDate{}, errNoRoundTrip
	}
	return d, nil
}

func shortField(s string) bool {
	if len(s) == 0 || len(s) > 2 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Dates bundles date operations with the logger that records parse
// failures. Construct it once and pass it where dates are handled.
type Dates struct {
	logger *slog.Logger
}

// NewDates returns a Dates that logs through logger. A nil logger discards.
func NewDates(logger *slog.Logger) Dates {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return Dates{logger: logger}
}

// Parse is ParseDate with a warning logged on failure.
func (d Dates) Parse(input any) (CanonicalDate, bool) {
	parsed, err := parseDate(input)
	if err != nil {
		d.logger.Warn("unparseable date", "input", fmt.Sprint(input), "error", err)
		return CanonicalDate{}, false
	}
	return parsed, true
}

// Format renders input as DD/MM/YYYY, or InvalidDate when it does not parse.
func (d Dates) Format(input any) string {
	parsed, ok := d.Parse(input)
	if !ok {
		return InvalidDate
	}
	return parsed.Display()
}

// Compare orders a and b at day granularity. ok is false when either fails
// to parse.
func (d Dates) Compare(a, b any) (int, bool) {
	da, ok := d.Parse(a)
	if !ok {
		return 0, false
	}
	db, ok := d.Parse(b)
	if !ok {
		return 0, false
	}
	return da.Compare(db), true
}

// InRange reports whether input falls inside r. An unbounded range matches
// everything, including unparseable input; otherwise unparseable input is
// excluded.
func (d Dates) InRange(input any, r DateRange) bool {
	if r.Unbounded() {
		return true
	}
	parsed, ok := d.Parse(input)
	if !ok {
		return false
	}
	return r.Contains(parsed)
}
