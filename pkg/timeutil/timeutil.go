// Package timeutil holds the wall-clock helpers shared by the collector,
// the store and the watcher: parsing the upstream page's heterogeneous time
// strings, quiet-hours window membership and timezone-aware "now".
package timeutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// tbaMarkers are the values the upstream page uses for events whose start
// time is not yet announced. Matching is case-insensitive.
var tbaMarkers = map[string]struct{}{
	"":                {},
	"tba":             {},
	"to be announced": {},
	"待定":              {},
	"—":               {},
	"-":               {},
	"na":              {},
	"n/a":             {},
}

var (
	hhmmRe     = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	dateOnlyRe = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)
)

// isoLayouts are tried in order when parsing a full timestamp. Layouts
// without a zone are interpreted in the configured location.
var isoLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339, true},
	{"2006-01-02T15:04Z07:00", true},
	{"2006-01-02 15:04:05Z07:00", true},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02T15:04", false},
	{"2006-01-02 15:04", false},
}

// NowIn returns the current instant in the named IANA zone.
func NowIn(timezone string) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("loading timezone %q: %s", timezone, err)
	}
	return time.Now().In(loc), nil
}

// IsTBA reports whether the raw time string marks a to-be-announced event.
func IsTBA(raw string) bool {
	_, ok := tbaMarkers[strings.ToLower(strings.TrimSpace(raw))]
	return ok
}

// ParseEventTime normalizes an upstream time string into an instant in loc.
// Three strategies are tried in order: a full timestamp, an HH:MM clock
// combined with the reference date, and a bare YYYY-MM-DD date at midnight.
// TBA markers and unparseable values report ok=false.
//
// The HH:MM strategy applies the midnight-rollover rule: if combining with
// the reference date lands more than one hour before the reference, the
// event belongs to the next day.
func ParseEventTime(raw string, loc *time.Location, reference time.Time) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if IsTBA(trimmed) {
		return time.Time{}, false
	}

	if t, ok := parseISO(trimmed, loc); ok {
		return t, true
	}
	if t, ok := parseHHMM(trimmed, loc, reference); ok {
		return t, true
	}
	if t, ok := parseDateOnly(trimmed, loc); ok {
		return t, true
	}
	return time.Time{}, false
}

func parseISO(value string, loc *time.Location) (time.Time, bool) {
	for _, l := range isoLayouts {
		if l.zoned {
			if t, err := time.Parse(l.layout, value); err == nil {
				return t.In(loc), true
			}
			continue
		}
		if t, err := time.ParseInLocation(l.layout, value, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseHHMM(value string, loc *time.Location, reference time.Time) (time.Time, bool) {
	m := hhmmRe.FindStringSubmatch(value)
	if m == nil {
		return time.Time{}, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return time.Time{}, false
	}
	ref := reference.In(loc)
	candidate := time.Date(ref.Year(), ref.Month(), ref.Day(), hour, minute, 0, 0, loc)
	if candidate.Before(ref.Add(-time.Hour)) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, true
}

func parseDateOnly(value string, loc *time.Location) (time.Time, bool) {
	m := dateOnlyRe.FindStringSubmatch(value)
	if m == nil {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc), true
}

// IsWithinWindow reports whether eventTime lies in (now, now+aheadMinutes].
// Past events are never within the window.
func IsWithinWindow(eventTime, now time.Time, aheadMinutes int) bool {
	if eventTime.Before(now) {
		return false
	}
	return eventTime.Sub(now) <= time.Duration(aheadMinutes)*time.Minute
}

// QuietWindow is a wall-clock window expressed in minutes since midnight.
// Start > End means the window wraps around midnight.
type QuietWindow struct {
	Start int
	End   int
}

// quietDelimiters are tried in order when splitting a quiet-hours spec.
var quietDelimiters = []string{"-", "–", "—", "to"}

// ParseQuietHours parses "HH:MM<delim>HH:MM" where the delimiter is a dash
// variant or "to"; two space-separated clock values are also accepted.
// Malformed input reports ok=false.
func ParseQuietHours(raw string) (QuietWindow, bool) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return QuietWindow{}, false
	}

	var parts []string
	for _, delim := range quietDelimiters {
		if strings.Contains(cleaned, delim) {
			parts = strings.SplitN(cleaned, delim, 2)
			break
		}
	}
	if parts == nil {
		parts = strings.Fields(cleaned)
	}
	if len(parts) != 2 {
		return QuietWindow{}, false
	}

	start, ok := parseClock(strings.TrimSpace(parts[0]))
	if !ok {
		return QuietWindow{}, false
	}
	end, ok := parseClock(strings.TrimSpace(parts[1]))
	if !ok {
		return QuietWindow{}, false
	}
	return QuietWindow{Start: start, End: end}, true
}

func parseClock(value string) (int, bool) {
	pieces := strings.Split(value, ":")
	if len(pieces) != 2 {
		return 0, false
	}
	hour, err := strconv.Atoi(pieces[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute, err := strconv.Atoi(pieces[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}

// InQuietHours reports whether now falls inside the window. Membership is
// inclusive of the start and exclusive of the end; a wrap-around window
// (start > end) crosses midnight.
func InQuietHours(now time.Time, window *QuietWindow) bool {
	if window == nil {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	if window.Start <= window.End {
		return minute >= window.Start && minute < window.End
	}
	return minute >= window.Start || minute < window.End
}
