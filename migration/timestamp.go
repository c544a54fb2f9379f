package migration

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxSecondsTimestamp is the largest value still read as unix seconds. Anything wider than ten digits
// is taken to be in milliseconds.
const maxSecondsTimestamp = 9_999_999_999

// NormalizeTimestamp converts a seconds-or-milliseconds unix timestamp to seconds.
// Values are divided by 1000 until they fit in ten digits, so normalizing twice is a no-op.
func NormalizeTimestamp(ts int64) int64 {
	for ts > maxSecondsTimestamp {
		ts /= 1000
	}
	return ts
}

// CompareTimestamps normalizes both values and returns -1, 0 or 1.
func CompareTimestamps(a, b int64) int {
	a = NormalizeTimestamp(a)
	b = NormalizeTimestamp(b)
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// sessionDateLayouts are tried in order against session_N_date_time values,
// e.g. "1:56 pm on 8 May, 2023" or "03:15 PM on 05 January, 2021".
var sessionDateLayouts = []string{
	"3:04 PM on 2 Jan, 2006",
	"3:04 pm on 2 Jan, 2006",
	"3:04 PM on 2 January, 2006",
	"3:04 pm on 2 January, 2006",
}

// ParseSessionTime parses a session date string in loc. ok is false when no layout matches.
func ParseSessionTime(s string, loc *time.Location) (t time.Time, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range sessionDateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseStartTime accepts unix seconds (or milliseconds) or a "2006-01-02T15:04:05" time in loc.
// An empty string yields 0, meaning no lower bound.
func ParseStartTime(s string, loc *time.Location) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return NormalizeTimestamp(n), nil
	}
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, loc)
	if err != nil {
		return 0, fmt.Errorf("ParseStartTime: %q is neither epoch seconds nor YYYY-MM-DDTHH:MM:SS", s)
	}
	return t.Unix(), nil
}

// FormatTimestamp renders a normalized timestamp as RFC3339 UTC, or "" for non-positive values.
func FormatTimestamp(ts int64) string {
	ts = NormalizeTimestamp(ts)
	if ts <= 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
