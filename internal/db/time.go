package db

import "time"

// TimeFormat is RFC3339 with a fixed-width 9-digit fraction so that
// stored timestamps order lexically. All rows store UTC.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a timestamp in the canonical stored form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
