package store

import (
	"database/sql"
	"time"
)

// timeLayout is fixed-width with millisecond precision so projection
// timestamps compare correctly as text. RFC3339Nano is variable-width
// and breaks lexicographic ordering.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in the canonical projection form, always UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// FormatMS renders a unix-millisecond event timestamp in the canonical
// projection form.
func FormatMS(ms int64) string {
	return FormatTime(time.UnixMilli(ms))
}

// ParseTime parses the canonical form, falling back to RFC3339 for
// values written by other tools (snapshot imports, hand edits).
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// NullTimeString formats a nullable column value, returning the zero
// time when the column is NULL.
func NullTimeString(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
