package counting

import (
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD session date in loc.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse session date %q: %w", value, err)
	}
	return t, nil
}

// IsSunday reports whether value is a well-formed date falling on a Sunday.
func IsSunday(value string) bool {
	t, err := ParseDate(value, time.UTC)
	if err != nil {
		return false
	}
	return t.Weekday() == time.Sunday
}

// ReportingDate is the most recent Sunday on or before now, in now's location.
func ReportingDate(now time.Time) string {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return day.AddDate(0, 0, -int(day.Weekday())).Format(DateLayout)
}

// Locked reports whether the session week is over: a session locks once the
// following Sunday has started.
func Locked(date string, now time.Time) bool {
	t, err := ParseDate(date, now.Location())
	if err != nil {
		return false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return !today.Before(t.AddDate(0, 0, 7))
}

// RetentionCutoff is the oldest date kept when sessions older than months are purged.
func RetentionCutoff(now time.Time, months int) string {
	return now.AddDate(0, -months, 0).Format(DateLayout)
}

// Expired reports whether a session dated date falls before the retention cutoff.
func Expired(date string, now time.Time, months int) bool {
	return date < RetentionCutoff(now, months)
}
