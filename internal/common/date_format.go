package common

import (
	"fmt"
	"time"
)

// Standard date format constants
const (
	// ISO8601Date is the standard date format used throughout the application
	// for file naming and API communication
	ISO8601Date = "2006-01-02"

	// LongDate is the format of the date picker options
	LongDate = "January 2, 2006"
)

// ParseISO8601 parses a date string in ISO 8601 format (YYYY-MM-DD)
func ParseISO8601(dateStr string) (time.Time, error) {
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("date string is empty")
	}
	return time.Parse(ISO8601Date, dateStr)
}

// FormatISO8601 formats a time in UTC as an ISO 8601 date string (YYYY-MM-DD)
func FormatISO8601(t time.Time) string {
	return t.UTC().Format(ISO8601Date)
}

// FormatLong formats an acquisition date for the date pickers (January 2, 2006).
// Acquisition dates are UTC; local time would shift them by a day.
func FormatLong(t time.Time) string {
	return t.UTC().Format(LongDate)
}

// FromEpochMillis converts a service timestamp (milliseconds since the epoch) to UTC
func FromEpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ToEpochMillis converts a time to milliseconds since the epoch
func ToEpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}
