package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 parses a query-string timestamp, normalized to UTC.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
	}
	return t.UTC(), nil
}

// DurationMinutes returns the span between two timestamps in minutes,
// regardless of argument order.
func DurationMinutes(a, b time.Time) float64 {
	span := b.Sub(a)
	if span < 0 {
		span = -span
	}
	return span.Minutes()
}
