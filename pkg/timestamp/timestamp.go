// Package timestamp provides standardized Unix timestamp handling utilities.
//
// This package uses int64 milliseconds as the canonical timestamp format so
// that observation times, announcement times and cache freshness checks all
// compare the same way across the codebase. All timestamps are milliseconds
// since Unix epoch (UTC).
//
// Zero Value Semantics:
//   - A timestamp value of 0 means "not set" or "unknown"
//   - Functions handle zero values gracefully, returning appropriate defaults
package timestamp

import (
	"strconv"
	"time"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time.
// Returns zero time if timestamp is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ToTime is an alias for FromUnixMs for better readability.
func ToTime(ms int64) time.Time {
	return FromUnixMs(ms)
}

// Format converts Unix milliseconds to RFC3339 string for display.
// Returns empty string if timestamp is 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Parse converts various timestamp formats to Unix milliseconds.
// Producers are inconsistent about timestamp encoding, so this accepts:
//   - int64/float64 (assumed milliseconds if > 1e12, otherwise seconds)
//   - string (RFC3339, or a Unix timestamp string with the same heuristic)
//   - time.Time
//   - nil/zero values (returns 0)
//
// Returns 0 for invalid input or parsing errors.
func Parse(input any) int64 {
	if input == nil {
		return 0
	}

	switch v := input.(type) {
	case int64:
		return normalizeUnix(v)
	case int:
		return normalizeUnix(int64(v))
	case float64:
		return normalizeUnix(int64(v))
	case string:
		if v == "" {
			return 0
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UnixMilli()
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return normalizeUnix(n)
		}
		return 0
	case time.Time:
		return ToUnixMs(v)
	default:
		return 0
	}
}

// normalizeUnix treats values above 1e12 as milliseconds and anything
// smaller as seconds.
func normalizeUnix(n int64) int64 {
	if n == 0 {
		return 0
	}
	if n > 1_000_000_000_000 {
		return n
	}
	return n * 1000
}
