package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToUnixMsRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	ms := ToUnixMs(now)
	assert.Equal(t, now.UnixMilli(), ms)
	assert.True(t, FromUnixMs(ms).Equal(now))
}

func TestZeroValues(t *testing.T) {
	assert.Equal(t, int64(0), ToUnixMs(time.Time{}))
	assert.True(t, FromUnixMs(0).IsZero())
	assert.Equal(t, "", Format(0))
}

func TestFormat(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-01-01T00:00:00Z", Format(ToUnixMs(ts)))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  int64
	}{
		{"nil", nil, 0},
		{"empty string", "", 0},
		{"rfc3339", "2025-01-01T00:00:00Z", 1735689600000},
		{"unix seconds", int64(1735689600), 1735689600000},
		{"unix millis", int64(1735689600000), 1735689600000},
		{"unix seconds string", "1735689600", 1735689600000},
		{"float seconds", float64(1735689600), 1735689600000},
		{"garbage", "not-a-time", 0},
		{"unsupported type", []string{"x"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input))
		})
	}
}

func TestParseTime(t *testing.T) {
	ts := time.Date(2025, 6, 15, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, ts.UnixMilli(), Parse(ts))
}
