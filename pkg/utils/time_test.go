package utils

import (
	"testing"
	"time"
)

func TestDayStartUTC(t *testing.T) {
	msk := time.FixedZone("MSK", 3*3600)

	tests := []struct {
		name     string
		input    time.Time
		expected time.Time
	}{
		{
			name:     "середина дня UTC",
			input:    time.Date(2024, 3, 10, 15, 4, 5, 0, time.UTC),
			expected: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "ровно полночь",
			input:    time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
			expected: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "локальное время раньше полуночи UTC",
			input:    time.Date(2024, 3, 11, 1, 0, 0, 0, msk),
			expected: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DayStartUTC(tt.input)
			if !got.Equal(tt.expected) {
				t.Errorf("DayStartUTC(%v) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNextMidnightUTC(t *testing.T) {
	in := time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC)
	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := NextMidnightUTC(in); !got.Equal(want) {
		t.Errorf("NextMidnightUTC = %v, want %v", got, want)
	}

	mid := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if got := NextMidnightUTC(mid); !got.Equal(mid.Add(24 * time.Hour)) {
		t.Errorf("NextMidnightUTC at midnight = %v", got)
	}
}

func TestSameDayUTC(t *testing.T) {
	a := time.Date(2024, 5, 1, 0, 0, 1, 0, time.UTC)
	b := time.Date(2024, 5, 1, 23, 59, 59, 0, time.UTC)
	c := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

	if !SameDayUTC(a, b) {
		t.Error("a and b should be the same day")
	}
	if SameDayUTC(b, c) {
		t.Error("b and c should be different days")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{45 * time.Second, "45s"},
		{5*time.Minute + 30*time.Second + 400*time.Millisecond, "5m30s"},
		{2*time.Hour + 15*time.Minute + 10*time.Second, "2h15m0s"},
		{-3 * time.Second, "3s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := FormatDuration(tt.input); got != tt.expected {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestUnixMillisRoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	if got := FromUnixMillis(UnixMillis(ts)); !got.Equal(ts) {
		t.Errorf("round trip = %v, want %v", got, ts)
	}
}
