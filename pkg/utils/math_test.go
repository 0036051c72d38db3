package utils

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundToStep(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		step     string
		expected string
	}{
		{"шаг 0.001", "0.123456", "0.001", "0.123"},
		{"шаг 0.01", "1.999", "0.01", "1.99"},
		{"целый шаг", "100.5", "1", "100"},
		{"уже кратно", "0.5", "0.1", "0.5"},
		{"нулевой шаг", "1.2345", "0", "1.2345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToStep(d(tt.value), d(tt.step))
			if !got.Equal(d(tt.expected)) {
				t.Errorf("RoundToStep(%s, %s) = %s, want %s", tt.value, tt.step, got, tt.expected)
			}
		})
	}
}

func TestRoundToStepNearest(t *testing.T) {
	if got := RoundToStepNearest(d("100.26"), d("0.1")); !got.Equal(d("100.3")) {
		t.Errorf("got %s, want 100.3", got)
	}
	if got := RoundToStepNearest(d("100.24"), d("0.1")); !got.Equal(d("100.2")) {
		t.Errorf("got %s, want 100.2", got)
	}
}

func TestSpreadPct(t *testing.T) {
	// mid = 100, spread = 1 -> 1%
	if got := SpreadPct(d("99.5"), d("100.5")); !got.Equal(d("1")) {
		t.Errorf("SpreadPct = %s, want 1", got)
	}
	if got := SpreadPct(decimal.Zero, decimal.Zero); !got.IsZero() {
		t.Errorf("SpreadPct of zero book = %s", got)
	}
}

func TestChangePct(t *testing.T) {
	if got := ChangePct(d("200"), d("210")); !got.Equal(d("5")) {
		t.Errorf("ChangePct = %s, want 5", got)
	}
	if got := ChangePct(d("200"), d("190")); !got.Equal(d("-5")) {
		t.Errorf("ChangePct = %s, want -5", got)
	}
	if got := ChangePct(decimal.Zero, d("1")); !got.IsZero() {
		t.Errorf("ChangePct from zero = %s", got)
	}
}

func TestMinMaxDecimal(t *testing.T) {
	if !MinDecimal(d("1"), d("2")).Equal(d("1")) {
		t.Error("MinDecimal")
	}
	if !MaxDecimal(d("1"), d("2")).Equal(d("2")) {
		t.Error("MaxDecimal")
	}
}
