package utils

import (
	"errors"
	"strings"
	"testing"
)

type sampleRequest struct {
	Symbol string `validate:"required"`
	Side   string `validate:"required,oneof=buy sell"`
	Levels int    `validate:"gte=1,lte=1000"`
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name    string
		input   sampleRequest
		wantErr string
	}{
		{"валидный", sampleRequest{Symbol: "BTCUSDT", Side: "buy", Levels: 10}, ""},
		{"нет символа", sampleRequest{Side: "sell", Levels: 1}, "Symbol: must satisfy required"},
		{"неверная сторона", sampleRequest{Symbol: "X", Side: "hold", Levels: 1}, "Side: must satisfy oneof=buy sell"},
		{"слишком много уровней", sampleRequest{Symbol: "X", Side: "buy", Levels: 5000}, "Levels: must satisfy lte=1000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(tt.input)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error must wrap ErrValidation: %v", err)
			}
		})
	}
}
