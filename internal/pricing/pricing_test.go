package pricing

import (
	"math"
	"testing"
)

func TestTable_Cost(t *testing.T) {
	table := NewTable(nil, 150, "JPY")

	got := table.Cost("gemini-2.0-flash", Usage{InputTokens: 1000, OutputTokens: 500})
	want := (1000*0.10/1e6 + 500*0.40/1e6) * 150
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestTable_Lookup(t *testing.T) {
	table := NewTable(map[string]ModelPricing{
		"Custom-Model": {InputPerM: 1, OutputPerM: 2},
	}, 1, "USD")

	tests := []struct {
		model string
		want  ModelPricing
	}{
		{"gemini-2.5-pro", ModelPricing{InputPerM: 1.25, OutputPerM: 10}},
		{"models/gemini-2.0-flash", ModelPricing{InputPerM: 0.10, OutputPerM: 0.40}},
		{"gemini-2.0-flash-001", ModelPricing{InputPerM: 0.10, OutputPerM: 0.40}},
		{"gemini-2.0-flash-lite-preview", ModelPricing{InputPerM: 0.075, OutputPerM: 0.30}},
		{"custom-model", ModelPricing{InputPerM: 1, OutputPerM: 2}},
		{"something-unknown", table.Models[DefaultModel]},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := table.Lookup(tt.model); got != tt.want {
				t.Errorf("Lookup(%q) = %+v, want %+v", tt.model, got, tt.want)
			}
		})
	}
}

func TestNewTable_InvalidRate(t *testing.T) {
	table := NewTable(nil, 0, "USD")
	if table.ExchangeRate != 1 {
		t.Errorf("expected exchange rate to default to 1, got %v", table.ExchangeRate)
	}
}
