// Package pricing converts transcription token usage into a display-currency
// cost.
package pricing

import "strings"

// DefaultModel is the pricing entry used for unknown models.
const DefaultModel = "default"

// ModelPricing is the USD price per million tokens for one model.
type ModelPricing struct {
	InputPerM  float64 `mapstructure:"input_per_m" yaml:"input_per_m" json:"input_per_m"`
	OutputPerM float64 `mapstructure:"output_per_m" yaml:"output_per_m" json:"output_per_m"`
}

// Usage is the token accounting reported by a transcription response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Table maps model identifiers to prices and converts USD into the display
// currency.
type Table struct {
	Models       map[string]ModelPricing
	ExchangeRate float64
	Currency     string
}

// EmbeddedModels returns the built-in price list.
func EmbeddedModels() map[string]ModelPricing {
	return map[string]ModelPricing{
		"gemini-2.0-flash":      {InputPerM: 0.10, OutputPerM: 0.40},
		"gemini-2.0-flash-lite": {InputPerM: 0.075, OutputPerM: 0.30},
		"gemini-2.5-flash":      {InputPerM: 0.30, OutputPerM: 2.50},
		"gemini-2.5-flash-lite": {InputPerM: 0.10, OutputPerM: 0.40},
		"gemini-2.5-pro":        {InputPerM: 1.25, OutputPerM: 10.00},
		"gemini-1.5-flash":      {InputPerM: 0.075, OutputPerM: 0.30},
		"gemini-1.5-pro":        {InputPerM: 1.25, OutputPerM: 5.00},
		"gpt-4o-mini":           {InputPerM: 0.15, OutputPerM: 0.60},
		"gpt-4o":                {InputPerM: 2.50, OutputPerM: 10.00},
		"gpt-4.1-mini":          {InputPerM: 0.40, OutputPerM: 1.60},
		DefaultModel:            {InputPerM: 0.10, OutputPerM: 0.40},
	}
}

// NewTable builds a table from the embedded prices, overlaid with overrides.
func NewTable(overrides map[string]ModelPricing, exchangeRate float64, currency string) *Table {
	models := EmbeddedModels()
	for name, p := range overrides {
		models[strings.ToLower(name)] = p
	}
	if exchangeRate <= 0 {
		exchangeRate = 1
	}
	return &Table{Models: models, ExchangeRate: exchangeRate, Currency: currency}
}

// Lookup returns the pricing for model. Versioned identifiers such as
// "gemini-2.0-flash-001" or "models/gemini-2.0-flash" resolve to their base
// entry; anything else falls back to the default entry.
func (t *Table) Lookup(model string) ModelPricing {
	name := strings.ToLower(strings.TrimPrefix(model, "models/"))
	if p, ok := t.Models[name]; ok {
		return p
	}

	best := ""
	for k := range t.Models {
		if k != DefaultModel && strings.HasPrefix(name, k) && len(k) > len(best) {
			best = k
		}
	}
	if best != "" {
		return t.Models[best]
	}
	return t.Models[DefaultModel]
}

// USD returns the cost of u on model in US dollars.
func (t *Table) USD(model string, u Usage) float64 {
	p := t.Lookup(model)
	return float64(u.InputTokens)*p.InputPerM/1e6 + float64(u.OutputTokens)*p.OutputPerM/1e6
}

// Cost returns the cost of u on model in the display currency.
func (t *Table) Cost(model string, u Usage) float64 {
	return t.USD(model, u) * t.ExchangeRate
}
