package api

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// OutputFormat defines the output format for CLI commands.
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatYAML OutputFormat = "yaml"
	OutputFormatJSON OutputFormat = "json"
)

// globalOutputFormat is set by the root command's --output flag.
var globalOutputFormat = OutputFormatText

// Texter is implemented by responses that have a short human-readable form.
// In text mode they are printed through Text; everything else falls back to
// YAML.
type Texter interface {
	Text() string
}

// SetOutputFormat sets the global output format. Unknown values select text.
func SetOutputFormat(format string) {
	switch OutputFormat(format) {
	case OutputFormatJSON, OutputFormatYAML:
		globalOutputFormat = OutputFormat(format)
	default:
		globalOutputFormat = OutputFormatText
	}
}

// GetOutputFormat returns the current global output format.
func GetOutputFormat() OutputFormat {
	return globalOutputFormat
}

// IsStructuredOutput reports whether output is JSON or YAML. Streaming
// commands use it to choose between raw events and one line per event.
func IsStructuredOutput() bool {
	return globalOutputFormat != OutputFormatText
}

// Output writes data to stdout in the configured format.
func Output(data any) error {
	return OutputTo(os.Stdout, globalOutputFormat, data)
}

// OutputTo writes data to the given writer in the specified format.
func OutputTo(w io.Writer, format OutputFormat, data any) error {
	if format == OutputFormatText {
		if t, ok := data.(Texter); ok {
			_, err := fmt.Fprintln(w, t.Text())
			return err
		}
		format = OutputFormatYAML
	}

	switch format {
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

var currencySymbols = map[string]string{
	"JPY": "¥",
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

// FormatCost renders an amount with its currency symbol. Yen are shown to
// two decimals, other known currencies to four.
func FormatCost(amount float64, currency string) string {
	sym, ok := currencySymbols[currency]
	switch {
	case !ok:
		return fmt.Sprintf("%.4f %s", amount, currency)
	case currency == "JPY":
		return fmt.Sprintf("%s%.2f", sym, amount)
	default:
		return fmt.Sprintf("%s%.4f", sym, amount)
	}
}
