package capture

import (
	"errors"
	"fmt"

	"github.com/jackzampolin/pageturner/internal/navigator"
)

// ErrInvalidSettings is returned when capture settings fail validation.
var ErrInvalidSettings = errors.New("invalid capture settings")

// Mode selects whether pages are transcribed after capture.
type Mode string

const (
	ModeCaptureOnly          Mode = "capture_only"
	ModeCaptureAndTranscribe Mode = "capture_and_transcribe"
)

// Format is the output container produced by the hand-off.
type Format string

const (
	FormatPDF Format = "pdf"
	FormatZip Format = "zip"
)

// Style is the transcription output style.
type Style string

const (
	StylePlain    Style = "plain"
	StyleMarkdown Style = "markdown"
)

// Viewport presets with special meaning.
const (
	PresetCurrent   = "current"
	PresetMaximized = "maximized"
	PresetCustom    = "custom"
)

// Size is a window size in pixels.
type Size struct {
	Width  int `mapstructure:"width" yaml:"width" json:"width"`
	Height int `mapstructure:"height" yaml:"height" json:"height"`
}

// FallbackSize is used for presets nobody has defined.
var FallbackSize = Size{Width: 1280, Height: 800}

// DefaultPresets returns the built-in window presets.
func DefaultPresets() map[string]Size {
	return map[string]Size{
		"kindle":   {Width: 750, Height: 1100},
		"tablet":   {Width: 1000, Height: 1333},
		"wide":     {Width: 1600, Height: 1000},
		"magazine": {Width: 850, Height: 1100},
		"manga":    {Width: 750, Height: 1000},
		"spread":   {Width: 1400, Height: 900},
	}
}

// ViewportSettings describes how the browser window is sized before capture.
type ViewportSettings struct {
	// Preset is "current", "maximized", "custom" or a named preset.
	Preset string `json:"preset"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Settings configure one capture session. They do not change while the
// session runs.
type Settings struct {
	Viewport     ViewportSettings    `json:"viewport"`
	Direction    navigator.Direction `json:"direction"`
	OutputFormat Format              `json:"output_format"`
	Mode         Mode                `json:"mode"`
	Model        string              `json:"model,omitempty"`
	Style        Style               `json:"style,omitempty"`
	Credential   string              `json:"credential,omitempty"`
	CostLimit    float64             `json:"cost_limit,omitempty"`
}

// WithDefaults fills empty fields.
func (s Settings) WithDefaults() Settings {
	if s.Viewport.Preset == "" {
		s.Viewport.Preset = PresetCurrent
	}
	if s.Direction == "" {
		s.Direction = navigator.LTR
	}
	if s.OutputFormat == "" {
		s.OutputFormat = FormatPDF
	}
	if s.Mode == "" {
		s.Mode = ModeCaptureOnly
	}
	if s.Style == "" {
		s.Style = StylePlain
	}
	return s
}

// Validate checks enumerations and ranges.
func (s Settings) Validate() error {
	if !s.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", ErrInvalidSettings, s.Direction)
	}
	switch s.OutputFormat {
	case FormatPDF, FormatZip:
	default:
		return fmt.Errorf("%w: output format %q", ErrInvalidSettings, s.OutputFormat)
	}
	switch s.Mode {
	case ModeCaptureOnly, ModeCaptureAndTranscribe:
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalidSettings, s.Mode)
	}
	switch s.Style {
	case StylePlain, StyleMarkdown:
	default:
		return fmt.Errorf("%w: style %q", ErrInvalidSettings, s.Style)
	}
	if s.Viewport.Preset == PresetCustom && (s.Viewport.Width <= 0 || s.Viewport.Height <= 0) {
		return fmt.Errorf("%w: custom viewport needs width and height", ErrInvalidSettings)
	}
	if s.Viewport.Width < 0 || s.Viewport.Height < 0 {
		return fmt.Errorf("%w: negative viewport size", ErrInvalidSettings)
	}
	if s.CostLimit < 0 {
		return fmt.Errorf("%w: negative cost limit", ErrInvalidSettings)
	}
	return nil
}

// Transcribes reports whether the session transcribes its pages.
func (s Settings) Transcribes() bool {
	return s.Mode == ModeCaptureAndTranscribe
}

// Redacted returns a copy without the credential, suitable for persisting.
func (s Settings) Redacted() Settings {
	s.Credential = ""
	return s
}
