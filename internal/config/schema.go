package config

import (
	"time"

	"gopkg.in/yaml.v2"

	"github.com/jackzampolin/pageturner/internal/capture"
	"github.com/jackzampolin/pageturner/internal/navigator"
	"github.com/jackzampolin/pageturner/internal/pricing"
)

// Config holds pageturner configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Browser       BrowserCfg              `mapstructure:"browser" yaml:"browser"`
	Capture       CaptureCfg              `mapstructure:"capture" yaml:"capture"`
	Presets       map[string]capture.Size `mapstructure:"presets" yaml:"presets"`
	Transcription TranscriptionCfg        `mapstructure:"transcription" yaml:"transcription"`
	Pricing       PricingCfg              `mapstructure:"pricing" yaml:"pricing"`
	Defaults      DefaultsCfg             `mapstructure:"defaults" yaml:"defaults"`
	APIKeys       map[string]string       `mapstructure:"api_keys" yaml:"api_keys"` // supports ${ENV_VAR} syntax
}

// BrowserCfg locates the browser that hosts the reader.
type BrowserCfg struct {
	ControlURL string `mapstructure:"control_url" yaml:"control_url"` // DevTools websocket URL of a running browser
	Launch     bool   `mapstructure:"launch" yaml:"launch"`           // launch a browser when no control URL is set
	Bin        string `mapstructure:"bin" yaml:"bin"`
	Headless   bool   `mapstructure:"headless" yaml:"headless"`
}

// CaptureCfg holds capture loop delays and bounds.
type CaptureCfg struct {
	ResizeSettle        time.Duration `mapstructure:"resize_settle" yaml:"resize_settle"`
	LoopDelay           time.Duration `mapstructure:"loop_delay" yaml:"loop_delay"`
	StopGrace           time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	StaleAfter          time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	DuplicateWait       time.Duration `mapstructure:"duplicate_wait" yaml:"duplicate_wait"`
	MaxDuplicateRetries int           `mapstructure:"max_duplicate_retries" yaml:"max_duplicate_retries"`
	CaptureQuality      int           `mapstructure:"capture_quality" yaml:"capture_quality"`
	StartSettle         time.Duration `mapstructure:"start_settle" yaml:"start_settle"`
	ReinstallDelay      time.Duration `mapstructure:"reinstall_delay" yaml:"reinstall_delay"`
	Stability           StabilityCfg  `mapstructure:"stability" yaml:"stability"`
}

// StabilityCfg tunes the visual stability detector.
type StabilityCfg struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	Threshold    int           `mapstructure:"threshold" yaml:"threshold"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Quality      int           `mapstructure:"quality" yaml:"quality"`
}

// TranscriptionCfg configures the transcription pipeline and its backends.
type TranscriptionCfg struct {
	DefaultModel  string        `mapstructure:"default_model" yaml:"default_model"`
	Prompt        string        `mapstructure:"prompt" yaml:"prompt"` // empty uses the built-in prompt
	MinInterval   time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	GeminiBaseURL string        `mapstructure:"gemini_base_url" yaml:"gemini_base_url"`
	OpenAIBaseURL string        `mapstructure:"openai_base_url" yaml:"openai_base_url"`
}

// PricingCfg overrides the embedded price list.
type PricingCfg struct {
	Currency     string          `mapstructure:"currency" yaml:"currency"`
	ExchangeRate float64         `mapstructure:"exchange_rate" yaml:"exchange_rate"` // display units per USD
	Models       []ModelPriceCfg `mapstructure:"models" yaml:"models"`
}

// ModelPriceCfg is one price list entry. Model names contain dots, so the
// list is not keyed by name.
type ModelPriceCfg struct {
	Name       string  `mapstructure:"name" yaml:"name"`
	InputPerM  float64 `mapstructure:"input_per_m" yaml:"input_per_m"`
	OutputPerM float64 `mapstructure:"output_per_m" yaml:"output_per_m"`
}

// DefaultsCfg are the session settings used when a request leaves them empty.
type DefaultsCfg struct {
	Direction    string  `mapstructure:"direction" yaml:"direction"`
	OutputFormat string  `mapstructure:"output_format" yaml:"output_format"`
	Mode         string  `mapstructure:"mode" yaml:"mode"`
	Style        string  `mapstructure:"style" yaml:"style"`
	Preset       string  `mapstructure:"preset" yaml:"preset"`
	CostLimit    float64 `mapstructure:"cost_limit" yaml:"cost_limit"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	timings := capture.DefaultTimings()
	return &Config{
		Browser: BrowserCfg{
			Launch:   true,
			Headless: false,
		},
		Capture: CaptureCfg{
			ResizeSettle:        timings.ResizeSettle,
			LoopDelay:           timings.LoopDelay,
			StopGrace:           timings.StopGrace,
			StaleAfter:          timings.StaleAfter,
			DuplicateWait:       timings.DuplicateWait,
			MaxDuplicateRetries: timings.MaxDuplicateRetries,
			CaptureQuality:      timings.CaptureQuality,
			StartSettle:         3 * time.Second,
			ReinstallDelay:      time.Second,
			Stability: StabilityCfg{
				InitialDelay: timings.Stability.InitialDelay,
				Interval:     timings.Stability.Interval,
				Threshold:    timings.Stability.Threshold,
				MaxAttempts:  timings.Stability.MaxAttempts,
				Quality:      timings.Stability.Quality,
			},
		},
		Presets: capture.DefaultPresets(),
		Transcription: TranscriptionCfg{
			DefaultModel:  "gemini-2.0-flash",
			MinInterval:   4500 * time.Millisecond,
			Timeout:       30 * time.Second,
			MaxRetries:    2,
			GeminiBaseURL: "https://generativelanguage.googleapis.com",
			OpenAIBaseURL: "https://api.openai.com/v1",
		},
		Pricing: PricingCfg{
			Currency:     "JPY",
			ExchangeRate: 150,
		},
		Defaults: DefaultsCfg{
			Direction:    "ltr",
			OutputFormat: string(capture.FormatPDF),
			Mode:         string(capture.ModeCaptureOnly),
			Style:        string(capture.StylePlain),
			Preset:       capture.PresetCurrent,
		},
		APIKeys: map[string]string{
			"gemini": "${GEMINI_API_KEY}",
			"openai": "${OPENAI_API_KEY}",
		},
	}
}

// Timings converts the capture section for the controller.
func (c *Config) Timings() capture.Timings {
	return capture.Timings{
		ResizeSettle:        c.Capture.ResizeSettle,
		LoopDelay:           c.Capture.LoopDelay,
		StopGrace:           c.Capture.StopGrace,
		StaleAfter:          c.Capture.StaleAfter,
		DuplicateWait:       c.Capture.DuplicateWait,
		MaxDuplicateRetries: c.Capture.MaxDuplicateRetries,
		CaptureQuality:      c.Capture.CaptureQuality,
		Stability: capture.StabilityConfig{
			InitialDelay: c.Capture.Stability.InitialDelay,
			Interval:     c.Capture.Stability.Interval,
			Threshold:    c.Capture.Stability.Threshold,
			MaxAttempts:  c.Capture.Stability.MaxAttempts,
			Quality:      c.Capture.Stability.Quality,
		},
	}
}

// AllPresets returns the built-in presets overlaid with configured ones.
func (c *Config) AllPresets() map[string]capture.Size {
	presets := capture.DefaultPresets()
	for name, size := range c.Presets {
		if size.Width > 0 && size.Height > 0 {
			presets[name] = size
		}
	}
	return presets
}

// PricingTable builds the pricing table from the pricing section.
func (c *Config) PricingTable() *pricing.Table {
	overrides := make(map[string]pricing.ModelPricing, len(c.Pricing.Models))
	for _, m := range c.Pricing.Models {
		if m.Name == "" {
			continue
		}
		overrides[m.Name] = pricing.ModelPricing{InputPerM: m.InputPerM, OutputPerM: m.OutputPerM}
	}
	return pricing.NewTable(overrides, c.Pricing.ExchangeRate, c.Pricing.Currency)
}

// ResolveAPIKey returns the API key for provider with ${ENV_VAR} references
// expanded.
func (c *Config) ResolveAPIKey(provider string) string {
	return ResolveEnvVars(c.APIKeys[provider])
}

// ApplyDefaults fills empty session settings from the defaults section. The
// credential falls back to the configured key for the model's provider.
func (c *Config) ApplyDefaults(s capture.Settings, provider func(model string) string) capture.Settings {
	if s.Direction == "" {
		s.Direction = navigator.Direction(c.Defaults.Direction)
	}
	if s.OutputFormat == "" {
		s.OutputFormat = capture.Format(c.Defaults.OutputFormat)
	}
	if s.Mode == "" {
		s.Mode = capture.Mode(c.Defaults.Mode)
	}
	if s.Style == "" {
		s.Style = capture.Style(c.Defaults.Style)
	}
	if s.Viewport.Preset == "" {
		s.Viewport.Preset = c.Defaults.Preset
	}
	if s.CostLimit == 0 {
		s.CostLimit = c.Defaults.CostLimit
	}
	if s.Model == "" {
		s.Model = c.Transcription.DefaultModel
	}
	if s.Credential == "" && provider != nil {
		s.Credential = c.ResolveAPIKey(provider(s.Model))
	}
	return s
}

// MarshalYAML writes durations in their string form so the file stays
// editable.
func (c CaptureCfg) MarshalYAML() (interface{}, error) {
	return yaml.MapSlice{
		{Key: "resize_settle", Value: c.ResizeSettle.String()},
		{Key: "loop_delay", Value: c.LoopDelay.String()},
		{Key: "stop_grace", Value: c.StopGrace.String()},
		{Key: "stale_after", Value: c.StaleAfter.String()},
		{Key: "duplicate_wait", Value: c.DuplicateWait.String()},
		{Key: "max_duplicate_retries", Value: c.MaxDuplicateRetries},
		{Key: "capture_quality", Value: c.CaptureQuality},
		{Key: "start_settle", Value: c.StartSettle.String()},
		{Key: "reinstall_delay", Value: c.ReinstallDelay.String()},
		{Key: "stability", Value: c.Stability},
	}, nil
}

func (c StabilityCfg) MarshalYAML() (interface{}, error) {
	return yaml.MapSlice{
		{Key: "initial_delay", Value: c.InitialDelay.String()},
		{Key: "interval", Value: c.Interval.String()},
		{Key: "threshold", Value: c.Threshold},
		{Key: "max_attempts", Value: c.MaxAttempts},
		{Key: "quality", Value: c.Quality},
	}, nil
}

func (c TranscriptionCfg) MarshalYAML() (interface{}, error) {
	return yaml.MapSlice{
		{Key: "default_model", Value: c.DefaultModel},
		{Key: "prompt", Value: c.Prompt},
		{Key: "min_interval", Value: c.MinInterval.String()},
		{Key: "timeout", Value: c.Timeout.String()},
		{Key: "max_retries", Value: c.MaxRetries},
		{Key: "gemini_base_url", Value: c.GeminiBaseURL},
		{Key: "openai_base_url", Value: c.OpenAIBaseURL},
	}, nil
}
