package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/pageturner/internal/assemble"
	"github.com/jackzampolin/pageturner/internal/browser"
	"github.com/jackzampolin/pageturner/internal/capture"
	"github.com/jackzampolin/pageturner/internal/clock"
	"github.com/jackzampolin/pageturner/internal/command"
	"github.com/jackzampolin/pageturner/internal/config"
	"github.com/jackzampolin/pageturner/internal/home"
	"github.com/jackzampolin/pageturner/internal/ledger"
	"github.com/jackzampolin/pageturner/internal/navigator"
	"github.com/jackzampolin/pageturner/internal/notify"
	"github.com/jackzampolin/pageturner/internal/store"
	"github.com/jackzampolin/pageturner/internal/svcctx"
	"github.com/jackzampolin/pageturner/internal/transcribe"
)

// ServicesConfig holds what NewServices needs. Viewport, Transport and
// Backends default to the browser and the real transcription backends.
type ServicesConfig struct {
	Home          *home.Dir
	ConfigManager *config.Manager
	Browser       *browser.Browser
	Viewport      capture.Viewport
	Transport     navigator.Transport
	Backends      map[string]transcribe.Backend
	Clock         clock.Clock
	Logger        *slog.Logger
}

// NewServices opens the page store and wires the capture, transcription and
// export services together.
func NewServices(cfg ServicesConfig) (*svcctx.Services, error) {
	if cfg.Home == nil {
		return nil, fmt.Errorf("home directory is required")
	}
	if cfg.ConfigManager == nil {
		return nil, fmt.Errorf("config manager is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.Home.EnsureExists(); err != nil {
		return nil, err
	}

	c := cfg.ConfigManager.Get()

	st, err := store.Open(cfg.Home.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open page store: %w", err)
	}

	hub := notify.NewHub(cfg.Logger)

	led := ledger.New(ledger.Config{
		Backend: st,
		Table:   c.PricingTable(),
		Logger:  cfg.Logger,
	})

	if cfg.Backends == nil {
		cfg.Backends = Backends(c)
	}
	pipeline := transcribe.New(transcribe.Config{
		Backends:     cfg.Backends,
		Pages:        st,
		Ledger:       led,
		Clock:        cfg.Clock,
		MinInterval:  c.Transcription.MinInterval,
		Timeout:      c.Transcription.Timeout,
		Prompt:       c.Transcription.Prompt,
		DefaultModel: c.Transcription.DefaultModel,
		Logger:       cfg.Logger,
	})

	assembler := assemble.New(assemble.Config{
		Source:      st,
		Transcriber: pipeline,
		Notifier:    hub,
		OutputDir:   cfg.Home.ExportsDir(),
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
	})

	if cfg.Browser != nil {
		if cfg.Viewport == nil {
			cfg.Viewport = cfg.Browser
		}
		if cfg.Transport == nil {
			cfg.Transport = cfg.Browser
		}
	}

	bridge := navigator.New(navigator.Config{
		Transport:      cfg.Transport,
		Clock:          cfg.Clock,
		ReinstallDelay: c.Capture.ReinstallDelay,
		StartSettle:    c.Capture.StartSettle,
		Logger:         cfg.Logger,
	})

	controller := capture.New(capture.Config{
		Viewport:  cfg.Viewport,
		Navigator: bridge,
		Store:     st,
		Assembler: assembler,
		Budget:    led,
		Notifier:  hub,
		Clock:     cfg.Clock,
		Timings:   c.Timings(),
		Presets:   c.AllPresets(),
		Logger:    cfg.Logger,
	})

	handler := &command.Handler{
		Controller:  configuredController{Controller: controller, cfg: cfg.ConfigManager},
		Transcriber: configuredTranscriber{Pipeline: pipeline, cfg: cfg.ConfigManager},
		Exporter:    configuredExporter{Assembler: assembler, cfg: cfg.ConfigManager},
		Ledger:      led,
	}

	cfg.ConfigManager.OnChange(func(c *config.Config) {
		led.SetTable(c.PricingTable())
		pipeline.Reconfigure(c.Transcription.MinInterval, c.Transcription.Timeout, c.Transcription.Prompt, c.Transcription.DefaultModel)
		cfg.Logger.Info("pricing and transcription settings reloaded from config")
	})

	return &svcctx.Services{
		Controller: controller,
		Store:      st,
		Ledger:     led,
		Pipeline:   pipeline,
		Assembler:  assembler,
		Commands:   handler,
		Hub:        hub,
		Browser:    cfg.Browser,
		ConfigMgr:  cfg.ConfigManager,
		Logger:     cfg.Logger,
		Home:       cfg.Home,
	}, nil
}

// CloseServices stops any session, waits for background exports and closes
// the store.
func CloseServices(ctx context.Context, s *svcctx.Services) error {
	if s == nil {
		return nil
	}
	if s.Controller != nil {
		if err := s.Controller.Shutdown(ctx); err != nil {
			s.Logger.Error("capture shutdown error", "error", err)
		}
	}
	if s.Assembler != nil {
		if err := s.Assembler.Close(ctx); err != nil {
			s.Logger.Error("export cancelled at shutdown", "error", err)
		}
	}
	if s.Browser != nil {
		if err := s.Browser.Close(); err != nil {
			s.Logger.Error("browser close error", "error", err)
		}
	}
	if s.Store != nil {
		return s.Store.Close()
	}
	return nil
}

// Backends builds the transcription backends from config.
func Backends(c *config.Config) map[string]transcribe.Backend {
	return map[string]transcribe.Backend{
		transcribe.ProviderGemini: transcribe.NewGemini(transcribe.GeminiConfig{
			BaseURL: c.Transcription.GeminiBaseURL,
			Timeout: c.Transcription.Timeout,
		}),
		transcribe.ProviderOpenAI: transcribe.NewOpenAI(transcribe.OpenAIConfig{
			MaxRetries: c.Transcription.MaxRetries,
			Timeout:    c.Transcription.Timeout,
			BaseURL:    c.Transcription.OpenAIBaseURL,
		}),
	}
}

// configuredController fills empty session settings from config.
type configuredController struct {
	*capture.Controller
	cfg *config.Manager
}

func (c configuredController) Start(ctx context.Context, viewportID, tabID string, s capture.Settings) (string, error) {
	return c.Controller.Start(ctx, viewportID, tabID, c.cfg.Get().ApplyDefaults(s, transcribe.ProviderFor))
}

// configuredTranscriber falls back to the configured API key.
type configuredTranscriber struct {
	*transcribe.Pipeline
	cfg *config.Manager
}

func (t configuredTranscriber) TranscribePage(ctx context.Context, index int, credential, model string) string {
	c := t.cfg.Get()
	if model == "" {
		model = c.Transcription.DefaultModel
	}
	if credential == "" {
		credential = c.ResolveAPIKey(transcribe.ProviderFor(model))
	}
	return t.Pipeline.TranscribePage(ctx, index, credential, model)
}

// configuredExporter fills export defaults from config.
type configuredExporter struct {
	*assemble.Assembler
	cfg *config.Manager
}

func (e configuredExporter) Export(ctx context.Context, opts assemble.Options) (assemble.Result, error) {
	c := e.cfg.Get()
	if opts.Format == "" {
		opts.Format = capture.Format(c.Defaults.OutputFormat)
	}
	if opts.Style == "" {
		opts.Style = capture.Style(c.Defaults.Style)
	}
	if opts.Transcribe {
		if opts.Model == "" {
			opts.Model = c.Transcription.DefaultModel
		}
		if opts.Credential == "" {
			opts.Credential = c.ResolveAPIKey(transcribe.ProviderFor(opts.Model))
		}
	}
	return e.Assembler.Export(ctx, opts)
}
