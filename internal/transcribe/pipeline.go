// Package transcribe sends captured pages to a vision-to-text API one at a
// time and records what each call cost.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jackzampolin/pageturner/internal/clock"
	"github.com/jackzampolin/pageturner/internal/pricing"
	"github.com/jackzampolin/pageturner/internal/store"
)

// DefaultModel is used when neither the caller nor the configuration names one.
const DefaultModel = "gemini-2.0-flash"

// PageSource is the part of the page store the pipeline reads and writes.
type PageSource interface {
	Page(ctx context.Context, idx int) (store.Page, error)
	PageCount(ctx context.Context) (int, error)
	PutTranscript(ctx context.Context, tr store.Transcript) error
}

// Charger records the cost of a call.
type Charger interface {
	Charge(ctx context.Context, model string, u pricing.Usage) (cost, total float64, err error)
}

// Config holds pipeline configuration.
type Config struct {
	Backends     map[string]Backend
	Pages        PageSource
	Ledger       Charger
	Clock        clock.Clock
	MinInterval  time.Duration // spacing between requests (4.5s)
	Timeout      time.Duration // per request (30s)
	Prompt       string
	DefaultModel string
	Logger       *slog.Logger
}

// Options controls a batch run.
type Options struct {
	Credential string
	Model      string
	Markdown   bool
	// Progress is called after each page with the number done so far.
	Progress func(done, total int)
}

// Pipeline transcribes pages strictly one at a time.
type Pipeline struct {
	backends map[string]Backend
	pages    PageSource
	ledger   Charger
	clock    clock.Clock
	logger   *slog.Logger

	// serializes requests
	reqMu sync.Mutex

	mu           sync.RWMutex
	limiter      *rate.Limiter
	timeout      time.Duration
	prompt       string
	defaultModel string
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = 4500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	return &Pipeline{
		backends:     cfg.Backends,
		pages:        cfg.Pages,
		ledger:       cfg.Ledger,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With("component", "transcribe"),
		limiter:      rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		timeout:      cfg.Timeout,
		prompt:       cfg.Prompt,
		defaultModel: cfg.DefaultModel,
	}
}

// Reconfigure applies new spacing, timeout, prompt and default model. Zero
// values leave the current setting in place.
func (p *Pipeline) Reconfigure(minInterval, timeout time.Duration, prompt, defaultModel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if minInterval > 0 {
		p.limiter.SetLimitAt(p.clock.Now(), rate.Every(minInterval))
	}
	if timeout > 0 {
		p.timeout = timeout
	}
	p.prompt = prompt
	if defaultModel != "" {
		p.defaultModel = defaultModel
	}
}

// TranscribePage transcribes one stored page. It always returns text: on
// failure the text is a "[Transcription Error: ...]" marker.
func (p *Pipeline) TranscribePage(ctx context.Context, index int, credential, model string) string {
	tr := p.transcribeIndex(ctx, index, credential, model, false)
	return tr.Text
}

// Run transcribes every stored page in index order and persists the results.
// Individual page failures are recorded as markers and do not stop the batch;
// only store errors or cancellation end it early.
func (p *Pipeline) Run(ctx context.Context, opts Options) ([]store.Transcript, error) {
	total, err := p.pages.PageCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}

	results := make([]store.Transcript, 0, total)
	failed := 0
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		tr := p.transcribeIndex(ctx, i, opts.Credential, opts.Model, opts.Markdown)
		if err := p.pages.PutTranscript(ctx, tr); err != nil {
			return results, fmt.Errorf("store transcript %d: %w", i, err)
		}
		if tr.Failed {
			failed++
		}
		results = append(results, tr)
		if opts.Progress != nil {
			opts.Progress(i+1, total)
		}
	}
	p.logger.Info("transcription finished", "pages", total, "failed", failed)
	return results, nil
}

func (p *Pipeline) transcribeIndex(ctx context.Context, index int, credential, model string, markdown bool) store.Transcript {
	tr := store.Transcript{Index: index}
	page, err := p.pages.Page(ctx, index)
	if err != nil {
		tr.Text, tr.Failed = failureText(err), true
		return tr
	}
	text, err := p.transcribe(ctx, page, credential, model, markdown)
	if err != nil {
		p.logger.Warn("page transcription failed", "page", index, "error", err)
		tr.Text, tr.Failed = failureText(err), true
		return tr
	}
	tr.Text = text
	return tr
}

// transcribe performs one rate-limited call and charges the ledger.
func (p *Pipeline) transcribe(ctx context.Context, page store.Page, credential, model string, markdown bool) (string, error) {
	if credential == "" {
		return "", errors.New("no API credential")
	}

	p.mu.RLock()
	timeout := p.timeout
	prompt := BuildPrompt(p.prompt, markdown)
	if model == "" {
		model = p.defaultModel
	}
	p.mu.RUnlock()

	backend, ok := p.backends[ProviderFor(model)]
	if !ok {
		return "", fmt.Errorf("no backend for model %q", model)
	}

	p.reqMu.Lock()
	defer p.reqMu.Unlock()

	if err := p.wait(ctx); err != nil {
		return "", err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := backend.Transcribe(reqCtx, Request{
		Model:      model,
		Credential: credential,
		Prompt:     prompt,
		Image:      page.Image,
		MIME:       page.MIME,
	})
	if err != nil {
		return "", err
	}

	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		if p.ledger != nil {
			cost, total, err := p.ledger.Charge(ctx, model, resp.Usage)
			if err != nil {
				p.logger.Error("failed to record cost", "page", page.Index, "error", err)
			} else {
				p.logger.Debug("charged", "page", page.Index, "model", model, "cost", cost, "total", total)
			}
		}
	}
	return resp.Text, nil
}

// wait blocks on the injected clock until the limiter allows the next call.
func (p *Pipeline) wait(ctx context.Context) error {
	p.mu.RLock()
	lim := p.limiter
	p.mu.RUnlock()

	now := p.clock.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return errors.New("rate limiter rejected request")
	}
	if err := p.clock.Sleep(ctx, r.DelayFrom(now)); err != nil {
		r.CancelAt(p.clock.Now())
		return err
	}
	return nil
}

func failureText(err error) string {
	msg := err.Error()
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.Message
	}
	return "[Transcription Error: " + msg + "]"
}
