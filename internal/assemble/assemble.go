// Package assemble turns the pages of a finished capture session into a PDF
// or zip archive, optionally transcribing them first.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackzampolin/pageturner/internal/capture"
	"github.com/jackzampolin/pageturner/internal/clock"
	"github.com/jackzampolin/pageturner/internal/store"
	"github.com/jackzampolin/pageturner/internal/transcribe"
)

var (
	// ErrNoPages is returned when there is nothing to export.
	ErrNoPages = errors.New("no captured pages")
	// ErrBusy is returned while another export is running.
	ErrBusy = errors.New("an export is already running")
)

// Source is the page store as seen by the assembler.
type Source interface {
	Pages(ctx context.Context) ([]store.Page, error)
	Transcripts(ctx context.Context) ([]store.Transcript, error)
	Metadata(ctx context.Context) (store.BookMetadata, error)
}

// Transcriber runs a transcription batch over the stored pages.
type Transcriber interface {
	Run(ctx context.Context, opts transcribe.Options) ([]store.Transcript, error)
}

// Notifier receives progress broadcasts.
type Notifier interface {
	Publish(kind, message string, data any)
}

// Options controls one export.
type Options struct {
	Format     capture.Format `json:"format"`
	Style      capture.Style  `json:"style"`
	Transcribe bool           `json:"transcribe"`
	Credential string         `json:"-"`
	Model      string         `json:"model,omitempty"`
	Title      string         `json:"title,omitempty"`
}

// Result describes a finished export.
type Result struct {
	Path           string    `json:"path"`
	Format         string    `json:"format"`
	Pages          int       `json:"pages"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
	Transcribed    int       `json:"transcribed"`
	Failed         int       `json:"failed"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Config holds assembler configuration.
type Config struct {
	Source      Source
	Transcriber Transcriber
	Notifier    Notifier
	OutputDir   string
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Assembler writes export files. Exports run one at a time.
type Assembler struct {
	source      Source
	transcriber Transcriber
	notifier    Notifier
	outputDir   string
	clock       clock.Clock
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	busy bool
	last *Result
}

// New creates an assembler.
func New(cfg Config) *Assembler {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Assembler{
		source:      cfg.Source,
		transcriber: cfg.Transcriber,
		notifier:    cfg.Notifier,
		outputDir:   cfg.OutputDir,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With("component", "assemble"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Assemble starts an export of a finished session in the background and
// returns once it has been accepted.
func (a *Assembler) Assemble(ctx context.Context, s capture.Summary) error {
	if s.PageCount == 0 {
		a.publish("export", "No pages captured, nothing to export.", s.SessionID)
		return nil
	}
	if !a.acquire() {
		return ErrBusy
	}

	opts := Options{
		Format:     s.Settings.OutputFormat,
		Style:      s.Settings.Style,
		Transcribe: s.Settings.Transcribes(),
		Credential: s.Settings.Credential,
		Model:      s.Settings.Model,
		Title:      s.Title,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.release()
		res, err := a.export(a.ctx, opts)
		if err != nil {
			a.logger.Error("export failed", "session", s.SessionID, "error", err)
			a.publish("error", fmt.Sprintf("Export failed: %v", err), s.SessionID)
			return
		}
		a.publish("export", fmt.Sprintf("Saved %s.", res.Path), res)
	}()
	return nil
}

// Export writes the current store contents synchronously.
func (a *Assembler) Export(ctx context.Context, opts Options) (Result, error) {
	if !a.acquire() {
		return Result{}, ErrBusy
	}
	defer a.release()
	return a.export(ctx, opts)
}

// Busy reports whether an export is running.
func (a *Assembler) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// Last returns the most recent successful export, if any.
func (a *Assembler) Last() (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Result{}, false
	}
	return *a.last, true
}

// Close waits for background exports to finish. If ctx ends first the
// exports are cancelled, Close still waits for them to return, and the
// context error is returned.
func (a *Assembler) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-done
		return ctx.Err()
	}
}

func (a *Assembler) acquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return false
	}
	a.busy = true
	return true
}

func (a *Assembler) release() {
	a.mu.Lock()
	a.busy = false
	a.mu.Unlock()
}

func (a *Assembler) export(ctx context.Context, opts Options) (Result, error) {
	if opts.Format == "" {
		opts.Format = capture.FormatPDF
	}
	if opts.Style == "" {
		opts.Style = capture.StylePlain
	}

	pages, err := a.source.Pages(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load pages: %w", err)
	}
	if len(pages) == 0 {
		return Result{}, ErrNoPages
	}
	if opts.Title == "" {
		if m, err := a.source.Metadata(ctx); err == nil {
			opts.Title = m.Title
		}
	}

	res := Result{Format: string(opts.Format), Pages: len(pages)}

	transcripts, err := a.transcripts(ctx, opts, len(pages))
	if err != nil {
		return Result{}, err
	}
	for _, tr := range transcripts {
		if tr.Failed {
			res.Failed++
		} else {
			res.Transcribed++
		}
	}

	if err := os.MkdirAll(a.outputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create output directory: %w", err)
	}
	base := filepath.Join(a.outputDir, baseName(opts.Title, a.clock.Now()))

	a.publish("export", fmt.Sprintf("Writing %d pages...", len(pages)), nil)
	switch opts.Format {
	case capture.FormatZip:
		res.Path = base + ".zip"
		if err := writeZip(res.Path, pages, transcripts, opts); err != nil {
			return Result{}, err
		}
	case capture.FormatPDF:
		res.Path = base + ".pdf"
		if err := writePDF(res.Path, pages); err != nil {
			return Result{}, err
		}
		if len(transcripts) > 0 {
			res.TranscriptPath = base + transcriptExt(opts.Style)
			if err := os.WriteFile(res.TranscriptPath, []byte(renderTranscript(transcripts, opts)), 0o644); err != nil {
				return Result{}, fmt.Errorf("write transcript: %w", err)
			}
		}
	default:
		return Result{}, fmt.Errorf("%w: output format %q", capture.ErrInvalidSettings, opts.Format)
	}

	res.FinishedAt = a.clock.Now()
	a.mu.Lock()
	last := res
	a.last = &last
	a.mu.Unlock()
	a.logger.Info("export written", "path", res.Path, "pages", res.Pages, "transcribed", res.Transcribed, "failed", res.Failed)
	return res, nil
}

// transcripts runs the pipeline when requested, otherwise returns whatever
// transcripts are already stored.
func (a *Assembler) transcripts(ctx context.Context, opts Options, total int) ([]store.Transcript, error) {
	if opts.Transcribe && a.transcriber != nil {
		a.publish("export", fmt.Sprintf("Transcribing %d pages...", total), nil)
		trs, err := a.transcriber.Run(ctx, transcribe.Options{
			Credential: opts.Credential,
			Model:      opts.Model,
			Markdown:   opts.Style == capture.StyleMarkdown,
			Progress: func(done, total int) {
				a.publish("transcribe", fmt.Sprintf("Transcribed %d/%d", done, total), done)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("transcribe: %w", err)
		}
		return trs, nil
	}
	trs, err := a.source.Transcripts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load transcripts: %w", err)
	}
	return trs, nil
}

func (a *Assembler) publish(kind, message string, data any) {
	if a.notifier != nil {
		a.notifier.Publish(kind, message, data)
	}
}

var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// baseName builds a file name from the book title and a timestamp.
func baseName(title string, now time.Time) string {
	name := strings.Trim(unsafeChars.ReplaceAllString(strings.TrimSpace(title), "_"), "_.")
	if name == "" {
		name = "book"
	}
	if r := []rune(name); len(r) > 80 {
		name = string(r[:80])
	}
	return fmt.Sprintf("%s-%s", name, now.Format("20060102-150405"))
}

// pageFileName is the 1-based, zero-padded image name used inside archives.
func pageFileName(index int, mime string) string {
	ext := ".jpg"
	if mime == "image/png" {
		ext = ".png"
	}
	return fmt.Sprintf("%03d%s", index+1, ext)
}
