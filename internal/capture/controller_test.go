package capture

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/pageturner/internal/clock"
	"github.com/jackzampolin/pageturner/internal/navigator"
	"github.com/jackzampolin/pageturner/internal/store"
)

// fakeReader is a book with a fixed number of distinct pages. Turning past
// the last page leaves the reader where it is.
type fakeReader struct {
	mu        sync.Mutex
	pages     int
	pos       int
	stuck     map[int]int
	turns     []navigator.Direction
	fullShots int
	resizes   []Size
	maximized int

	metaErr    error
	captureErr error

	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (r *fakeReader) Resize(ctx context.Context, viewportID string, width, height int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resizes = append(r.resizes, Size{Width: width, Height: height})
	return nil
}

func (r *fakeReader) Maximize(ctx context.Context, viewportID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maximized++
	return nil
}

func (r *fakeReader) Screenshot(ctx context.Context, viewportID string, quality int) ([]byte, error) {
	if quality == DefaultStability().Quality {
		if r.gate != nil {
			r.once.Do(func() { close(r.entered) })
			select {
			case <-r.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		return []byte(fmt.Sprintf("preview-%d", r.pos)), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.fullShots++
	if r.captureErr != nil {
		return nil, r.captureErr
	}
	return []byte(fmt.Sprintf("page-%d", r.pos)), nil
}

func (r *fakeReader) GoToStart(ctx context.Context, tabID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = 0
	return nil
}

func (r *fakeReader) TurnPage(ctx context.Context, tabID string, dir navigator.Direction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, dir)
	if r.stuck[r.pos] > 0 {
		r.stuck[r.pos]--
		return nil
	}
	if r.pos < r.pages-1 {
		r.pos++
	}
	return nil
}

func (r *fakeReader) Metadata(ctx context.Context, tabID string) (navigator.Metadata, error) {
	if r.metaErr != nil {
		return navigator.Metadata{}, r.metaErr
	}
	return navigator.Metadata{Title: "Test Book", TotalPages: r.pages}, nil
}

type fakeAssembler struct {
	mu        sync.Mutex
	summaries []Summary
	busy      bool
}

func (a *fakeAssembler) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

func (a *fakeAssembler) Assemble(ctx context.Context, s Summary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summaries = append(a.summaries, s)
	return nil
}

func (a *fakeAssembler) calls() []Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Summary(nil), a.summaries...)
}

type fakeBudget struct{ err error }

func (b fakeBudget) CheckBudget(ctx context.Context, limit float64) error { return b.err }

type testEnv struct {
	ctrl      *Controller
	store     *store.Store
	clock     *clock.Fake
	assembler *fakeAssembler
}

func newTestEnv(t *testing.T, r *fakeReader) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pages.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	clk := clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	asm := &fakeAssembler{}
	ctrl := New(Config{
		Viewport:  r,
		Navigator: r,
		Store:     s,
		Assembler: asm,
		Clock:     clk,
	})
	return &testEnv{ctrl: ctrl, store: s, clock: clk, assembler: asm}
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session to finish")
	}
}

func TestController_EndOfBook(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{pages: 4}
	env := newTestEnv(t, r)

	id, err := env.ctrl.Start(ctx, "win", "tab", Settings{Direction: navigator.RTL})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if id == "" {
		t.Error("expected a session id")
	}
	waitDone(t, env.ctrl)

	n, err := env.store.PageCount(ctx)
	if err != nil {
		t.Fatalf("PageCount() error = %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 stored pages, got %d", n)
	}

	st := env.ctrl.Status(ctx)
	if st.Active || st.State != StateIdle {
		t.Errorf("expected idle status, got %+v", st)
	}
	if st.SessionPageCount != 4 {
		t.Errorf("expected page count 4, got %d", st.SessionPageCount)
	}
	if st.LastMessage != "End of book reached (4 pages)." {
		t.Errorf("unexpected last message: %q", st.LastMessage)
	}
	if st.Title != "Test Book" || st.TotalPages != 4 {
		t.Errorf("expected metadata in status, got %q / %d", st.Title, st.TotalPages)
	}

	// Four stored pages plus one duplicate and two retries.
	if r.fullShots != 7 {
		t.Errorf("expected 7 full captures, got %d", r.fullShots)
	}
	if len(r.turns) != 6 {
		t.Errorf("expected 6 page turns, got %d", len(r.turns))
	}
	for i, d := range r.turns {
		if d != navigator.RTL {
			t.Errorf("turn %d: expected rtl, got %s", i, d)
		}
	}

	calls := env.assembler.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 hand-off, got %d", len(calls))
	}
	if calls[0].Reason != ReasonEndOfBook || calls[0].PageCount != 4 || calls[0].SessionID != id {
		t.Errorf("unexpected summary: %+v", calls[0])
	}
}

func TestController_DuplicateRetries(t *testing.T) {
	tests := []struct {
		name      string
		stuck     int
		wantPages int
	}{
		{"recovers after one ignored turn", 1, 3},
		{"recovers after two ignored turns", 2, 3},
		{"ends after three ignored turns", 3, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r := &fakeReader{pages: 3, stuck: map[int]int{1: tt.stuck}}
			env := newTestEnv(t, r)

			if _, err := env.ctrl.Start(ctx, "", "tab", Settings{}); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			waitDone(t, env.ctrl)

			n, _ := env.store.PageCount(ctx)
			if n != tt.wantPages {
				t.Errorf("expected %d pages, got %d", tt.wantPages, n)
			}
			if !strings.HasPrefix(env.ctrl.Status(ctx).LastMessage, "End of book reached") {
				t.Errorf("expected end of book, got %q", env.ctrl.Status(ctx).LastMessage)
			}
		})
	}
}

func TestController_DuplicateStopped(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{pages: 3}
	env := newTestEnv(t, r)

	if _, err := env.store.AppendPage(ctx, store.Page{Index: 0, Image: []byte("page-0"), MIME: "image/jpeg"}); err != nil {
		t.Fatalf("AppendPage() error = %v", err)
	}

	sess := &Session{ID: "s1", State: StateStopping, Settings: Settings{Direction: navigator.LTR}}
	env.ctrl.mu.Lock()
	env.ctrl.session = sess
	env.ctrl.mu.Unlock()

	img, end, err := env.ctrl.resolveDuplicate(ctx, sess, "tab", "tab", []byte("page-0"))
	if err != nil {
		t.Fatalf("resolveDuplicate() error = %v", err)
	}
	if img != nil || end {
		t.Errorf("expected no image and no end of book, got %q end=%v", img, end)
	}
	if len(r.turns) != 0 || r.fullShots != 0 {
		t.Errorf("expected no re-turns after stop, got %d turns and %d captures", len(r.turns), r.fullShots)
	}
	if sess.Retries != 0 {
		t.Errorf("expected retries untouched, got %d", sess.Retries)
	}

	t.Run("active session retries", func(t *testing.T) {
		env.ctrl.mu.Lock()
		sess.Active = true
		env.ctrl.mu.Unlock()

		img, _, err := env.ctrl.resolveDuplicate(ctx, sess, "tab", "tab", []byte("page-0"))
		if err != nil {
			t.Fatalf("resolveDuplicate() error = %v", err)
		}
		if string(img) != "page-1" || len(r.turns) != 1 {
			t.Errorf("expected one re-turn to page-1, got %q after %d turns", img, len(r.turns))
		}
	})
}

func TestController_DuplicateWait(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{pages: 1}
	env := newTestEnv(t, r)
	start := env.clock.Now()

	if _, err := env.ctrl.Start(ctx, "", "tab", Settings{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, env.ctrl)

	tm := DefaultTimings()
	st := tm.Stability
	// resize settle, one loop delay, two stability waits (3 frames each) and
	// two duplicate waits.
	want := tm.ResizeSettle +
		2*(st.InitialDelay+2*st.Interval) +
		tm.LoopDelay +
		2*tm.DuplicateWait
	if got := env.clock.Now().Sub(start); got != want {
		t.Errorf("expected %v of virtual time, got %v", want, got)
	}
}

func TestController_StartWhileActive(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{pages: 10, gate: make(chan struct{}), entered: make(chan struct{})}
	env := newTestEnv(t, r)

	if _, err := env.ctrl.Start(ctx, "", "tab", Settings{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-r.entered

	if _, err := env.ctrl.Start(ctx, "", "tab", Settings{}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	st := env.ctrl.Status(ctx)
	if !st.Active || st.State != StateCapturing {
		t.Errorf("expected active capturing status, got %+v", st)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- env.ctrl.Stop(ctx) }()
	close(r.gate)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}
	waitDone(t, env.ctrl)

	calls := env.assembler.calls()
	if len(calls) != 1 || calls[0].Reason != ReasonStopped {
		t.Fatalf("expected one stopped hand-off, got %+v", calls)
	}

	// Once quiesced a new session may start.
	r.gate = nil
	if _, err := env.ctrl.Start(ctx, "", "tab", Settings{}); err != nil {
		t.Fatalf("Start() after stop error = %v", err)
	}
	waitDone(t, env.ctrl)
}

func TestController_StartWhileExporting(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{pages: 2}
	env := newTestEnv(t, r)
	env.assembler.busy = true

	if _, err := env.ctrl.Start(ctx, "", "tab", Settings{}); !errors.Is(err, ErrAssemblyRunning) {
		t.Fatalf("expected ErrAssemblyRunning, got %v", err)
	}
	if st := env.ctrl.Status(ctx); st.State != StateIdle {
		t.Errorf("expected idle, got %+v", st)
	}
}

func TestController_StopIdempotent(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{pages: 2}
	env := newTestEnv(t, r)

	if err := env.ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop() on idle error = %v", err)
	}
	if err := env.ctrl.Stop(ctx); err != nil {
		t.Fatalf("second Stop() on idle error = %v", err)
	}
	if got := len(env.assembler.calls()); got != 0 {
		t.Errorf("expected no hand-off, got %d", got)
	}
	if st := env.ctrl.Status(ctx); st.State != StateIdle || st.Active {
		t.Errorf("expected idle, got %+v", st)
	}
}

func TestController_StatusStaleness(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{pages: 2}
	env := newTestEnv(t, r)
	at := env.clock.Now()

	for i := 0; i < 3; i++ {
		if _, err := env.store.AppendPage(ctx, store.Page{Index: i, Image: []byte{byte(i)}, CapturedAt: at}); err != nil {
			t.Fatalf("AppendPage() error = %v", err)
		}
	}

	t.Run("recent activity reports persisted count", func(t *testing.T) {
		env.clock.Set(at.Add(29 * time.Minute))
		if got := env.ctrl.Status(ctx).SessionPageCount; got != 3 {
			t.Errorf("expected 3, got %d", got)
		}
	})

	t.Run("stale activity reports zero", func(t *testing.T) {
		env.clock.Set(at.Add(31 * time.Minute))
		if got := env.ctrl.Status(ctx).SessionPageCount; got != 0 {
			t.Errorf("expected 0, got %d", got)
		}
	})
}

func TestController_Preflight(t *testing.T) {
	ctx := context.Background()

	t.Run("missing tab", func(t *testing.T) {
		env := newTestEnv(t, &fakeReader{pages: 1})
		if _, err := env.ctrl.Start(ctx, "", "", Settings{}); !errors.Is(err, ErrMissingTarget) {
			t.Errorf("expected ErrMissingTarget, got %v", err)
		}
	})

	t.Run("invalid settings", func(t *testing.T) {
		env := newTestEnv(t, &fakeReader{pages: 1})
		_, err := env.ctrl.Start(ctx, "", "tab", Settings{Direction: "up"})
		if !errors.Is(err, ErrInvalidSettings) {
			t.Errorf("expected ErrInvalidSettings, got %v", err)
		}
	})

	t.Run("transcription needs a credential", func(t *testing.T) {
		env := newTestEnv(t, &fakeReader{pages: 1})
		_, err := env.ctrl.Start(ctx, "", "tab", Settings{Mode: ModeCaptureAndTranscribe})
		if !errors.Is(err, ErrCredentialRequired) {
			t.Errorf("expected ErrCredentialRequired, got %v", err)
		}
	})

	t.Run("budget exceeded", func(t *testing.T) {
		env := newTestEnv(t, &fakeReader{pages: 1})
		budgetErr := errors.New("cost limit reached")
		env.ctrl.budget = fakeBudget{err: budgetErr}
		_, err := env.ctrl.Start(ctx, "", "tab", Settings{
			Mode:       ModeCaptureAndTranscribe,
			Credential: "key",
			CostLimit:  10,
		})
		if !errors.Is(err, budgetErr) {
			t.Errorf("expected budget error, got %v", err)
		}
		if env.ctrl.Status(ctx).Active {
			t.Error("expected no active session")
		}
	})
}

func TestController_FatalCaptureError(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{pages: 3, captureErr: errors.New("tab is gone")}
	env := newTestEnv(t, r)

	if _, err := env.ctrl.Start(ctx, "", "tab", Settings{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, env.ctrl)

	st := env.ctrl.Status(ctx)
	if st.Active || st.State != StateIdle {
		t.Errorf("expected idle after failure, got %+v", st)
	}
	if !strings.HasPrefix(st.LastMessage, "Error: ") || !strings.Contains(st.LastMessage, "tab is gone") {
		t.Errorf("unexpected last message: %q", st.LastMessage)
	}
	if got := len(env.assembler.calls()); got != 0 {
		t.Errorf("expected no hand-off after failure, got %d", got)
	}
}

func TestController_MetadataFailureTolerated(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{pages: 2, metaErr: errors.New("no footer")}
	env := newTestEnv(t, r)

	if _, err := env.ctrl.Start(ctx, "", "tab", Settings{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, env.ctrl)

	if n, _ := env.store.PageCount(ctx); n != 2 {
		t.Errorf("expected 2 pages despite metadata failure, got %d", n)
	}
}

func TestController_Resize(t *testing.T) {
	tests := []struct {
		name          string
		viewport      ViewportSettings
		wantResize    []Size
		wantMaximized int
	}{
		{"current leaves window alone", ViewportSettings{Preset: PresetCurrent}, nil, 0},
		{"maximized", ViewportSettings{Preset: PresetMaximized}, nil, 1},
		{"named preset", ViewportSettings{Preset: "magazine"}, []Size{{850, 1100}}, 0},
		{"custom size", ViewportSettings{Preset: PresetCustom, Width: 900, Height: 700}, []Size{{900, 700}}, 0},
		{"unknown preset falls back", ViewportSettings{Preset: "folio"}, []Size{FallbackSize}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r := &fakeReader{pages: 1}
			env := newTestEnv(t, r)

			if _, err := env.ctrl.Start(ctx, "", "tab", Settings{Viewport: tt.viewport}); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			waitDone(t, env.ctrl)

			if len(r.resizes) != len(tt.wantResize) {
				t.Fatalf("expected %d resizes, got %v", len(tt.wantResize), r.resizes)
			}
			for i := range tt.wantResize {
				if r.resizes[i] != tt.wantResize[i] {
					t.Errorf("resize %d: expected %v, got %v", i, tt.wantResize[i], r.resizes[i])
				}
			}
			if r.maximized != tt.wantMaximized {
				t.Errorf("expected %d maximize calls, got %d", tt.wantMaximized, r.maximized)
			}
		})
	}
}

func TestController_PersistsRedactedSettings(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{pages: 1}
	env := newTestEnv(t, r)

	_, err := env.ctrl.Start(ctx, "", "tab", Settings{
		Mode:       ModeCaptureAndTranscribe,
		Credential: "secret",
		Model:      "gemini-2.0-flash",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, env.ctrl)

	var got Settings
	ok, err := env.store.GetJSON(ctx, store.KeyCaptureSettings, &got)
	if err != nil || !ok {
		t.Fatalf("GetJSON() = %v, %v", ok, err)
	}
	if got.Credential != "" {
		t.Error("expected credential to be redacted")
	}
	if got.Model != "gemini-2.0-flash" || got.Mode != ModeCaptureAndTranscribe {
		t.Errorf("unexpected persisted settings: %+v", got)
	}

	calls := env.assembler.calls()
	if len(calls) != 1 || calls[0].Settings.Credential != "secret" {
		t.Error("expected hand-off to receive the credential")
	}
}
