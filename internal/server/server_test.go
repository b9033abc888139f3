package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/pageturner/internal/command"
	"github.com/jackzampolin/pageturner/internal/config"
	"github.com/jackzampolin/pageturner/internal/home"
	"github.com/jackzampolin/pageturner/internal/navigator"
	"github.com/jackzampolin/pageturner/internal/pricing"
	"github.com/jackzampolin/pageturner/internal/store"
	"github.com/jackzampolin/pageturner/internal/svcctx"
	"github.com/jackzampolin/pageturner/internal/transcribe"
)

const fastConfig = `
capture:
  resize_settle: 1ms
  loop_delay: 1ms
  stop_grace: 500ms
  duplicate_wait: 1ms
  max_duplicate_retries: 2
  start_settle: 1ms
  reinstall_delay: 1ms
  stability:
    initial_delay: 1ms
    interval: 1ms
    threshold: 2
    max_attempts: 5
transcription:
  min_interval: 1ms
api_keys:
  gemini: %q
`

// fakeReader is a book in a tab: it serves as both viewport and agent
// transport.
type fakeReader struct {
	mu    sync.Mutex
	page  int
	pages int
	title string
}

func (f *fakeReader) Resize(ctx context.Context, viewportID string, width, height int) error {
	return nil
}

func (f *fakeReader) Maximize(ctx context.Context, viewportID string) error { return nil }

func (f *fakeReader) Screenshot(ctx context.Context, viewportID string, quality int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte(fmt.Sprintf("page-%d", f.page)), nil
}

func (f *fakeReader) Install(ctx context.Context, tabID string) error { return nil }

func (f *fakeReader) Send(ctx context.Context, tabID string, msg navigator.Message) (navigator.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch msg.Kind {
	case navigator.KindGoToStart:
		f.page = 0
	case navigator.KindNextPage:
		if f.page < f.pages-1 {
			f.page++
		}
	case navigator.KindGetMetadata:
		return navigator.Reply{OK: true, Title: f.title, TotalPages: f.pages}, nil
	}
	return navigator.Reply{OK: true}, nil
}

type fakeBackend struct {
	mu          sync.Mutex
	credentials []string
}

func (b *fakeBackend) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Response, error) {
	b.mu.Lock()
	b.credentials = append(b.credentials, req.Credential)
	b.mu.Unlock()
	return transcribe.Response{
		Text:  "transcribed " + req.Model,
		Usage: pricing.Usage{InputTokens: 1000, OutputTokens: 500},
	}, nil
}

func (b *fakeBackend) lastCredential() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.credentials) == 0 {
		return ""
	}
	return b.credentials[len(b.credentials)-1]
}

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	services *svcctx.Services
	reader   *fakeReader
	backend  *fakeBackend
	home     *home.Dir
}

func newTestEnv(t *testing.T, pages int, apiKey string) *testEnv {
	t.Helper()

	h, err := home.New(t.TempDir())
	if err != nil {
		t.Fatalf("home.New() error = %v", err)
	}
	cfgPath := filepath.Join(h.Path(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(fmt.Sprintf(fastConfig, apiKey)), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	mgr, err := config.NewManager(cfgPath)
	if err != nil {
		t.Fatalf("config.NewManager() error = %v", err)
	}

	srv, err := New(Config{Home: h, ConfigManager: mgr})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	reader := &fakeReader{pages: pages, title: "Test Book"}
	backend := &fakeBackend{}
	services, err := NewServices(ServicesConfig{
		Home:          h,
		ConfigManager: mgr,
		Viewport:      reader,
		Transport:     reader,
		Backends: map[string]transcribe.Backend{
			transcribe.ProviderGemini: backend,
			transcribe.ProviderOpenAI: backend,
		},
	})
	if err != nil {
		t.Fatalf("NewServices() error = %v", err)
	}
	srv.services = services

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := CloseServices(ctx, services); err != nil {
			t.Errorf("CloseServices() error = %v", err)
		}
	})

	return &testEnv{srv: srv, ts: ts, services: services, reader: reader, backend: backend, home: h}
}

func (e *testEnv) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, r)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 400 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, 1, "k")

	var health struct{ Status string }
	if code := env.do(t, "GET", "/health", "", &health); code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", code, http.StatusOK)
	}
	if health.Status != "ok" {
		t.Errorf("health.Status = %q, want ok", health.Status)
	}

	var status struct {
		Store       string `json:"store"`
		StoredPages int    `json:"stored_pages"`
	}
	if code := env.do(t, "GET", "/status", "", &status); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if status.Store != "open" || status.StoredPages != 0 {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestServer_RequiresInit(t *testing.T) {
	h, err := home.New(t.TempDir())
	if err != nil {
		t.Fatalf("home.New() error = %v", err)
	}
	mgr, err := config.NewManager("")
	if err != nil {
		t.Fatalf("config.NewManager() error = %v", err)
	}
	srv, err := New(Config{Home: h, ConfigManager: mgr})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/capture/status")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}

	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestServer_CaptureToExport(t *testing.T) {
	env := newTestEnv(t, 3, "k")

	var accepted command.Accepted
	code := env.do(t, "POST", "/api/capture/start", `{"tab_id":"T1","settings":{"output_format":"zip"}}`, &accepted)
	if code != http.StatusOK {
		t.Fatalf("start status = %d", code)
	}
	if accepted.Status != "accepted" || accepted.SessionID == "" {
		t.Fatalf("unexpected start response: %+v", accepted)
	}

	var status command.StatusResult
	waitFor(t, 5*time.Second, func() bool {
		env.do(t, "GET", "/api/capture/status", "", &status)
		return !status.Active && status.SessionPageCount == 3
	})
	if status.Title != "Test Book" || status.TotalPages != 3 {
		t.Errorf("unexpected metadata in status: %+v", status)
	}

	var last command.ExportResult
	waitFor(t, 5*time.Second, func() bool {
		return env.do(t, "GET", "/api/export/last", "", &last) == http.StatusOK
	})
	if last.Pages != 3 || last.Format != "zip" {
		t.Errorf("unexpected export: %+v", last)
	}
	if _, err := os.Stat(last.Path); err != nil {
		t.Errorf("export file missing: %v", err)
	}
	if filepath.Dir(last.Path) != env.home.ExportsDir() {
		t.Errorf("export written outside exports dir: %s", last.Path)
	}

	t.Run("pages are listed", func(t *testing.T) {
		var list struct {
			Title string
			Pages []struct{ Index int }
		}
		if code := env.do(t, "GET", "/api/pages", "", &list); code != http.StatusOK {
			t.Fatalf("list status = %d", code)
		}
		if len(list.Pages) != 3 || list.Title != "Test Book" {
			t.Errorf("unexpected pages: %+v", list)
		}
	})

	t.Run("page image is served", func(t *testing.T) {
		resp, err := http.Get(env.ts.URL + "/api/pages/1/image")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK || string(body) != "page-1" {
			t.Errorf("got %d %q", resp.StatusCode, body)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("Content-Type = %q", ct)
		}
	})

	t.Run("missing page is 404", func(t *testing.T) {
		if code := env.do(t, "GET", "/api/pages/9/image", "", nil); code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", code, http.StatusNotFound)
		}
	})
}

func TestServer_StartErrors(t *testing.T) {
	env := newTestEnv(t, 1, "${PAGETURNER_TEST_KEY_THAT_IS_NOT_SET}")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing tab", `{"settings":{}}`, http.StatusBadRequest},
		{"bad direction", `{"tab_id":"T1","settings":{"direction":"up"}}`, http.StatusBadRequest},
		{"not json", `{"tab_id":`, http.StatusBadRequest},
		{"transcribe without credential", `{"tab_id":"T1","settings":{"mode":"capture_and_transcribe"}}`, http.StatusBadRequest},
		{"cost limit already reached", `{"tab_id":"T1","settings":{"mode":"capture_and_transcribe","credential":"k","cost_limit":0.0001}}`, http.StatusPaymentRequired},
	}

	// Make the ledger non-zero so the cost limit test trips.
	if _, err := env.services.Store.AddCost(context.Background(), 1); err != nil {
		t.Fatalf("AddCost() error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := env.do(t, "POST", "/api/capture/start", tt.body, nil); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestServer_StartWhileActive(t *testing.T) {
	env := newTestEnv(t, 100000, "k")

	if code := env.do(t, "POST", "/api/capture/start", `{"tab_id":"T1"}`, nil); code != http.StatusOK {
		t.Fatalf("first start status = %d", code)
	}
	if code := env.do(t, "POST", "/api/capture/start", `{"tab_id":"T2"}`, nil); code != http.StatusConflict {
		t.Errorf("second start status = %d, want %d", code, http.StatusConflict)
	}

	var stopped command.Stopped
	if code := env.do(t, "POST", "/api/capture/stop", "", &stopped); code != http.StatusOK {
		t.Fatalf("stop status = %d", code)
	}
	if stopped.Status != "stopped" {
		t.Errorf("unexpected stop response: %+v", stopped)
	}

	// Stopping again is a no-op.
	if code := env.do(t, "POST", "/api/capture/stop", "", nil); code != http.StatusOK {
		t.Errorf("second stop status = %d", code)
	}
}

func TestServer_TranscribeAndLedger(t *testing.T) {
	env := newTestEnv(t, 1, "cfg-key")
	ctx := context.Background()

	if _, err := env.services.Store.AppendPage(ctx, store.Page{Index: 0, Image: []byte("img"), MIME: "image/jpeg", CapturedAt: time.Now()}); err != nil {
		t.Fatalf("AppendPage() error = %v", err)
	}

	var tr command.TranscribeResult
	if code := env.do(t, "POST", "/api/transcribe", `{"page_index":0,"credential":"k"}`, &tr); code != http.StatusOK {
		t.Fatalf("transcribe status = %d", code)
	}
	if tr.Text != "transcribed gemini-2.0-flash" {
		t.Errorf("unexpected text %q", tr.Text)
	}
	if got := env.backend.lastCredential(); got != "k" {
		t.Errorf("expected request credential, got %q", got)
	}

	t.Run("falls back to configured key", func(t *testing.T) {
		if code := env.do(t, "POST", "/api/transcribe", `{"page_index":0}`, &tr); code != http.StatusOK {
			t.Fatalf("transcribe status = %d", code)
		}
		if got := env.backend.lastCredential(); got != "cfg-key" {
			t.Errorf("expected configured credential, got %q", got)
		}
	})

	t.Run("missing page is embedded in text", func(t *testing.T) {
		if code := env.do(t, "POST", "/api/transcribe", `{"page_index":7,"credential":"k"}`, &tr); code != http.StatusOK {
			t.Fatalf("transcribe status = %d", code)
		}
		if !strings.HasPrefix(tr.Text, "[Transcription Error:") {
			t.Errorf("expected failure marker, got %q", tr.Text)
		}
	})

	var led command.LedgerResult
	if code := env.do(t, "GET", "/api/ledger", "", &led); code != http.StatusOK {
		t.Fatalf("ledger status = %d", code)
	}
	if led.CumulativeCost <= 0 || led.Currency != "JPY" {
		t.Errorf("expected charged ledger in JPY, got %+v", led)
	}

	if code := env.do(t, "POST", "/api/ledger/reset", "", &led); code != http.StatusOK {
		t.Fatalf("reset status = %d", code)
	}
	if led.CumulativeCost != 0 {
		t.Errorf("expected zero after reset, got %v", led.CumulativeCost)
	}
}

func TestServer_Export(t *testing.T) {
	env := newTestEnv(t, 1, "k")
	ctx := context.Background()

	if code := env.do(t, "POST", "/api/export", `{}`, nil); code != http.StatusNotFound {
		t.Errorf("export of empty store status = %d, want %d", code, http.StatusNotFound)
	}
	if code := env.do(t, "GET", "/api/export/last", "", nil); code != http.StatusNotFound {
		t.Errorf("last export status = %d, want %d", code, http.StatusNotFound)
	}

	for i := 0; i < 2; i++ {
		if _, err := env.services.Store.AppendPage(ctx, store.Page{Index: i, Image: []byte{byte(i)}, MIME: "image/jpeg", CapturedAt: time.Now()}); err != nil {
			t.Fatalf("AppendPage() error = %v", err)
		}
	}

	var res command.ExportResult
	body := `{"format":"zip","style":"markdown","transcribe":true}`
	if code := env.do(t, "POST", "/api/export", body, &res); code != http.StatusOK {
		t.Fatalf("export status = %d", code)
	}
	if res.Pages != 2 || res.Transcribed != 2 || res.Failed != 0 {
		t.Errorf("unexpected export result: %+v", res)
	}
	if got := env.backend.lastCredential(); got != "k" {
		t.Errorf("expected configured credential for export, got %q", got)
	}
}

func TestServer_CommandEnvelope(t *testing.T) {
	env := newTestEnv(t, 1, "k")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"ledger", `{"type":"LEDGER"}`, http.StatusOK},
		{"status", `{"type":"STATUS","payload":{}}`, http.StatusOK},
		{"unknown type", `{"type":"REWIND"}`, http.StatusBadRequest},
		{"extra field", `{"type":"STOP","payload":{"force":true}}`, http.StatusBadRequest},
		{"malformed", `{"type":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := env.do(t, "POST", "/api/command", tt.body, nil); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestServer_Events(t *testing.T) {
	env := newTestEnv(t, 1, "k")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	if !lines.Scan() || lines.Text() != ": connected" {
		t.Fatalf("expected connected comment, got %q", lines.Text())
	}

	env.services.Hub.Publish("state", "capturing", "session-1")

	for lines.Scan() {
		if lines.Text() == "event: state" {
			if !lines.Scan() || !strings.HasPrefix(lines.Text(), "data: ") {
				t.Fatalf("expected data line, got %q", lines.Text())
			}
			if !strings.Contains(lines.Text(), `"message":"capturing"`) {
				t.Errorf("unexpected event data %q", lines.Text())
			}
			return
		}
	}
	t.Fatalf("stream ended without event: %v", lines.Err())
}
