// Package browser connects to Chrome over the DevTools protocol. It sizes the
// reader window, screenshots the reader tab and carries navigation messages to
// the agent script injected into the page.
package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/jackzampolin/pageturner/internal/navigator"
)

//go:embed agent.js
var agentJS string

const sendJS = `(raw) => {
	if (!window.__pageturnerAgent) {
		throw new Error("agent not installed");
	}
	return window.__pageturnerAgent.handle(raw);
}`

// ErrNotConnected is returned when no browser connection is available.
var ErrNotConnected = errors.New("browser not connected")

// Config holds browser connection settings.
type Config struct {
	// ControlURL is the DevTools WebSocket URL of a running Chrome. When
	// empty and Launch is set, a browser is started.
	ControlURL string
	Launch     bool
	Bin        string
	Headless   bool
	Logger     *slog.Logger
}

// Tab is one open page target.
type Tab struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Browser is a DevTools connection shared by the capture controller (as its
// viewport) and the navigation bridge (as its transport).
type Browser struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string
	pages      map[string]*rod.Page
}

// New creates an unconnected browser.
func New(cfg Config) *Browser {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Browser{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "browser"),
		pages:  make(map[string]*rod.Page),
	}
}

// Connect attaches to the configured browser, launching one if allowed.
// Calling Connect on a healthy connection does nothing.
func (b *Browser) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		if _, err := b.browser.Version(); err == nil {
			return nil
		}
		b.logger.Warn("stale browser connection, reconnecting")
		_ = b.browser.Close()
		b.browser = nil
		b.pages = make(map[string]*rod.Page)
	}

	controlURL := b.cfg.ControlURL
	if controlURL == "" {
		if !b.cfg.Launch {
			return fmt.Errorf("%w: no control URL configured", ErrNotConnected)
		}
		l := launcher.New().Headless(b.cfg.Headless)
		if b.cfg.Bin != "" {
			l = l.Bin(b.cfg.Bin)
		}
		url, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	b.browser = browser
	b.controlURL = controlURL
	b.logger.Info("connected to browser", "control_url", controlURL)
	return nil
}

// Connected reports whether a connection is held.
func (b *Browser) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.browser != nil
}

// Close drops the connection. A launched browser is shut down.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	var err error
	if b.cfg.ControlURL == "" {
		err = b.browser.Close()
	}
	b.browser = nil
	b.pages = make(map[string]*rod.Page)
	return err
}

// Tabs lists open page targets.
func (b *Browser) Tabs(ctx context.Context) ([]Tab, error) {
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	browser := b.browser
	b.mu.Unlock()

	res, err := proto.TargetGetTargets{}.Call(browser.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	tabs := make([]Tab, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		if info.Type != proto.TargetTargetInfoTypePage {
			continue
		}
		tabs = append(tabs, Tab{ID: string(info.TargetID), Title: info.Title, URL: info.URL})
	}
	return tabs, nil
}

// page returns the attached page for a target, attaching on first use.
func (b *Browser) page(ctx context.Context, tabID string) (*rod.Page, error) {
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pages[tabID]; ok {
		return p.Context(ctx), nil
	}
	p, err := b.browser.PageFromTarget(proto.TargetTargetID(tabID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", tabID, err)
	}
	b.pages[tabID] = p
	return p.Context(ctx), nil
}

// Resize sets the window holding viewportID to width x height.
func (b *Browser) Resize(ctx context.Context, viewportID string, width, height int) error {
	p, err := b.page(ctx, viewportID)
	if err != nil {
		return err
	}
	win, err := proto.BrowserGetWindowForTarget{TargetID: proto.TargetTargetID(viewportID)}.Call(p)
	if err != nil {
		return fmt.Errorf("get window: %w", err)
	}
	// Size changes are ignored while the window is maximized.
	if err := (proto.BrowserSetWindowBounds{
		WindowID: win.WindowID,
		Bounds:   &proto.BrowserBounds{WindowState: proto.BrowserWindowStateNormal},
	}).Call(p); err != nil {
		return fmt.Errorf("restore window: %w", err)
	}
	if err := (proto.BrowserSetWindowBounds{
		WindowID: win.WindowID,
		Bounds:   &proto.BrowserBounds{Width: &width, Height: &height},
	}).Call(p); err != nil {
		return fmt.Errorf("resize window: %w", err)
	}
	return nil
}

// Maximize maximizes the window holding viewportID.
func (b *Browser) Maximize(ctx context.Context, viewportID string) error {
	p, err := b.page(ctx, viewportID)
	if err != nil {
		return err
	}
	win, err := proto.BrowserGetWindowForTarget{TargetID: proto.TargetTargetID(viewportID)}.Call(p)
	if err != nil {
		return fmt.Errorf("get window: %w", err)
	}
	if err := (proto.BrowserSetWindowBounds{
		WindowID: win.WindowID,
		Bounds:   &proto.BrowserBounds{WindowState: proto.BrowserWindowStateMaximized},
	}).Call(p); err != nil {
		return fmt.Errorf("maximize window: %w", err)
	}
	return nil
}

// Screenshot captures the visible area of the tab as JPEG.
func (b *Browser) Screenshot(ctx context.Context, viewportID string, quality int) ([]byte, error) {
	p, err := b.page(ctx, viewportID)
	if err != nil {
		return nil, err
	}
	q := quality
	img, err := p.Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &q,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return img, nil
}

// Install injects the navigation agent into the tab. Installing twice is
// harmless.
func (b *Browser) Install(ctx context.Context, tabID string) error {
	p, err := b.page(ctx, tabID)
	if err != nil {
		return err
	}
	if _, err := p.Evaluate(&rod.EvalOptions{
		JS:           agentJS,
		ByValue:      true,
		AwaitPromise: true,
	}); err != nil {
		return fmt.Errorf("install agent: %w", err)
	}
	return nil
}

// Send delivers msg to the agent and decodes its reply. It fails when the
// agent is not present in the page.
func (b *Browser) Send(ctx context.Context, tabID string, msg navigator.Message) (navigator.Reply, error) {
	p, err := b.page(ctx, tabID)
	if err != nil {
		return navigator.Reply{}, err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return navigator.Reply{}, fmt.Errorf("marshal message: %w", err)
	}
	res, err := p.Evaluate(&rod.EvalOptions{
		JS:           sendJS,
		JSArgs:       []interface{}{string(raw)},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return navigator.Reply{}, fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	if res == nil {
		return navigator.Reply{}, fmt.Errorf("send %s: empty result", msg.Kind)
	}
	out, err := res.Value.MarshalJSON()
	if err != nil {
		return navigator.Reply{}, fmt.Errorf("read reply: %w", err)
	}
	var reply navigator.Reply
	if err := json.Unmarshal(out, &reply); err != nil {
		return navigator.Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}
