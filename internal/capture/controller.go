// Package capture drives a reader tab through a book one page at a time,
// storing each rendered page and detecting the end of the book.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/pageturner/internal/clock"
	"github.com/jackzampolin/pageturner/internal/navigator"
	"github.com/jackzampolin/pageturner/internal/store"
)

var (
	// ErrSessionActive is returned by Start while another session runs.
	ErrSessionActive = errors.New("a capture session is already active")
	// ErrCredentialRequired is returned when transcription is requested
	// without an API credential.
	ErrCredentialRequired = errors.New("an API credential is required to transcribe")
	// ErrMissingTarget is returned when no tab is given.
	ErrMissingTarget = errors.New("tab_id is required")
	// ErrAssemblyRunning is returned by Start while the previous session's
	// pages are still being exported.
	ErrAssemblyRunning = errors.New("previous session is still being exported")
)

// Viewport sizes the browser window and takes screenshots of the visible tab.
type Viewport interface {
	Resize(ctx context.Context, viewportID string, width, height int) error
	Maximize(ctx context.Context, viewportID string) error
	Screenshot(ctx context.Context, viewportID string, quality int) ([]byte, error)
}

// Navigator turns pages through the in-page agent.
type Navigator interface {
	GoToStart(ctx context.Context, tabID string) error
	TurnPage(ctx context.Context, tabID string, dir navigator.Direction) error
	Metadata(ctx context.Context, tabID string) (navigator.Metadata, error)
}

// Store is the durable state the controller needs.
type Store interface {
	Clear(ctx context.Context) error
	AppendPage(ctx context.Context, p store.Page) (int, error)
	LastPage(ctx context.Context) (store.Page, bool, error)
	SessionPageCount(ctx context.Context) (int, error)
	LastActivity(ctx context.Context) (time.Time, error)
	Touch(ctx context.Context, at time.Time) error
	SetMetadata(ctx context.Context, m store.BookMetadata) error
	Metadata(ctx context.Context) (store.BookMetadata, error)
	SetJSON(ctx context.Context, key string, v any) error
}

// Assembler receives finished sessions. Busy reports an export still reading
// the store.
type Assembler interface {
	Assemble(ctx context.Context, s Summary) error
	Busy() bool
}

// Budget performs the pre-flight spending check.
type Budget interface {
	CheckBudget(ctx context.Context, limit float64) error
}

// Notifier receives best-effort status broadcasts.
type Notifier interface {
	Publish(kind, message string, data any)
}

// Timings groups every delay and bound used by the controller.
type Timings struct {
	ResizeSettle        time.Duration
	LoopDelay           time.Duration
	StopGrace           time.Duration
	StaleAfter          time.Duration
	DuplicateWait       time.Duration
	MaxDuplicateRetries int
	CaptureQuality      int
	Stability           StabilityConfig
}

// DefaultTimings returns the standard timings.
func DefaultTimings() Timings {
	return Timings{
		ResizeSettle:        time.Second,
		LoopDelay:           100 * time.Millisecond,
		StopGrace:           500 * time.Millisecond,
		StaleAfter:          30 * time.Minute,
		DuplicateWait:       1500 * time.Millisecond,
		MaxDuplicateRetries: 2,
		CaptureQuality:      90,
		Stability:           DefaultStability(),
	}
}

// Config holds controller dependencies.
type Config struct {
	Viewport  Viewport
	Navigator Navigator
	Store     Store
	Assembler Assembler
	Budget    Budget
	Notifier  Notifier
	Clock     clock.Clock
	Timings   Timings
	Presets   map[string]Size
	Logger    *slog.Logger
}

// Controller owns the capture session state machine.
type Controller struct {
	viewport  Viewport
	nav       Navigator
	store     Store
	assembler Assembler
	budget    Budget
	notifier  Notifier
	clock     clock.Clock
	timings   Timings
	presets   map[string]Size
	logger    *slog.Logger

	mu          sync.Mutex
	session     *Session
	lastCount   int
	lastMessage string
	done        chan struct{}
	cancel      context.CancelFunc
}

// New creates a controller. Zero-valued timings take their defaults.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Presets == nil {
		cfg.Presets = DefaultPresets()
	}
	if cfg.Timings == (Timings{}) {
		cfg.Timings = DefaultTimings()
	}
	return &Controller{
		viewport:    cfg.Viewport,
		nav:         cfg.Navigator,
		store:       cfg.Store,
		assembler:   cfg.Assembler,
		budget:      cfg.Budget,
		notifier:    cfg.Notifier,
		clock:       cfg.Clock,
		timings:     cfg.Timings,
		presets:     cfg.Presets,
		logger:      cfg.Logger.With("component", "capture"),
		lastMessage: "Ready.",
	}
}

// Start begins a session against the given viewport and tab and returns its
// ID. The session runs in the background; Start returns once it has been
// accepted.
func (c *Controller) Start(ctx context.Context, viewportID, tabID string, settings Settings) (string, error) {
	if tabID == "" {
		return "", ErrMissingTarget
	}
	if viewportID == "" {
		viewportID = tabID
	}
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return "", err
	}
	if settings.Transcribes() {
		if settings.Credential == "" {
			return "", ErrCredentialRequired
		}
		if c.budget != nil {
			if err := c.budget.CheckBudget(ctx, settings.CostLimit); err != nil {
				return "", err
			}
		}
	}

	c.mu.Lock()
	if c.session != nil || running(c.done) {
		c.mu.Unlock()
		return "", ErrSessionActive
	}
	if c.assembler != nil && c.assembler.Busy() {
		c.mu.Unlock()
		return "", ErrAssemblyRunning
	}
	sess := &Session{
		ID:         uuid.NewString(),
		State:      StateStarting,
		Active:     true,
		ViewportID: viewportID,
		TabID:      tabID,
		Settings:   settings,
		StartedAt:  c.clock.Now(),
	}
	c.session = sess
	c.lastCount = 0
	c.mu.Unlock()

	if err := c.prepareStore(ctx, sess); err != nil {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.mu.Lock()
	c.done = done
	c.cancel = cancel
	c.mu.Unlock()

	c.setMessage(fmt.Sprintf("Started session %s.", sess.ID))
	c.publish("state", string(StateStarting), sess.ID)

	go func() {
		defer close(done)
		defer cancel()
		c.run(runCtx, sess, viewportID, tabID)
	}()
	return sess.ID, nil
}

func (c *Controller) prepareStore(ctx context.Context, sess *Session) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	if err := c.store.SetJSON(ctx, store.KeyCaptureSettings, sess.Settings.Redacted()); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	if err := c.store.Touch(ctx, sess.StartedAt); err != nil {
		return fmt.Errorf("persist activity: %w", err)
	}
	return nil
}

// Stop ends the active session. It waits briefly for the in-flight iteration,
// hands the captured pages off and returns to idle. Stopping an idle
// controller does nothing.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	if sess == nil || !sess.Active {
		c.mu.Unlock()
		return nil
	}
	sess.Active = false
	sess.State = StateStopping
	sess.ViewportID = ""
	sess.TabID = ""
	done := c.done
	c.mu.Unlock()

	c.setMessage("Stopping...")
	c.publish("state", string(StateStopping), sess.ID)

	if done != nil {
		select {
		case <-done:
		case <-c.clock.After(c.timings.StopGrace):
			c.logger.Warn("in-flight iteration still running after grace period", "session", sess.ID)
		case <-ctx.Done():
		}
	}

	c.finish(ctx, sess, ReasonStopped)
	return nil
}

// Shutdown stops any session and cancels its background work.
func (c *Controller) Shutdown(ctx context.Context) error {
	err := c.Stop(ctx)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return err
}

// Status reports the current state. When no session is active the page count
// is reconciled with the persisted count, and reported as zero once the last
// activity is older than the staleness window.
func (c *Controller) Status(ctx context.Context) Status {
	c.mu.Lock()
	st := Status{
		State:       StateIdle,
		LastMessage: c.lastMessage,
	}
	active := false
	if sess := c.session; sess != nil {
		st.State = sess.State
		st.SessionID = sess.ID
		st.Active = sess.Active
		st.SessionPageCount = sess.PageCount
		active = sess.Active
	}
	memCount := c.lastCount
	c.mu.Unlock()

	if m, err := c.store.Metadata(ctx); err == nil {
		st.Title = m.Title
		st.TotalPages = m.TotalPages
	}
	if active {
		return st
	}

	count := max(memCount, st.SessionPageCount)
	if persisted, err := c.store.SessionPageCount(ctx); err == nil {
		count = max(count, persisted)
	}
	if last, err := c.store.LastActivity(ctx); err == nil && !last.IsZero() {
		if c.clock.Now().Sub(last) > c.timings.StaleAfter {
			count = 0
		}
	}
	st.SessionPageCount = count
	return st
}

// Done returns a channel closed when the current background run returns.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// isActive reports whether sess is still the running session.
func (c *Controller) isActive(sess *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == sess && sess.Active
}

// endOfBook ends sess after the duplicate retries ran out.
func (c *Controller) endOfBook(ctx context.Context, sess *Session) {
	c.mu.Lock()
	if c.session != sess || !sess.Active {
		c.mu.Unlock()
		return
	}
	sess.Active = false
	sess.State = StateStopping
	count := sess.PageCount
	c.mu.Unlock()

	c.setMessage(fmt.Sprintf("End of book reached (%d pages).", count))
	c.publish("end", string(ReasonEndOfBook), sess.ID)
	c.finish(ctx, sess, ReasonEndOfBook)
}

// finish hands a session off and returns to idle. The caller must already
// have cleared sess.Active.
func (c *Controller) finish(ctx context.Context, sess *Session, reason Reason) {
	c.mu.Lock()
	summary := Summary{
		SessionID: sess.ID,
		Settings:  sess.Settings,
		PageCount: sess.PageCount,
		Reason:    reason,
	}
	c.mu.Unlock()

	if m, err := c.store.Metadata(ctx); err == nil {
		summary.Title = m.Title
	}
	if c.assembler != nil {
		if err := c.assembler.Assemble(ctx, summary); err != nil {
			c.logger.Error("hand-off failed", "session", sess.ID, "error", err)
			c.publish("error", fmt.Sprintf("Hand-off failed: %v", err), sess.ID)
		}
	}

	c.mu.Lock()
	sess.State = StateIdle
	c.lastCount = sess.PageCount
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()
	c.publish("state", string(StateIdle), sess.ID)
}

// fail ends sess after an unrecoverable error. Pages stay in the store and no
// hand-off happens.
func (c *Controller) fail(sess *Session, err error) {
	c.mu.Lock()
	if c.session != sess || !sess.Active {
		c.mu.Unlock()
		c.logger.Debug("error after session ended", "session", sess.ID, "error", err)
		return
	}
	sess.Active = false
	sess.State = StateIdle
	c.lastCount = sess.PageCount
	c.session = nil
	c.mu.Unlock()

	msg := "Error: " + err.Error()
	c.setMessage(msg)
	c.logger.Error("capture session failed", "session", sess.ID, "error", err)
	c.publish("error", msg, sess.ID)
	c.publish("state", string(StateIdle), sess.ID)
}

func running(done chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (c *Controller) setMessage(msg string) {
	c.mu.Lock()
	c.lastMessage = msg
	c.mu.Unlock()
	c.logger.Info(msg)
	c.publish("status", msg, nil)
}

func (c *Controller) publish(kind, message string, data any) {
	if c.notifier != nil {
		c.notifier.Publish(kind, message, data)
	}
}
