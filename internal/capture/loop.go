package capture

import (
	"context"
	"fmt"

	"github.com/jackzampolin/pageturner/internal/store"
)

// run drives one session from resize to the end of the capture loop.
func (c *Controller) run(ctx context.Context, sess *Session, viewportID, tabID string) {
	if err := c.resize(ctx, viewportID, sess.Settings.Viewport); err != nil {
		c.logger.Warn("resize failed", "viewport", viewportID, "error", err)
	}
	if err := c.clock.Sleep(ctx, c.timings.ResizeSettle); err != nil {
		c.fail(sess, err)
		return
	}
	if !c.isActive(sess) {
		return
	}

	c.setMessage("Moving to start page...")
	if err := c.nav.GoToStart(ctx, tabID); err != nil {
		c.fail(sess, fmt.Errorf("go to start: %w", err))
		return
	}

	c.scanMetadata(ctx, tabID)

	c.mu.Lock()
	if c.session != sess || !sess.Active {
		c.mu.Unlock()
		return
	}
	sess.State = StateCapturing
	c.mu.Unlock()
	c.publish("state", string(StateCapturing), sess.ID)

	for c.isActive(sess) {
		end, err := c.iterate(ctx, sess, viewportID, tabID)
		if err != nil {
			c.fail(sess, err)
			return
		}
		if end {
			c.endOfBook(ctx, sess)
			return
		}
		if !c.isActive(sess) {
			return
		}
		if err := c.clock.Sleep(ctx, c.timings.LoopDelay); err != nil {
			c.fail(sess, err)
			return
		}
	}
}

// scanMetadata records the book title and page total. Failures are tolerated.
func (c *Controller) scanMetadata(ctx context.Context, tabID string) {
	m, err := c.nav.Metadata(ctx, tabID)
	if err != nil {
		c.logger.Warn("metadata scan failed", "tab", tabID, "error", err)
		return
	}
	if err := c.store.SetMetadata(ctx, store.BookMetadata{Title: m.Title, TotalPages: m.TotalPages}); err != nil {
		c.logger.Warn("persist metadata failed", "error", err)
		return
	}
	if m.Title != "" {
		c.setMessage(fmt.Sprintf("Book: %s (%d pages)", m.Title, m.TotalPages))
	}
}

// iterate captures one page. It reports true when the end of the book has
// been reached.
func (c *Controller) iterate(ctx context.Context, sess *Session, viewportID, tabID string) (bool, error) {
	c.mu.Lock()
	index := sess.PageCount
	c.mu.Unlock()

	c.setMessage(fmt.Sprintf("Waiting for page %d to render...", index+1))
	res, err := waitForStable(ctx, c.clock, c.timings.Stability, func(ctx context.Context) ([]byte, error) {
		return c.viewport.Screenshot(ctx, viewportID, c.timings.Stability.Quality)
	})
	if err != nil {
		return false, fmt.Errorf("preview capture: %w", err)
	}
	if !res.Stable {
		c.logger.Debug("page did not settle, capturing anyway", "page", index+1, "attempts", res.Attempts)
	}
	if !c.isActive(sess) {
		return false, nil
	}

	img, err := c.viewport.Screenshot(ctx, viewportID, c.timings.CaptureQuality)
	if err != nil {
		return false, fmt.Errorf("capture: %w", err)
	}

	img, end, err := c.resolveDuplicate(ctx, sess, viewportID, tabID, img)
	if err != nil || end {
		return end, err
	}
	if img == nil {
		return false, nil
	}

	count, err := c.store.AppendPage(ctx, store.Page{
		Index:      index,
		Image:      img,
		MIME:       "image/jpeg",
		CapturedAt: c.clock.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("store page %d: %w", index, err)
	}

	c.mu.Lock()
	sess.PageCount = count
	c.lastCount = count
	c.mu.Unlock()
	c.setMessage(fmt.Sprintf("Captured page %d.", count))
	c.publish("page", fmt.Sprintf("page %d", count), count)

	if err := c.nav.TurnPage(ctx, tabID, sess.Settings.Direction); err != nil {
		return false, fmt.Errorf("turn page: %w", err)
	}
	return false, nil
}

// resize applies the viewport settings. "current" leaves the window alone.
func (c *Controller) resize(ctx context.Context, viewportID string, v ViewportSettings) error {
	var size Size
	switch v.Preset {
	case "", PresetCurrent:
		return nil
	case PresetMaximized:
		return c.viewport.Maximize(ctx, viewportID)
	case PresetCustom:
		size = Size{Width: v.Width, Height: v.Height}
	default:
		p, ok := c.presets[v.Preset]
		if !ok {
			p = FallbackSize
		}
		size = p
		if v.Width > 0 && v.Height > 0 {
			size = Size{Width: v.Width, Height: v.Height}
		}
	}
	c.setMessage(fmt.Sprintf("Resizing window to %dx%d...", size.Width, size.Height))
	return c.viewport.Resize(ctx, viewportID, size.Width, size.Height)
}
