package capture

import (
	"bytes"
	"context"
	"fmt"
)

// resolveDuplicate compares img with the last stored page. While they match
// and retries remain, the page is turned again and recaptured without a
// stability wait. It returns the image to store, or end=true once the retries
// for this logical page are exhausted. A nil image with end=false means the
// session was stopped before the next re-turn.
func (c *Controller) resolveDuplicate(ctx context.Context, sess *Session, viewportID, tabID string, img []byte) ([]byte, bool, error) {
	for {
		last, ok, err := c.store.LastPage(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("read last page: %w", err)
		}
		if !ok || !bytes.Equal(img, last.Image) {
			c.mu.Lock()
			sess.Retries = 0
			c.mu.Unlock()
			return img, false, nil
		}

		c.mu.Lock()
		if sess.Retries >= c.timings.MaxDuplicateRetries {
			c.mu.Unlock()
			return nil, true, nil
		}
		if c.session != sess || !sess.Active {
			c.mu.Unlock()
			return nil, false, nil
		}
		sess.Retries++
		attempt := sess.Retries
		c.mu.Unlock()

		c.setMessage(fmt.Sprintf("Duplicate page detected, retrying page turn (%d/%d)...",
			attempt, c.timings.MaxDuplicateRetries))
		if err := c.nav.TurnPage(ctx, tabID, sess.Settings.Direction); err != nil {
			return nil, false, fmt.Errorf("turn page: %w", err)
		}
		if err := c.clock.Sleep(ctx, c.timings.DuplicateWait); err != nil {
			return nil, false, err
		}
		img, err = c.viewport.Screenshot(ctx, viewportID, c.timings.CaptureQuality)
		if err != nil {
			return nil, false, fmt.Errorf("capture: %w", err)
		}
	}
}
