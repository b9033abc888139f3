package capture

import (
	"bytes"
	"context"
	"time"

	"github.com/jackzampolin/pageturner/internal/clock"
)

// StabilityConfig tunes the visual stability detector.
type StabilityConfig struct {
	InitialDelay time.Duration
	Interval     time.Duration
	// Threshold is the number of identical consecutive frames that count as
	// stable.
	Threshold   int
	MaxAttempts int
	// Quality is the JPEG quality of preview frames.
	Quality int
}

// DefaultStability returns the standard detector settings.
func DefaultStability() StabilityConfig {
	return StabilityConfig{
		InitialDelay: 500 * time.Millisecond,
		Interval:     time.Second,
		Threshold:    3,
		MaxAttempts:  50,
		Quality:      10,
	}
}

// StabilityResult reports how the wait ended.
type StabilityResult struct {
	Stable   bool
	Attempts int
}

type frameFunc func(ctx context.Context) ([]byte, error)

// waitForStable samples low-quality frames until Threshold identical frames
// arrive in a row or MaxAttempts is exhausted. Exhaustion is not an error; the
// caller captures anyway.
func waitForStable(ctx context.Context, clk clock.Clock, cfg StabilityConfig, frame frameFunc) (StabilityResult, error) {
	if err := clk.Sleep(ctx, cfg.InitialDelay); err != nil {
		return StabilityResult{}, err
	}

	var (
		prev []byte
		run  int
	)
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		cur, err := frame(ctx)
		if err != nil {
			return StabilityResult{Attempts: attempt}, err
		}
		if prev != nil && bytes.Equal(cur, prev) {
			run++
		} else {
			run = 1
		}
		prev = cur

		if run >= cfg.Threshold {
			return StabilityResult{Stable: true, Attempts: attempt}, nil
		}
		if attempt < cfg.MaxAttempts {
			if err := clk.Sleep(ctx, cfg.Interval); err != nil {
				return StabilityResult{Attempts: attempt}, err
			}
		}
	}
	return StabilityResult{Attempts: cfg.MaxAttempts}, nil
}
