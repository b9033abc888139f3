// Package ledger tracks cumulative transcription spending.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackzampolin/pageturner/internal/pricing"
)

// ErrBudgetExceeded is returned by CheckBudget when the cumulative cost has
// reached the ceiling.
var ErrBudgetExceeded = errors.New("cost limit reached")

// Backend persists the cumulative total.
type Backend interface {
	AddCost(ctx context.Context, delta float64) (float64, error)
	Cost(ctx context.Context) (float64, error)
	ResetCost(ctx context.Context) error
}

// Ledger records spending against a pricing table. It is advisory: nothing in
// the transcription path stops because of it.
type Ledger struct {
	backend Backend
	logger  *slog.Logger

	mu    sync.RWMutex
	table *pricing.Table
}

// Config holds ledger configuration.
type Config struct {
	Backend Backend
	Table   *pricing.Table
	Logger  *slog.Logger
}

// New creates a ledger.
func New(cfg Config) *Ledger {
	if cfg.Table == nil {
		cfg.Table = pricing.NewTable(nil, 1, "USD")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		backend: cfg.Backend,
		table:   cfg.Table,
		logger:  cfg.Logger.With("component", "ledger"),
	}
}

// SetTable swaps the pricing table, e.g. after a config reload.
func (l *Ledger) SetTable(t *pricing.Table) {
	l.mu.Lock()
	l.table = t
	l.mu.Unlock()
}

// Table returns the active pricing table.
func (l *Ledger) Table() *pricing.Table {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.table
}

// Charge prices usage on model and adds it to the total. It returns the
// increment and the new total.
func (l *Ledger) Charge(ctx context.Context, model string, u pricing.Usage) (cost, total float64, err error) {
	cost = l.Table().Cost(model, u)
	total, err = l.backend.AddCost(ctx, cost)
	if err != nil {
		return cost, 0, fmt.Errorf("persist cost: %w", err)
	}
	l.logger.Debug("charged transcription",
		"model", model,
		"input_tokens", u.InputTokens,
		"output_tokens", u.OutputTokens,
		"cost", cost,
		"total", total,
	)
	return cost, total, nil
}

// Total returns the cumulative cost.
func (l *Ledger) Total(ctx context.Context) (float64, error) {
	return l.backend.Cost(ctx)
}

// Reset zeroes the cumulative cost.
func (l *Ledger) Reset(ctx context.Context) error {
	if err := l.backend.ResetCost(ctx); err != nil {
		return fmt.Errorf("reset cost: %w", err)
	}
	l.logger.Info("cost ledger reset")
	return nil
}

// Currency returns the display currency code.
func (l *Ledger) Currency() string {
	return l.Table().Currency
}

// CheckBudget returns ErrBudgetExceeded when limit is positive and the
// cumulative cost is at or above it.
func (l *Ledger) CheckBudget(ctx context.Context, limit float64) error {
	if limit <= 0 {
		return nil
	}
	total, err := l.Total(ctx)
	if err != nil {
		return err
	}
	if total >= limit {
		return fmt.Errorf("%w: %.2f of %.2f %s", ErrBudgetExceeded, total, limit, l.Currency())
	}
	return nil
}
