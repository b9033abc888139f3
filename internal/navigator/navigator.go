// Package navigator delivers navigation commands to the agent running inside
// the reader tab. Delivery failures trigger exactly one agent re-install and
// retry before the error is surfaced.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/pageturner/internal/clock"
)

// ErrAgentUnavailable is returned when a message could not be delivered even
// after re-installing the agent.
var ErrAgentUnavailable = errors.New("navigation agent unavailable")

// Direction is the page-turn direction of a book.
type Direction string

const (
	LTR Direction = "ltr"
	RTL Direction = "rtl"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == LTR || d == RTL
}

// Kind identifies an agent message.
type Kind string

const (
	KindGoToStart   Kind = "GO_TO_START"
	KindNextPage    Kind = "NEXT_PAGE"
	KindGetMetadata Kind = "GET_METADATA"
)

// Message is sent to the in-page agent.
type Message struct {
	Kind      Kind      `json:"type"`
	Direction Direction `json:"direction,omitempty"`
}

// Reply is the agent's answer.
type Reply struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	Title      string `json:"title,omitempty"`
	TotalPages int    `json:"total_pages,omitempty"`
}

// Transport moves messages into a tab and can (re)install the agent there.
type Transport interface {
	Send(ctx context.Context, tabID string, msg Message) (Reply, error)
	Install(ctx context.Context, tabID string) error
}

// Metadata is the book information reported by the agent.
type Metadata struct {
	Title      string
	TotalPages int
}

// Config holds bridge configuration.
type Config struct {
	Transport Transport
	Clock     clock.Clock
	// ReinstallDelay is the wait after re-installing the agent (default 1s).
	ReinstallDelay time.Duration
	// StartSettle is the wait after a successful GoToStart (default 3s).
	StartSettle time.Duration
	Logger      *slog.Logger
}

// Bridge sends navigation commands with the re-install-and-retry-once policy.
type Bridge struct {
	transport      Transport
	clock          clock.Clock
	reinstallDelay time.Duration
	startSettle    time.Duration
	logger         *slog.Logger
}

// New creates a bridge.
func New(cfg Config) *Bridge {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ReinstallDelay == 0 {
		cfg.ReinstallDelay = time.Second
	}
	if cfg.StartSettle == 0 {
		cfg.StartSettle = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		transport:      cfg.Transport,
		clock:          cfg.Clock,
		reinstallDelay: cfg.ReinstallDelay,
		startSettle:    cfg.StartSettle,
		logger:         cfg.Logger.With("component", "navigator"),
	}
}

// GoToStart moves the reader to the first page and waits for it to settle.
func (b *Bridge) GoToStart(ctx context.Context, tabID string) error {
	if _, err := b.send(ctx, tabID, Message{Kind: KindGoToStart}); err != nil {
		return err
	}
	return b.clock.Sleep(ctx, b.startSettle)
}

// TurnPage advances one page in the given direction.
func (b *Bridge) TurnPage(ctx context.Context, tabID string, dir Direction) error {
	if !dir.Valid() {
		return fmt.Errorf("invalid direction %q", dir)
	}
	_, err := b.send(ctx, tabID, Message{Kind: KindNextPage, Direction: dir})
	return err
}

// Metadata asks the agent for the book title and total page count.
func (b *Bridge) Metadata(ctx context.Context, tabID string) (Metadata, error) {
	r, err := b.send(ctx, tabID, Message{Kind: KindGetMetadata})
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{Title: r.Title, TotalPages: r.TotalPages}, nil
}

// send delivers msg. A failed delivery re-installs the agent before the one
// retry; a reply with ok=false is the agent refusing and is not retried.
func (b *Bridge) send(ctx context.Context, tabID string, msg Message) (Reply, error) {
	attempt := 0
	reply, err := retry.DoWithData(
		func() (Reply, error) {
			if attempt > 0 {
				if err := b.reinstall(ctx, tabID); err != nil {
					return Reply{}, retry.Unrecoverable(err)
				}
			}
			attempt++
			return b.transport.Send(ctx, tabID, msg)
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.LastErrorOnly(true),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			if n == 0 {
				b.logger.Warn("agent message failed, re-installing",
					"tab", tabID, "type", msg.Kind, "error", err)
			}
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		return Reply{}, fmt.Errorf("%w: %s: %v", ErrAgentUnavailable, msg.Kind, err)
	}
	if !reply.OK {
		reason := reply.Error
		if reason == "" {
			reason = "request refused"
		}
		return reply, fmt.Errorf("%w: %s: %s", ErrAgentUnavailable, msg.Kind, reason)
	}
	return reply, nil
}

// reinstall injects the agent again and waits for it to start listening.
// Install errors are logged; the retry that follows reports the outcome.
func (b *Bridge) reinstall(ctx context.Context, tabID string) error {
	if err := b.transport.Install(ctx, tabID); err != nil {
		b.logger.Warn("agent install failed", "tab", tabID, "error", err)
	}
	return b.clock.Sleep(ctx, b.reinstallDelay)
}
