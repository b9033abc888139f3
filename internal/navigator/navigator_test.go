package navigator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/pageturner/internal/clock"
)

type fakeTransport struct {
	mu       sync.Mutex
	failures int
	sends    []Message
	installs int
	reply    Reply
	// refuse sends reply as is, without forcing OK.
	refuse bool
}

func (f *fakeTransport) Send(ctx context.Context, tabID string, msg Message) (Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, msg)
	if f.failures > 0 {
		f.failures--
		return Reply{}, errors.New("could not establish connection")
	}
	r := f.reply
	if !f.refuse {
		r.OK = true
	}
	return r, nil
}

func (f *fakeTransport) Install(ctx context.Context, tabID string) error {
	f.mu.Lock()
	f.installs++
	f.mu.Unlock()
	return nil
}

func newTestBridge(tr Transport) (*Bridge, *clock.Fake) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(Config{Transport: tr, Clock: clk}), clk
}

func TestBridge_TurnPage(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers on first attempt", func(t *testing.T) {
		tr := &fakeTransport{}
		b, _ := newTestBridge(tr)

		if err := b.TurnPage(ctx, "tab", RTL); err != nil {
			t.Fatalf("TurnPage() error = %v", err)
		}
		if len(tr.sends) != 1 || tr.installs != 0 {
			t.Errorf("expected 1 send and 0 installs, got %d and %d", len(tr.sends), tr.installs)
		}
		if tr.sends[0].Kind != KindNextPage || tr.sends[0].Direction != RTL {
			t.Errorf("unexpected message: %+v", tr.sends[0])
		}
	})

	t.Run("re-installs once then succeeds", func(t *testing.T) {
		tr := &fakeTransport{failures: 1}
		b, clk := newTestBridge(tr)
		start := clk.Now()

		if err := b.TurnPage(ctx, "tab", LTR); err != nil {
			t.Fatalf("TurnPage() error = %v", err)
		}
		if len(tr.sends) != 2 || tr.installs != 1 {
			t.Errorf("expected 2 sends and 1 install, got %d and %d", len(tr.sends), tr.installs)
		}
		if got := clk.Now().Sub(start); got != time.Second {
			t.Errorf("expected 1s re-install delay, got %v", got)
		}
	})

	t.Run("gives up after one retry", func(t *testing.T) {
		tr := &fakeTransport{failures: 5}
		b, clk := newTestBridge(tr)
		start := clk.Now()

		err := b.TurnPage(ctx, "tab", LTR)
		if !errors.Is(err, ErrAgentUnavailable) {
			t.Fatalf("expected ErrAgentUnavailable, got %v", err)
		}
		if len(tr.sends) != 2 || tr.installs != 1 {
			t.Errorf("expected 2 sends and 1 install, got %d and %d", len(tr.sends), tr.installs)
		}
		if got := clk.Now().Sub(start); got != time.Second {
			t.Errorf("expected a single 1s re-install delay, got %v", got)
		}
	})

	t.Run("refusal is not retried", func(t *testing.T) {
		for _, reply := range []Reply{{Error: "unknown message"}, {}} {
			tr := &fakeTransport{refuse: true, reply: reply}
			b, _ := newTestBridge(tr)

			err := b.TurnPage(ctx, "tab", LTR)
			if !errors.Is(err, ErrAgentUnavailable) {
				t.Fatalf("reply %+v: expected ErrAgentUnavailable, got %v", reply, err)
			}
			if len(tr.sends) != 1 || tr.installs != 0 {
				t.Errorf("reply %+v: expected 1 send and 0 installs, got %d and %d", reply, len(tr.sends), tr.installs)
			}
		}
	})

	t.Run("cancelled during re-install", func(t *testing.T) {
		tr := &fakeTransport{failures: 1}
		b, _ := newTestBridge(tr)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		if err := b.TurnPage(cctx, "tab", LTR); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("rejects invalid direction", func(t *testing.T) {
		tr := &fakeTransport{}
		b, _ := newTestBridge(tr)
		if err := b.TurnPage(ctx, "tab", Direction("up")); err == nil {
			t.Error("expected error for invalid direction")
		}
		if len(tr.sends) != 0 {
			t.Errorf("expected no sends, got %d", len(tr.sends))
		}
	})
}

func TestBridge_GoToStart(t *testing.T) {
	tr := &fakeTransport{}
	b, clk := newTestBridge(tr)
	start := clk.Now()

	if err := b.GoToStart(context.Background(), "tab"); err != nil {
		t.Fatalf("GoToStart() error = %v", err)
	}
	if got := clk.Now().Sub(start); got != 3*time.Second {
		t.Errorf("expected 3s settle, got %v", got)
	}
	if tr.sends[0].Kind != KindGoToStart {
		t.Errorf("expected GO_TO_START, got %s", tr.sends[0].Kind)
	}
}

func TestBridge_Metadata(t *testing.T) {
	tr := &fakeTransport{reply: Reply{Title: "吾輩は猫である", TotalPages: 312}}
	b, _ := newTestBridge(tr)

	m, err := b.Metadata(context.Background(), "tab")
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if m.Title != "吾輩は猫である" || m.TotalPages != 312 {
		t.Errorf("unexpected metadata: %+v", m)
	}
}
