package command

import (
	"context"
	"fmt"

	"github.com/jackzampolin/pageturner/internal/assemble"
	"github.com/jackzampolin/pageturner/internal/capture"
)

// Controller is the capture session controller.
type Controller interface {
	Start(ctx context.Context, viewportID, tabID string, settings capture.Settings) (string, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) capture.Status
}

// Transcriber transcribes single pages.
type Transcriber interface {
	TranscribePage(ctx context.Context, index int, credential, model string) string
}

// Exporter assembles the store on demand.
type Exporter interface {
	Export(ctx context.Context, opts assemble.Options) (assemble.Result, error)
}

// CostLedger is the cumulative spending record.
type CostLedger interface {
	Total(ctx context.Context) (float64, error)
	Reset(ctx context.Context) error
	Currency() string
}

// Handler executes commands against the services.
type Handler struct {
	Controller  Controller
	Transcriber Transcriber
	Exporter    Exporter
	Ledger      CostLedger
}

// Handle runs cmd and returns its response value.
func (h *Handler) Handle(ctx context.Context, cmd Command) (any, error) {
	switch c := cmd.(type) {
	case Start:
		id, err := h.Controller.Start(ctx, c.ViewportID, c.TabID, c.Settings)
		if err != nil {
			return nil, err
		}
		return Accepted{Status: "accepted", SessionID: id}, nil
	case Stop:
		if err := h.Controller.Stop(ctx); err != nil {
			return nil, err
		}
		return Stopped{Status: "stopped"}, nil
	case Status:
		return h.Controller.Status(ctx), nil
	case Transcribe:
		return TranscribeResult{Text: h.Transcriber.TranscribePage(ctx, c.PageIndex, c.Credential, c.Model)}, nil
	case Export:
		res, err := h.Exporter.Export(ctx, assemble.Options{
			Format:     c.Format,
			Style:      c.Style,
			Transcribe: c.Transcribe,
			Credential: c.Credential,
			Model:      c.Model,
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	case Ledger:
		return h.ledger(ctx)
	case ResetLedger:
		if err := h.Ledger.Reset(ctx); err != nil {
			return nil, err
		}
		return h.ledger(ctx)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

func (h *Handler) ledger(ctx context.Context) (LedgerResult, error) {
	total, err := h.Ledger.Total(ctx)
	if err != nil {
		return LedgerResult{}, err
	}
	return LedgerResult{CumulativeCost: total, Currency: h.Ledger.Currency()}, nil
}
