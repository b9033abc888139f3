// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/pageturner/internal/assemble"
	"github.com/jackzampolin/pageturner/internal/browser"
	"github.com/jackzampolin/pageturner/internal/capture"
	"github.com/jackzampolin/pageturner/internal/command"
	"github.com/jackzampolin/pageturner/internal/config"
	"github.com/jackzampolin/pageturner/internal/home"
	"github.com/jackzampolin/pageturner/internal/ledger"
	"github.com/jackzampolin/pageturner/internal/notify"
	"github.com/jackzampolin/pageturner/internal/store"
	"github.com/jackzampolin/pageturner/internal/transcribe"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Controller *capture.Controller
	Store      *store.Store
	Ledger     *ledger.Ledger
	Pipeline   *transcribe.Pipeline
	Assembler  *assemble.Assembler
	Commands   *command.Handler
	Hub        *notify.Hub
	Browser    *browser.Browser
	ConfigMgr  *config.Manager
	Logger     *slog.Logger
	Home       *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// ControllerFrom extracts the capture controller from context.
func ControllerFrom(ctx context.Context) *capture.Controller {
	if s := ServicesFrom(ctx); s != nil {
		return s.Controller
	}
	return nil
}

// StoreFrom extracts the page store from context.
func StoreFrom(ctx context.Context) *store.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// LedgerFrom extracts the cost ledger from context.
func LedgerFrom(ctx context.Context) *ledger.Ledger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Ledger
	}
	return nil
}

// AssemblerFrom extracts the export assembler from context.
func AssemblerFrom(ctx context.Context) *assemble.Assembler {
	if s := ServicesFrom(ctx); s != nil {
		return s.Assembler
	}
	return nil
}

// CommandsFrom extracts the command handler from context.
func CommandsFrom(ctx context.Context) *command.Handler {
	if s := ServicesFrom(ctx); s != nil {
		return s.Commands
	}
	return nil
}

// HubFrom extracts the status broadcast hub from context.
func HubFrom(ctx context.Context) *notify.Hub {
	if s := ServicesFrom(ctx); s != nil {
		return s.Hub
	}
	return nil
}

// BrowserFrom extracts the browser connection from context.
func BrowserFrom(ctx context.Context) *browser.Browser {
	if s := ServicesFrom(ctx); s != nil {
		return s.Browser
	}
	return nil
}

// ConfigFrom extracts the config manager from context.
func ConfigFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.ConfigMgr
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
