package endpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/pageturner/internal/api"
	"github.com/jackzampolin/pageturner/internal/assemble"
	"github.com/jackzampolin/pageturner/internal/browser"
	"github.com/jackzampolin/pageturner/internal/capture"
	"github.com/jackzampolin/pageturner/internal/command"
	"github.com/jackzampolin/pageturner/internal/ledger"
	"github.com/jackzampolin/pageturner/internal/navigator"
	"github.com/jackzampolin/pageturner/internal/store"
	"github.com/jackzampolin/pageturner/internal/svcctx"
	"github.com/jackzampolin/pageturner/version"
)

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			return nil
		},
	}
}

// StatusResponse is the detailed status response.
type StatusResponse struct {
	Server      string `json:"server"`
	Version     string `json:"version"`
	Browser     string `json:"browser"`
	Store       string `json:"store"`
	StoredPages int    `json:"stored_pages"`
	Capture     string `json:"capture"`
	Exporting   bool   `json:"exporting"`
	ExportsDir  string `json:"exports_dir,omitempty"`
	Cost        string `json:"cost,omitempty"`
	Listeners   int    `json:"listeners"`
	ConfigFile  string `json:"config_file,omitempty"`
}

// StatusEndpoint handles GET /status.
type StatusEndpoint struct{}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return false }

func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Server:  "running",
		Version: version.GitRelease,
		Browser: "not_initialized",
		Store:   "not_initialized",
	}

	if b := svcctx.BrowserFrom(r.Context()); b != nil {
		if b.Connected() {
			resp.Browser = "connected"
		} else {
			resp.Browser = "disconnected"
		}
	}
	if st := svcctx.StoreFrom(r.Context()); st != nil {
		n, err := st.PageCount(r.Context())
		if err != nil {
			resp.Store = "error"
		} else {
			resp.Store = "open"
			resp.StoredPages = n
		}
	}
	if c := svcctx.ControllerFrom(r.Context()); c != nil {
		resp.Capture = string(c.Status(r.Context()).State)
	}
	if a := svcctx.AssemblerFrom(r.Context()); a != nil {
		resp.Exporting = a.Busy()
	}
	if h := svcctx.HomeFrom(r.Context()); h != nil {
		resp.ExportsDir = h.ExportsDir()
	}
	if l := svcctx.LedgerFrom(r.Context()); l != nil {
		if total, err := l.Total(r.Context()); err == nil {
			resp.Cost = api.FormatCost(total, l.Currency())
		}
	}
	if h := svcctx.HubFrom(r.Context()); h != nil {
		resp.Listeners = h.Subscribers()
	}
	if cm := svcctx.ConfigFrom(r.Context()); cm != nil {
		resp.ConfigFile = cm.ConfigFile()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Get detailed server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp StatusResponse
			if err := client.Get(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeErr maps service errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, command.ErrInvalidPayload),
		errors.Is(err, command.ErrUnknownCommand),
		errors.Is(err, capture.ErrInvalidSettings),
		errors.Is(err, capture.ErrMissingTarget),
		errors.Is(err, capture.ErrCredentialRequired):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrSessionActive),
		errors.Is(err, capture.ErrAssemblyRunning),
		errors.Is(err, assemble.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrBudgetExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, assemble.ErrNoPages),
		errors.Is(err, store.ErrPageNotFound):
		return http.StatusNotFound
	case errors.Is(err, browser.ErrNotConnected),
		errors.Is(err, navigator.ErrAgentUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// dispatch runs cmd through the command handler in the request context.
func dispatch(w http.ResponseWriter, r *http.Request, cmd command.Command) {
	h := svcctx.CommandsFrom(r.Context())
	if h == nil {
		writeError(w, http.StatusServiceUnavailable, "command handler not initialized")
		return
	}
	resp, err := h.Handle(r.Context(), cmd)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			if logger := svcctx.LoggerFrom(r.Context()); logger != nil {
				logger.Error("command failed", "type", cmd.Type(), "error", err)
			}
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

const maxBodyBytes = 1 << 20

// decodeCommand reads a request body as the payload of a command of type t.
func decodeCommand(r *http.Request, t command.Type) (command.Command, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", command.ErrInvalidPayload, err)
	}
	return command.DecodePayload(t, bytes.TrimSpace(raw))
}
