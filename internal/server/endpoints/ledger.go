package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/pageturner/internal/api"
	"github.com/jackzampolin/pageturner/internal/command"
)

// GetLedgerEndpoint handles GET /api/ledger.
type GetLedgerEndpoint struct{}

func (e *GetLedgerEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/ledger", e.handler
}

func (e *GetLedgerEndpoint) RequiresInit() bool { return true }

func (e *GetLedgerEndpoint) Group() string { return "ledger" }

func (e *GetLedgerEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	dispatch(w, r, command.Ledger{})
}

func (e *GetLedgerEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show cumulative transcription cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp command.LedgerResult
			if err := client.Get(cmd.Context(), "/api/ledger", &resp); err != nil {
				return err
			}
			return api.Output(ledgerView(resp))
		},
	}
}

// ResetLedgerEndpoint handles POST /api/ledger/reset.
type ResetLedgerEndpoint struct{}

func (e *ResetLedgerEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/ledger/reset", e.handler
}

func (e *ResetLedgerEndpoint) RequiresInit() bool { return true }

func (e *ResetLedgerEndpoint) Group() string { return "ledger" }

func (e *ResetLedgerEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	dispatch(w, r, command.ResetLedger{})
}

func (e *ResetLedgerEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset cumulative transcription cost to zero",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp command.LedgerResult
			if err := client.Post(cmd.Context(), "/api/ledger/reset", nil, &resp); err != nil {
				return err
			}
			return api.Output(ledgerView(resp))
		},
	}
}
