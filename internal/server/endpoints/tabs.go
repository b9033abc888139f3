package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/pageturner/internal/api"
	"github.com/jackzampolin/pageturner/internal/browser"
	"github.com/jackzampolin/pageturner/internal/svcctx"
)

// ListTabsResponse lists the browser's open tabs.
type ListTabsResponse struct {
	Tabs []browser.Tab `json:"tabs"`
}

// ListTabsEndpoint handles GET /api/tabs.
type ListTabsEndpoint struct{}

func (e *ListTabsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/tabs", e.handler
}

func (e *ListTabsEndpoint) RequiresInit() bool { return true }

func (e *ListTabsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	b := svcctx.BrowserFrom(r.Context())
	if b == nil {
		writeError(w, http.StatusServiceUnavailable, "browser not configured")
		return
	}
	tabs, err := b.Tabs(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListTabsResponse{Tabs: tabs})
}

func (e *ListTabsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "tabs",
		Short: "List open browser tabs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListTabsResponse
			if err := client.Get(cmd.Context(), "/api/tabs", &resp); err != nil {
				return err
			}
			return api.Output(tabsView(resp))
		},
	}
}
