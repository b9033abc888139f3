package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/pageturner/internal/api"
	"github.com/jackzampolin/pageturner/internal/command"
	"github.com/jackzampolin/pageturner/internal/svcctx"
)

// ExportEndpoint handles POST /api/export.
type ExportEndpoint struct{}

func (e *ExportEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/export", e.handler
}

func (e *ExportEndpoint) RequiresInit() bool { return true }

func (e *ExportEndpoint) Group() string { return "export" }

// handler writes the stored pages to a file and returns once it exists.
func (e *ExportEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	cmd, err := decodeCommand(r, command.TypeExport)
	if err != nil {
		writeErr(w, err)
		return
	}
	dispatch(w, r, cmd)
}

func (e *ExportEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req command.Export
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Export the stored pages to PDF or ZIP",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp command.ExportResult
			if err := client.Post(cmd.Context(), "/api/export", req, &resp); err != nil {
				return err
			}
			return api.Output(exportView(resp))
		},
	}
	f := cmd.Flags()
	f.StringVar((*string)(&req.Format), "format", "", "Output format: pdf or zip (default: configured format)")
	f.StringVar((*string)(&req.Style), "style", "", "Transcript style: plain or markdown")
	f.BoolVar(&req.Transcribe, "transcribe", false, "Transcribe every page before exporting")
	f.StringVar(&req.Credential, "credential", "", "API key (default: configured key)")
	f.StringVar(&req.Model, "model", "", "Transcription model")
	return cmd
}

// LastExportEndpoint handles GET /api/export/last.
type LastExportEndpoint struct{}

func (e *LastExportEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/export/last", e.handler
}

func (e *LastExportEndpoint) RequiresInit() bool { return true }

func (e *LastExportEndpoint) Group() string { return "export" }

func (e *LastExportEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	a := svcctx.AssemblerFrom(r.Context())
	if a == nil {
		writeError(w, http.StatusServiceUnavailable, "assembler not initialized")
		return
	}
	res, ok := a.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "nothing exported yet")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (e *LastExportEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "last",
		Short: "Show the most recent export",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp command.ExportResult
			if err := client.Get(cmd.Context(), "/api/export/last", &resp); err != nil {
				return err
			}
			return api.Output(exportView(resp))
		},
	}
}
