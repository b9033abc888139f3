package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/pageturner/internal/api"
	"github.com/jackzampolin/pageturner/internal/command"
)

// TranscribeEndpoint handles POST /api/transcribe.
type TranscribeEndpoint struct{}

func (e *TranscribeEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/transcribe", e.handler
}

func (e *TranscribeEndpoint) RequiresInit() bool { return true }

// handler transcribes one stored page. Failures are reported inside the text,
// never as an HTTP error.
func (e *TranscribeEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	cmd, err := decodeCommand(r, command.TypeTranscribe)
	if err != nil {
		writeErr(w, err)
		return
	}
	dispatch(w, r, cmd)
}

func (e *TranscribeEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req command.Transcribe
	cmd := &cobra.Command{
		Use:   "transcribe <page_index>",
		Short: "Transcribe one stored page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := fmt.Sscanf(args[0], "%d", &req.PageIndex); err != nil {
				return fmt.Errorf("invalid page index %q", args[0])
			}
			client := api.NewClient(getServerURL())
			var resp command.TranscribeResult
			if err := client.Post(cmd.Context(), "/api/transcribe", req, &resp); err != nil {
				return err
			}
			if api.IsStructuredOutput() {
				return api.Output(resp)
			}
			fmt.Println(resp.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Credential, "credential", "", "API key (default: configured key)")
	cmd.Flags().StringVar(&req.Model, "model", "", "Transcription model (default: configured model)")
	return cmd
}
