package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/pageturner/internal/api"
	"github.com/jackzampolin/pageturner/internal/capture"
	"github.com/jackzampolin/pageturner/internal/command"
)

// StartCaptureEndpoint handles POST /api/capture/start.
type StartCaptureEndpoint struct{}

func (e *StartCaptureEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/capture/start", e.handler
}

func (e *StartCaptureEndpoint) RequiresInit() bool { return true }

func (e *StartCaptureEndpoint) Group() string { return "capture" }

// handler starts a capture session. The body is a START payload; empty
// settings take their configured defaults.
func (e *StartCaptureEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	cmd, err := decodeCommand(r, command.TypeStart)
	if err != nil {
		writeErr(w, err)
		return
	}
	dispatch(w, r, cmd)
}

func (e *StartCaptureEndpoint) Command(getServerURL func() string) *cobra.Command {
	var (
		req    command.Start
		preset string
	)
	cmd := &cobra.Command{
		Use:   "start <tab_id>",
		Short: "Start capturing the book open in a tab",
		Long: `Start a capture session against a reader tab.

The reader is moved to its first page, then every page is screenshotted
once it stops changing. The session ends by itself at the end of the book.
Use "pageturner api tabs" to find tab IDs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TabID = args[0]
			req.Settings.Viewport.Preset = preset
			if req.Settings.Viewport.Width > 0 && req.Settings.Viewport.Height > 0 && preset == "" {
				req.Settings.Viewport.Preset = capture.PresetCustom
			}

			client := api.NewClient(getServerURL())
			var resp command.Accepted
			if err := client.Post(cmd.Context(), "/api/capture/start", req, &resp); err != nil {
				return err
			}
			return api.Output(acceptedView(resp))
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.ViewportID, "viewport", "", "Tab ID whose window is resized and captured (default: the reader tab)")
	f.StringVar(&preset, "preset", "", "Window preset: current, maximized, custom or a named preset")
	f.IntVar(&req.Settings.Viewport.Width, "width", 0, "Window width for the custom preset")
	f.IntVar(&req.Settings.Viewport.Height, "height", 0, "Window height for the custom preset")
	f.StringVar((*string)(&req.Settings.Direction), "direction", "", "Page direction: ltr or rtl")
	f.StringVar((*string)(&req.Settings.OutputFormat), "format", "", "Output format: pdf or zip")
	f.StringVar((*string)(&req.Settings.Mode), "mode", "", "capture_only or capture_and_transcribe")
	f.StringVar(&req.Settings.Model, "model", "", "Transcription model")
	f.StringVar((*string)(&req.Settings.Style), "style", "", "Transcript style: plain or markdown")
	f.StringVar(&req.Settings.Credential, "credential", "", "API key (default: configured key)")
	f.Float64Var(&req.Settings.CostLimit, "cost-limit", 0, "Refuse to start once cumulative cost reaches this amount")
	return cmd
}

// StopCaptureEndpoint handles POST /api/capture/stop.
type StopCaptureEndpoint struct{}

func (e *StopCaptureEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/capture/stop", e.handler
}

func (e *StopCaptureEndpoint) RequiresInit() bool { return true }

func (e *StopCaptureEndpoint) Group() string { return "capture" }

func (e *StopCaptureEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	dispatch(w, r, command.Stop{})
}

func (e *StopCaptureEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the active capture session and export its pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp command.Stopped
			if err := client.Post(cmd.Context(), "/api/capture/stop", nil, &resp); err != nil {
				return err
			}
			return api.Output(stoppedView(resp))
		},
	}
}

// CaptureStatusEndpoint handles GET /api/capture/status.
type CaptureStatusEndpoint struct{}

func (e *CaptureStatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/capture/status", e.handler
}

func (e *CaptureStatusEndpoint) RequiresInit() bool { return true }

func (e *CaptureStatusEndpoint) Group() string { return "capture" }

func (e *CaptureStatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	dispatch(w, r, command.Status{})
}

func (e *CaptureStatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show capture progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp command.StatusResult
			if err := client.Get(cmd.Context(), "/api/capture/status", &resp); err != nil {
				return err
			}
			return api.Output(statusView(resp))
		},
	}
}
