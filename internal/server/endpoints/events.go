package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/pageturner/internal/api"
	"github.com/jackzampolin/pageturner/internal/command"
	"github.com/jackzampolin/pageturner/internal/notify"
	"github.com/jackzampolin/pageturner/internal/svcctx"
)

// CommandEndpoint handles POST /api/command.
type CommandEndpoint struct{}

func (e *CommandEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/command", e.handler
}

func (e *CommandEndpoint) RequiresInit() bool { return true }

// handler accepts a {"type": ..., "payload": ...} envelope and returns the
// command's response.
func (e *CommandEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var env command.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd, err := command.DecodePayload(env.Type, env.Payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	dispatch(w, r, cmd)
}

func (e *CommandEndpoint) Command(getServerURL func() string) *cobra.Command {
	types := make([]string, len(command.Types))
	for i, t := range command.Types {
		types[i] = string(t)
	}
	return &cobra.Command{
		Use:   "command <type> [payload]",
		Short: "Send a raw command envelope",
		Long: fmt.Sprintf(`Send a command to the server and print its response.

Types: %s

Example:
  pageturner api command TRANSCRIBE '{"page_index": 0}'`, strings.Join(types, ", ")),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := command.Envelope{Type: command.Type(strings.ToUpper(args[0]))}
			if len(args) == 2 {
				env.Payload = json.RawMessage(args[1])
			}
			client := api.NewClient(getServerURL())
			var resp any
			if err := client.Post(cmd.Context(), "/api/command", env, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// EventsEndpoint handles GET /api/events as a server-sent event stream.
type EventsEndpoint struct {
	// KeepAlive is the comment interval that holds idle connections open.
	KeepAlive time.Duration
}

func (e *EventsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/events", e.handler
}

func (e *EventsEndpoint) RequiresInit() bool { return true }

func (e *EventsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	hub := svcctx.HubFrom(r.Context())
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event hub not initialized")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, unsubscribe := hub.Subscribe(32)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := e.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev notify.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data)
	return err
}

func (e *EventsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow capture and export events",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return client.Stream(cmd.Context(), "/api/events", func(line string) bool {
				data, ok := strings.CutPrefix(line, "data: ")
				if !ok {
					return true
				}
				var ev notify.Event
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					return true
				}
				if api.IsStructuredOutput() {
					_ = api.Output(ev)
					return true
				}
				fmt.Printf("%s  %-8s %s\n", ev.Time.Format("15:04:05"), ev.Kind, ev.Message)
				return true
			})
		},
	}
}
