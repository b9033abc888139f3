package endpoints

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/pageturner/internal/api"
	"github.com/jackzampolin/pageturner/internal/store"
	"github.com/jackzampolin/pageturner/internal/svcctx"
)

// PageInfo describes one stored page without its image.
type PageInfo struct {
	Index      int       `json:"index"`
	MIME       string    `json:"mime"`
	Bytes      int       `json:"bytes"`
	CapturedAt time.Time `json:"captured_at"`
}

// ListPagesResponse is the response for listing stored pages.
type ListPagesResponse struct {
	Title      string     `json:"title,omitempty"`
	TotalPages int        `json:"total_pages,omitempty"`
	Pages      []PageInfo `json:"pages"`
}

// ListPagesEndpoint handles GET /api/pages.
type ListPagesEndpoint struct{}

func (e *ListPagesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/pages", e.handler
}

func (e *ListPagesEndpoint) RequiresInit() bool { return true }

func (e *ListPagesEndpoint) Group() string { return "pages" }

func (e *ListPagesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "page store not initialized")
		return
	}

	pages, err := st.Pages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list pages: %v", err))
		return
	}
	meta, err := st.Metadata(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read metadata: %v", err))
		return
	}

	resp := ListPagesResponse{
		Title:      meta.Title,
		TotalPages: meta.TotalPages,
		Pages:      make([]PageInfo, 0, len(pages)),
	}
	for _, p := range pages {
		resp.Pages = append(resp.Pages, PageInfo{
			Index:      p.Index,
			MIME:       p.MIME,
			Bytes:      len(p.Image),
			CapturedAt: p.CapturedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListPagesEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListPagesResponse
			if err := client.Get(cmd.Context(), "/api/pages", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// PageImageEndpoint handles GET /api/pages/{index}/image.
type PageImageEndpoint struct{}

func (e *PageImageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/pages/{index}/image", e.handler
}

func (e *PageImageEndpoint) RequiresInit() bool { return true }

func (e *PageImageEndpoint) Group() string { return "pages" }

func (e *PageImageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || idx < 0 {
		writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "page store not initialized")
		return
	}

	page, err := st.Page(r.Context(), idx)
	if errors.Is(err, store.ErrPageNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("page %d not found", idx))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", page.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(page.Image)))
	w.WriteHeader(http.StatusOK)
	w.Write(page.Image)
}

func (e *PageImageEndpoint) Command(getServerURL func() string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "image <index>",
		Short: "Download a stored page image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = "page-" + args[0] + ".jpg"
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()

			client := api.NewClient(getServerURL())
			if _, err := client.Download(cmd.Context(), "/api/pages/"+args[0]+"/image", f); err != nil {
				f.Close()
				os.Remove(output)
				return err
			}
			fmt.Printf("Saved %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "file", "f", "", "Output file (default: page-<index>.jpg)")
	return cmd
}
