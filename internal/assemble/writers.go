package assemble

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/jackzampolin/pageturner/internal/capture"
	"github.com/jackzampolin/pageturner/internal/store"
)

// writePDF imports every page image as its own PDF page and checks the
// resulting page count.
func writePDF(path string, pages []store.Page) error {
	tmpDir, err := os.MkdirTemp("", "pageturner-pdf-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	imgFiles := make([]string, 0, len(pages))
	for _, p := range pages {
		f := filepath.Join(tmpDir, pageFileName(p.Index, p.MIME))
		if err := os.WriteFile(f, p.Image, 0o644); err != nil {
			return fmt.Errorf("write page %d: %w", p.Index, err)
		}
		imgFiles = append(imgFiles, f)
	}

	if err := api.ImportImagesFile(imgFiles, path, nil, nil); err != nil {
		return fmt.Errorf("failed to build PDF: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()
	count, err := api.PageCount(f, nil)
	if err != nil {
		return fmt.Errorf("failed to get page count: %w", err)
	}
	if count != len(pages) {
		return fmt.Errorf("PDF has %d pages, expected %d", count, len(pages))
	}
	return nil
}

// writeZip stores 001.jpg, 002.jpg... plus a transcript file when there is one.
func writeZip(path string, pages []store.Page, transcripts []store.Transcript, opts Options) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create zip: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(f)
	for _, p := range pages {
		w, err := zw.Create(pageFileName(p.Index, p.MIME))
		if err != nil {
			return fmt.Errorf("zip page %d: %w", p.Index, err)
		}
		if _, err := w.Write(p.Image); err != nil {
			return fmt.Errorf("zip page %d: %w", p.Index, err)
		}
	}
	if len(transcripts) > 0 {
		w, err := zw.Create("transcript" + transcriptExt(opts.Style))
		if err != nil {
			return fmt.Errorf("zip transcript: %w", err)
		}
		if _, err := w.Write([]byte(renderTranscript(transcripts, opts))); err != nil {
			return fmt.Errorf("zip transcript: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish zip: %w", err)
	}
	return nil
}

func transcriptExt(style capture.Style) string {
	if style == capture.StyleMarkdown {
		return ".md"
	}
	return ".txt"
}

// renderTranscript joins page transcripts. Markdown output gets one
// "## Page N" section per page.
func renderTranscript(transcripts []store.Transcript, opts Options) string {
	var sb strings.Builder
	if opts.Style == capture.StyleMarkdown {
		title := opts.Title
		if title == "" {
			title = "Transcript"
		}
		fmt.Fprintf(&sb, "# %s\n\n", title)
		for _, tr := range transcripts {
			fmt.Fprintf(&sb, "## Page %d\n\n%s\n\n---\n\n", tr.Index+1, strings.TrimSpace(tr.Text))
		}
		return sb.String()
	}
	for i, tr := range transcripts {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strings.TrimSpace(tr.Text))
	}
	sb.WriteString("\n")
	return sb.String()
}
