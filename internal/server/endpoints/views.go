package endpoints

import (
	"fmt"
	"strings"

	"github.com/jackzampolin/pageturner/internal/api"
	"github.com/jackzampolin/pageturner/internal/command"
)

// Text renderings of command responses for the CLI's default output mode.

type acceptedView command.Accepted

func (v acceptedView) Text() string {
	return fmt.Sprintf("Capture started (session %s).", v.SessionID)
}

type stoppedView command.Stopped

func (v stoppedView) Text() string { return "Capture stopped." }

type statusView command.StatusResult

func (v statusView) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "State:   %s\n", v.State)
	if v.Title != "" {
		fmt.Fprintf(&b, "Book:    %s\n", v.Title)
	}
	if v.TotalPages > 0 {
		fmt.Fprintf(&b, "Pages:   %d of %d\n", v.SessionPageCount, v.TotalPages)
	} else {
		fmt.Fprintf(&b, "Pages:   %d\n", v.SessionPageCount)
	}
	fmt.Fprintf(&b, "Message: %s", v.LastMessage)
	return b.String()
}

type ledgerView command.LedgerResult

func (v ledgerView) Text() string {
	return "Cumulative cost: " + api.FormatCost(v.CumulativeCost, v.Currency)
}

type exportView command.ExportResult

func (v exportView) Text() string {
	s := fmt.Sprintf("Saved %s (%d pages)", v.Path, v.Pages)
	if v.Transcribed > 0 || v.Failed > 0 {
		s += fmt.Sprintf(", %d transcribed, %d failed", v.Transcribed, v.Failed)
	}
	if v.TranscriptPath != "" {
		s += "\nTranscript: " + v.TranscriptPath
	}
	return s
}

type tabsView ListTabsResponse

func (v tabsView) Text() string {
	if len(v.Tabs) == 0 {
		return "No tabs open."
	}
	lines := make([]string, 0, len(v.Tabs))
	for _, t := range v.Tabs {
		lines = append(lines, fmt.Sprintf("%s  %s\n    %s", t.ID, t.Title, t.URL))
	}
	return strings.Join(lines, "\n")
}
