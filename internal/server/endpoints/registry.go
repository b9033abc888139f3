package endpoints

import (
	"github.com/jackzampolin/pageturner/internal/api"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&StatusEndpoint{},

		// Browser
		&ListTabsEndpoint{},

		// Capture session
		&StartCaptureEndpoint{},
		&StopCaptureEndpoint{},
		&CaptureStatusEndpoint{},

		// Stored pages
		&ListPagesEndpoint{},
		&PageImageEndpoint{},

		// Transcription, export and spending
		&TranscribeEndpoint{},
		&ExportEndpoint{},
		&LastExportEndpoint{},
		&GetLedgerEndpoint{},
		&ResetLedgerEndpoint{},

		// Command channel and status broadcasts
		&CommandEndpoint{},
		&EventsEndpoint{},
	}
}
